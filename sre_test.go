package sre

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cacheram "github.com/smythos/sre/features/cache/ram"
	nkvram "github.com/smythos/sre/features/nkv/ram"
	localstorage "github.com/smythos/sre/features/storage/local"
	vecram "github.com/smythos/sre/features/vectordb/ram"
	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/agent"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
	"github.com/smythos/sre/runtime/usage"
	"github.com/smythos/sre/runtime/vectordb"
)

// cannedLLM always answers with the same content, publishing usage like a real
// provider connector would.
type cannedLLM struct {
	reply string
	bus   *usage.Bus
}

func (c *cannedLLM) Name() string                { return "Canned" }
func (c *cannedLLM) Start(context.Context) error { return nil }
func (c *cannedLLM) Stop(context.Context) error  { return nil }

func (c *cannedLLM) Request(ctx context.Context, req llm.Request) (llm.Response, error) {
	if c.bus != nil {
		c.bus.Publish(ctx, usage.ChannelLLM, usage.Event{
			SourceID:     "llm:" + req.Model,
			InputTokens:  1,
			OutputTokens: 1,
			AgentID:      req.AgentID,
			TeamID:       req.TeamID,
		})
	}
	return llm.Response{
		Content:      c.reply,
		FinishReason: llm.FinishStop,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: c.reply},
	}, nil
}

func (c *cannedLLM) StreamRequest(context.Context, llm.Request) (*llm.Stream, error) {
	return nil, errors.New("not implemented")
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	model := &cannedLLM{reply: "hello from the model"}
	rt, err := New(context.Background(), Options{
		Config: connector.Config{
			connector.SubsystemStorage:  {Connector: localstorage.ConnectorName, Settings: map[string]any{"root": t.TempDir()}},
			connector.SubsystemCache:    {Connector: cacheram.ConnectorName},
			connector.SubsystemNKV:      {Connector: nkvram.ConnectorName},
			connector.SubsystemVectorDB: {Connector: vecram.ConnectorName},
			connector.SubsystemLLM:      {Connector: model.Name()},
		},
		CacheTTL: time.Second,
		Register: func(r *connector.Registry) error {
			return r.Register(connector.SubsystemLLM, model.Name(), func(map[string]any) (connector.Connector, error) {
				return model, nil
			})
		},
	})
	require.NoError(t, err)
	model.bus = rt.Usage()
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func TestRuntimeStorageIsolation(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	mine, err := rt.Storage(acl.Agent("bot-1"), "")
	require.NoError(t, err)
	require.NoError(t, mine.Write(ctx, "notes.txt", []byte("private")))

	data, err := mine.Read(ctx, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("private"), data)

	theirs, err := rt.Storage(acl.Agent("bot-2"), "")
	require.NoError(t, err)
	_, err = theirs.Read(ctx, "notes.txt")
	require.True(t, fault.IsKind(err, fault.KindAccessDenied))
}

func TestRuntimeVectorSearch(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	db, err := rt.VectorDB(acl.Agent("bot-1"), "")
	require.NoError(t, err)
	_, err = db.CreateNamespace(ctx, "docs", nil)
	require.NoError(t, err)

	_, err = db.Insert(ctx, "docs", vectordb.Source{Text: "aaaa"}, vectordb.Source{Text: "zzzz"})
	require.NoError(t, err)

	results, err := db.Search(ctx, "docs", vectordb.Query{Text: "aaa"}, vectordb.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "aaaa", results[0].Text)
}

func TestRuntimeServesTempURLs(t *testing.T) {
	rt := newRuntime(t)
	server := httptest.NewServer(rt.Handler())
	defer server.Close()

	ctx := context.Background()
	agentID := acl.Agent("bot-1")
	uri := "smythfs://bot-1.agent/out/report.txt"
	require.NoError(t, rt.FS().Write(ctx, uri, []byte("report"), agentID, nil))

	tempURL, err := rt.FS().GenTempURL(ctx, uri, agentID, 0, false)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + tempURL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "report", string(body))
}

func TestRuntimeAgentChatMeteredOnBus(t *testing.T) {
	rt := newRuntime(t)
	events, cancel := rt.Usage().Subscribe(usage.ChannelLLM)
	defer cancel()

	a, err := rt.Agent(agent.Spec{ID: "bot-1", TeamID: "acme", Model: "canned-1"})
	require.NoError(t, err)
	chat, err := a.Chat(context.Background(), agent.ChatOptions{})
	require.NoError(t, err)

	content, err := chat.Prompt(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hello from the model", content)

	select {
	case ev := <-events:
		require.Equal(t, "llm:canned-1", ev.SourceID)
		require.Equal(t, "bot-1", ev.AgentID)
		require.Equal(t, "acme", ev.TeamID)
	case <-time.After(time.Second):
		t.Fatal("no usage event published")
	}
}

func TestRuntimeRequiresCacheForACLCaching(t *testing.T) {
	_, err := New(context.Background(), Options{
		Config: connector.Config{
			connector.SubsystemStorage: {Connector: localstorage.ConnectorName, Settings: map[string]any{"root": t.TempDir()}},
		},
		CacheTTL: time.Second,
	})
	require.True(t, fault.IsKind(err, fault.KindConfiguration))
}
