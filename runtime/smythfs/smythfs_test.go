package smythfs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cacheram "github.com/smythos/sre/features/cache/ram"
	nkvram "github.com/smythos/sre/features/nkv/ram"
	localstorage "github.com/smythos/sre/features/storage/local"
	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/secure"
)

func newFS(t *testing.T) *FS {
	t.Helper()
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register(connector.SubsystemStorage, localstorage.ConnectorName, localstorage.Factory))
	require.NoError(t, registry.Register(connector.SubsystemCache, cacheram.ConnectorName, cacheram.Factory))
	require.NoError(t, registry.Register(connector.SubsystemNKV, nkvram.ConnectorName, nkvram.Factory))

	ctx := context.Background()
	_, err := registry.Init(ctx, connector.SubsystemStorage, localstorage.ConnectorName, map[string]any{"root": t.TempDir()})
	require.NoError(t, err)
	_, err = registry.Init(ctx, connector.SubsystemCache, cacheram.ConnectorName, nil)
	require.NoError(t, err)
	_, err = registry.Init(ctx, connector.SubsystemNKV, nkvram.ConnectorName, nil)
	require.NoError(t, err)
	registry.Ready()
	t.Cleanup(func() { _ = registry.Stop(context.Background()) })

	fs, err := New(Options{Registry: registry, Guard: secure.NewGuard()})
	require.NoError(t, err)
	return fs
}

func TestReadWriteRoundTrip(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	agent := acl.Agent("bot-1")
	uri := "smythfs://bot-1.agent/scratch/note.txt"

	require.NoError(t, fs.Write(ctx, uri, []byte("hello"), agent, &WriteOptions{ContentType: "text/plain"}))

	data, err := fs.Read(ctx, uri, agent)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	ok, err := fs.Exists(ctx, uri, agent)
	require.NoError(t, err)
	require.True(t, ok)

	ct, err := fs.ContentType(ctx, uri, agent)
	require.NoError(t, err)
	require.Equal(t, "text/plain", ct)

	require.NoError(t, fs.Delete(ctx, uri, agent))
	ok, err = fs.Exists(ctx, uri, agent)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriterOwnsObject(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	uri := "smythfs://acme.team/docs/secret.txt"

	require.NoError(t, fs.Write(ctx, uri, []byte("classified"), acl.Agent("insider"), nil))

	_, err := fs.Read(ctx, uri, acl.Agent("outsider"))
	require.True(t, fault.IsKind(err, fault.KindAccessDenied))
}

func TestInvalidURIRejected(t *testing.T) {
	fs := newFS(t)
	_, err := fs.Read(context.Background(), "s3://bucket/key", acl.Agent("bot-1"))
	require.True(t, fault.IsKind(err, fault.KindInvalidArgument))
}

func TestTempURLLifecycle(t *testing.T) {
	fs := newFS(t)
	server := httptest.NewServer(fs.Handler())
	defer server.Close()

	ctx := context.Background()
	agent := acl.Agent("bot-1")
	uri := "smythfs://bot-1.agent/out/report.txt"
	require.NoError(t, fs.Write(ctx, uri, []byte("report body"), agent, &WriteOptions{ContentType: "text/plain"}))

	tempURL, err := fs.GenTempURL(ctx, uri, agent, 0, false)
	require.NoError(t, err)
	require.Contains(t, tempURL, "/_temp/")

	resp, err := http.Get(server.URL + tempURL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "report body", string(body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	require.NoError(t, fs.DestroyTempURL(ctx, tempURL, false))
	resp, err = http.Get(server.URL + tempURL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ok, err := fs.Exists(ctx, uri, agent)
	require.NoError(t, err)
	require.True(t, ok, "destroying the url without delResource keeps the object")
}

func TestTempURLExpires(t *testing.T) {
	fs := newFS(t)
	server := httptest.NewServer(fs.Handler())
	defer server.Close()

	ctx := context.Background()
	agent := acl.Agent("bot-1")
	uri := "smythfs://bot-1.agent/out/fleeting.txt"
	require.NoError(t, fs.Write(ctx, uri, []byte("x"), agent, nil))

	tempURL, err := fs.GenTempURL(ctx, uri, agent, time.Second, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + tempURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 5*time.Second, 100*time.Millisecond)
}

func TestTempURLRequiresReadableObject(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	uri := "smythfs://acme.team/docs/private.txt"
	require.NoError(t, fs.Write(ctx, uri, []byte("x"), acl.Agent("owner"), nil))

	_, err := fs.GenTempURL(ctx, uri, acl.Agent("stranger"), 0, false)
	require.True(t, fault.IsKind(err, fault.KindAccessDenied))
}

func TestDestroyTempURLDeletesResource(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	agent := acl.Agent("bot-1")
	uri := "smythfs://bot-1.agent/out/disposable.txt"
	require.NoError(t, fs.Write(ctx, uri, []byte("x"), agent, nil))

	tempURL, err := fs.GenTempURL(ctx, uri, agent, 0, false)
	require.NoError(t, err)
	require.NoError(t, fs.DestroyTempURL(ctx, tempURL, true))

	ok, err := fs.Exists(ctx, uri, agent)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResourceURLLifecycle(t *testing.T) {
	fs := newFS(t)
	server := httptest.NewServer(fs.Handler())
	defer server.Close()

	ctx := context.Background()
	agent := acl.Agent("bot-1")
	uri := "smythfs://bot-1.agent/assets/logo.png"
	require.NoError(t, fs.Write(ctx, uri, []byte{0x89, 'P', 'N', 'G'}, agent, &WriteOptions{ContentType: "image/png"}))

	resURL, err := fs.GenResourceURL(ctx, uri, agent)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resURL, "/agents/bot-1/"))
	require.True(t, strings.HasSuffix(resURL, ".png"), "extension follows the content type")

	again, err := fs.GenResourceURL(ctx, uri, agent)
	require.NoError(t, err)
	require.Equal(t, resURL, again, "resource urls are stable per object")

	resp, err := http.Get(server.URL + resURL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, body)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	require.NoError(t, fs.DestroyResourceURL(ctx, resURL, agent))
	resp, err = http.Get(server.URL + resURL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResourceURLAgentsOnly(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	_, err := fs.GenResourceURL(ctx, "smythfs://acme.team/file.txt", acl.User("alice"))
	require.True(t, fault.IsKind(err, fault.KindInvalidArgument))

	err = fs.DestroyResourceURL(ctx, "/agents/x/abc.png", acl.Team("acme"))
	require.True(t, fault.IsKind(err, fault.KindInvalidArgument))
}
