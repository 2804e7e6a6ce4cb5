package openai

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
	"github.com/smythos/sre/runtime/usage"
)

type stubChat struct {
	lastRequest openai.ChatCompletionRequest
	response    openai.ChatCompletionResponse
	err         error
	stream      *stubStream
}

func (s *stubChat) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastRequest = request
	return s.response, s.err
}

func (s *stubChat) CreateChatCompletionStream(_ context.Context, request openai.ChatCompletionRequest) (ChatStream, error) {
	s.lastRequest = request
	return s.stream, nil
}

type stubStream struct {
	chunks []openai.ChatCompletionStreamResponse
	err    error
	next   int
	closed atomic.Bool
}

func (s *stubStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.next < len(s.chunks) {
		chunk := s.chunks[s.next]
		s.next++
		return chunk, nil
	}
	if s.err != nil {
		return openai.ChatCompletionStreamResponse{}, s.err
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (s *stubStream) Close() error {
	s.closed.Store(true)
	return nil
}

func newConnector(t *testing.T, chat *stubChat, bus *usage.Bus) *Client {
	t.Helper()
	c, err := New(Options{Client: chat, DefaultModel: "gpt-4o", Bus: bus})
	require.NoError(t, err)
	return c
}

func recvUsage(t *testing.T, events <-chan usage.Event) usage.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no usage event published")
		return usage.Event{}
	}
}

func TestRequestEncodesAndDecodes(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Paris"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3},
	}}
	bus := usage.NewBus()
	events, cancel := bus.Subscribe(usage.ChannelLLM)
	defer cancel()
	c := newConnector(t, chat, bus)

	temp := 0.2
	resp, err := c.Request(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "answer tersely"},
			{Role: llm.RoleUser, Content: "capital of France?"},
		},
		Temperature: &temp,
		MaxTokens:   64,
		AgentID:     "bot-1",
		TeamID:      "acme",
	})
	require.NoError(t, err)
	require.Equal(t, "Paris", resp.Content)
	require.Equal(t, llm.FinishStop, resp.FinishReason)
	require.False(t, resp.UseTool)
	require.Equal(t, llm.Usage{InputTokens: 12, OutputTokens: 3}, resp.Usage)
	require.Equal(t, llm.RoleAssistant, resp.Message.Role)

	require.Equal(t, "gpt-4o", chat.lastRequest.Model, "default model fills empty requests")
	require.Equal(t, openai.ChatMessageRoleSystem, chat.lastRequest.Messages[0].Role)
	require.Equal(t, float32(0.2), chat.lastRequest.Temperature)
	require.Equal(t, 64, chat.lastRequest.MaxTokens)

	ev := recvUsage(t, events)
	require.Equal(t, "llm:gpt-4o", ev.SourceID)
	require.Equal(t, 12, ev.InputTokens)
	require.Equal(t, 3, ev.OutputTokens)
	require.Equal(t, usage.KeySourceSmyth, ev.KeySource)
	require.Equal(t, "bot-1", ev.AgentID)
	require.Equal(t, "acme", ev.TeamID)
}

func TestRequestDecodesToolCalls(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       "call-1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	c := newConnector(t, chat, nil)

	resp, err := c.Request(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "weather?"}},
		Tools:    []llm.ToolSpec{{Name: "get_weather", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.True(t, resp.UseTool)
	require.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolsData, 1)
	require.Equal(t, "call-1", resp.ToolsData[0].ID)
	require.Equal(t, map[string]any{"city": "Paris"}, resp.ToolsData[0].Arguments)

	require.Len(t, chat.lastRequest.Tools, 1)
	require.Equal(t, "get_weather", chat.lastRequest.Tools[0].Function.Name)
}

func TestEncodeToolChoice(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{FinishReason: openai.FinishReasonStop}},
	}}
	c := newConnector(t, chat, nil)
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "x"}}

	_, err := c.Request(context.Background(), llm.Request{Messages: msgs, ToolChoice: "auto"})
	require.NoError(t, err)
	require.Nil(t, chat.lastRequest.ToolChoice)

	_, err = c.Request(context.Background(), llm.Request{Messages: msgs, ToolChoice: "none"})
	require.NoError(t, err)
	require.Equal(t, "none", chat.lastRequest.ToolChoice)

	_, err = c.Request(context.Background(), llm.Request{Messages: msgs, ToolChoice: "get_weather"})
	require.NoError(t, err)
	choice, ok := chat.lastRequest.ToolChoice.(openai.ToolChoice)
	require.True(t, ok)
	require.Equal(t, "get_weather", choice.Function.Name)
}

func TestEncodeJSONFormatAndToolHistory(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{FinishReason: openai.FinishReasonStop}},
	}}
	c := newConnector(t, chat, nil)

	_, err := c.Request(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "do it"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "t", Arguments: map[string]any{"a": "b"}}}},
			{Role: llm.RoleTool, ToolCallID: "call-1", Content: `{"ok":true}`},
		},
		ResponseFormat: llm.FormatJSON,
	})
	require.NoError(t, err)

	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.lastRequest.ResponseFormat.Type)
	assistant := chat.lastRequest.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	require.JSONEq(t, `{"a":"b"}`, assistant.ToolCalls[0].Function.Arguments)
	toolMsg := chat.lastRequest.Messages[2]
	require.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	require.Equal(t, "call-1", toolMsg.ToolCallID)
}

func TestEncodeRejectsNonImageFiles(t *testing.T) {
	chat := &stubChat{}
	c := newConnector(t, chat, nil)

	_, err := c.Request(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "read this"}},
		Files:    []llm.File{{Name: "report.pdf", MimeType: "application/pdf"}},
	})
	require.True(t, fault.IsKind(err, fault.KindUnsupported))
}

func TestRequestBackendFailure(t *testing.T) {
	chat := &stubChat{err: errors.New("rate limited")}
	c := newConnector(t, chat, nil)

	_, err := c.Request(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.True(t, fault.IsKind(err, fault.KindBackendFailure))
}

func TestStreamAccumulatesToolCallsAndUsage(t *testing.T) {
	idx := 0
	stream := &stubStream{chunks: []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "Let me "}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "check."}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []openai.ToolCall{{Index: &idx, ID: "call-1", Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"ci`}}},
		}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []openai.ToolCall{{Index: &idx, Function: openai.FunctionCall{Arguments: `ty":"Paris"}`}}},
		}}}},
		{Usage: &openai.Usage{PromptTokens: 20, CompletionTokens: 5}},
	}}
	chat := &stubChat{stream: stream}
	bus := usage.NewBus()
	events, cancel := bus.Subscribe(usage.ChannelLLM)
	defer cancel()
	c := newConnector(t, chat, bus)

	out, err := c.StreamRequest(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "weather?"}},
	})
	require.NoError(t, err)
	require.True(t, chat.lastRequest.StreamOptions.IncludeUsage)

	content, got, err := llm.Drain(out)
	require.NoError(t, err)
	require.Equal(t, "Let me check.", content)

	require.Len(t, got, 2)
	require.Equal(t, llm.EventToolInfo, got[0].Type)
	require.Len(t, got[0].ToolCalls, 1)
	require.Equal(t, "call-1", got[0].ToolCalls[0].ID)
	require.Equal(t, map[string]any{"city": "Paris"}, got[0].ToolCalls[0].Arguments, "argument fragments parse once complete")
	require.Equal(t, llm.EventUsage, got[1].Type)
	require.Equal(t, 20, got[1].Usage.InputTokens)

	ev := recvUsage(t, events)
	require.Equal(t, 20, ev.InputTokens)
	require.Equal(t, 5, ev.OutputTokens)
	require.Eventually(t, func() bool { return stream.closed.Load() }, time.Second, 10*time.Millisecond)
}

func TestStreamCancellationEndsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := &stubStream{err: context.Canceled}
	chat := &stubChat{stream: stream}
	c := newConnector(t, chat, nil)

	out, err := c.StreamRequest(ctx, llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.NoError(t, err)

	_, events, err := llm.Drain(out)
	require.NoError(t, err, "cancellation ends the stream without an error event")
	require.Empty(t, events)
	require.Eventually(t, func() bool { return stream.closed.Load() }, time.Second, 10*time.Millisecond)
}

func TestStreamBackendFailure(t *testing.T) {
	stream := &stubStream{
		chunks: []openai.ChatCompletionStreamResponse{
			{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "par"}}}},
		},
		err: errors.New("connection reset"),
	}
	chat := &stubChat{stream: stream}
	c := newConnector(t, chat, nil)

	out, err := c.StreamRequest(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	require.NoError(t, err)

	content, _, err := llm.Drain(out)
	require.Equal(t, "par", content)
	require.True(t, fault.IsKind(err, fault.KindBackendFailure))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.True(t, fault.IsKind(err, fault.KindConfiguration))

	_, err = New(Options{Client: &stubChat{}})
	require.True(t, fault.IsKind(err, fault.KindConfiguration))
}
