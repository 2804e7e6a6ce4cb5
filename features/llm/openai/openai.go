// Package openai provides the inference connector backed by the OpenAI Chat
// Completions API. It translates normalized requests into ChatCompletion calls
// using github.com/sashabaranov/go-openai, maps responses and stream deltas
// back to the generic structures, and publishes one usage event per completion
// on the USAGE:LLM channel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
	"github.com/smythos/sre/runtime/usage"
)

// ConnectorName is the registry name of the OpenAI connector.
const ConnectorName = "OpenAI"

type (
	// ChatClient captures the subset of the go-openai client used by the
	// connector.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error)
	}

	// ChatStream captures the streaming reader of the go-openai client.
	ChatStream interface {
		Recv() (openai.ChatCompletionStreamResponse, error)
		Close() error
	}

	// Options configures the connector.
	Options struct {
		// Client is the OpenAI API client. Required.
		Client ChatClient
		// DefaultModel serves requests that carry no model. Required.
		DefaultModel string
		// Bus receives one usage event per completion. Optional.
		Bus *usage.Bus
		// KeySource attributes usage events: User when the API key came from
		// the caller's vault, Smyth otherwise.
		KeySource usage.KeySource
	}

	// Client is the OpenAI inference connector.
	Client struct {
		chat      ChatClient
		model     string
		bus       *usage.Bus
		keySource usage.KeySource
	}
)

var _ llm.Connector = (*Client)(nil)

// New builds the connector from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, fault.New(fault.KindConfiguration, "default model is required")
	}
	keySource := opts.KeySource
	if keySource == "" {
		keySource = usage.KeySourceSmyth
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, bus: opts.Bus, keySource: keySource}, nil
}

// NewFromAPIKey constructs a connector using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, defaultModel string, bus *usage.Bus, keySource usage.KeySource) (*Client, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfiguration, "api key is required")
	}
	return New(Options{
		Client:       sdkClient{client: openai.NewClient(apiKey)},
		DefaultModel: defaultModel,
		Bus:          bus,
		KeySource:    keySource,
	})
}

// FactoryWith returns a registry factory publishing usage on the given bus.
// Recognized settings: "apiKey" (string, required), "model" (string,
// required), "keySource" (string).
func FactoryWith(bus *usage.Bus) connector.Factory {
	return func(settings map[string]any) (connector.Connector, error) {
		apiKey, _ := settings["apiKey"].(string)
		model, _ := settings["model"].(string)
		keySource, _ := settings["keySource"].(string)
		return NewFromAPIKey(apiKey, model, bus, usage.KeySource(keySource))
	}
}

// Name implements connector.Connector.
func (c *Client) Name() string { return ConnectorName }

// Start implements connector.Connector.
func (c *Client) Start(context.Context) error { return nil }

// Stop implements connector.Connector.
func (c *Client) Stop(context.Context) error { return nil }

// Request performs a non-streaming completion.
func (c *Client) Request(ctx context.Context, req llm.Request) (llm.Response, error) {
	req = req.Defaults()
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	request, err := c.encode(req)
	if err != nil {
		return llm.Response{}, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, fault.Cancelled(ctx.Err())
		}
		return llm.Response{}, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, fault.New(fault.KindBackendFailure, "completion returned no choices")
	}
	result := decodeChoice(resp.Choices[0])
	result.Usage = decodeUsage(&resp.Usage)
	c.publishUsage(ctx, request.Model, req, result.Usage)
	return result, nil
}

// StreamRequest performs a streaming completion. Deltas are forwarded as
// Content events; tool calls accumulate across deltas and surface as one
// ToolInfo event before the terminal End.
func (c *Client) StreamRequest(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	req = req.Defaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	request, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	upstream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "open completion stream")
	}
	out := llm.NewStream()
	go c.pump(ctx, upstream, out, request.Model, req)
	return out, nil
}

// pump forwards stream deltas until the upstream ends, the consumer closes the
// stream, or the context is cancelled. Cancellation ends the stream cleanly.
func (c *Client) pump(ctx context.Context, upstream ChatStream, out *llm.Stream, model string, req llm.Request) {
	defer func() {
		if err := upstream.Close(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "close completion stream failed"}, log.KV{K: "err", V: err.Error()})
		}
	}()

	var (
		toolCalls []llm.ToolCall
		used      llm.Usage
	)
	for {
		chunk, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				out.End()
				return
			}
			out.Fail(fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read completion stream"))
			return
		}
		if chunk.Usage != nil {
			used = decodeUsage(chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !out.Emit(llm.Event{Type: llm.EventContent, Content: choice.Delta.Content}) {
					return
				}
			}
			toolCalls = accumulateToolCalls(toolCalls, choice.Delta.ToolCalls)
		}
	}

	if len(toolCalls) > 0 {
		finalizeToolCalls(toolCalls)
		if !out.Emit(llm.Event{Type: llm.EventToolInfo, ToolCalls: toolCalls}) {
			return
		}
	}
	event := c.usageEvent(model, req, used)
	if !out.Emit(llm.Event{Type: llm.EventUsage, Usage: &event}) {
		return
	}
	if c.bus != nil {
		c.bus.Publish(ctx, usage.ChannelLLM, event)
	}
	out.End()
}

// encode translates a normalized request into the go-openai form.
func (c *Client) encode(req llm.Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		messages = append(messages, encoded)
	}
	if len(req.Files) > 0 {
		// Request-level files attach to the last user message.
		parts, err := encodeFiles(req.Files)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		attached := false
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == openai.ChatMessageRoleUser {
				messages[i].MultiContent = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: messages[i].Content}}, parts...)
				messages[i].Content = ""
				attached = true
				break
			}
		}
		if !attached {
			return openai.ChatCompletionRequest{}, fault.New(fault.KindInvalidArgument, "file attachments require a user message")
		}
	}
	request := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		request.TopP = float32(*req.TopP)
	}
	if req.PresencePenalty != nil {
		request.PresencePenalty = float32(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		request.FrequencyPenalty = float32(*req.FrequencyPenalty)
	}
	if req.ResponseFormat == llm.FormatJSON {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	switch req.ToolChoice {
	case "", "auto":
		// Provider default.
	case "none", "required":
		request.ToolChoice = req.ToolChoice
	default:
		request.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice},
		}
	}
	return request, nil
}

func encodeMessage(m llm.Message) (openai.ChatCompletionMessage, error) {
	encoded := openai.ChatCompletionMessage{Content: m.Content}
	switch m.Role {
	case llm.RoleSystem:
		encoded.Role = openai.ChatMessageRoleSystem
	case llm.RoleUser:
		encoded.Role = openai.ChatMessageRoleUser
	case llm.RoleAssistant:
		encoded.Role = openai.ChatMessageRoleAssistant
		for _, tc := range m.ToolCalls {
			args := tc.ArgumentsJSON
			if args == "" && tc.Arguments != nil {
				raw, err := json.Marshal(tc.Arguments)
				if err != nil {
					return openai.ChatCompletionMessage{}, fault.Wrap(fault.KindInvalidArgument, ConnectorName, err, "encode tool arguments")
				}
				args = string(raw)
			}
			encoded.ToolCalls = append(encoded.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
			})
		}
	case llm.RoleTool:
		encoded.Role = openai.ChatMessageRoleTool
		encoded.ToolCallID = m.ToolCallID
	default:
		return openai.ChatCompletionMessage{}, fault.New(fault.KindInvalidArgument, "unsupported message role %q", m.Role)
	}
	if len(m.Files) > 0 {
		parts, err := encodeFiles(m.Files)
		if err != nil {
			return openai.ChatCompletionMessage{}, err
		}
		encoded.MultiContent = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}, parts...)
		encoded.Content = ""
	}
	return encoded, nil
}

// encodeFiles maps binary attachments to data-URL image parts. Only image
// inputs are representable on the Chat Completions API.
func encodeFiles(files []llm.File) ([]openai.ChatMessagePart, error) {
	parts := make([]openai.ChatMessagePart, 0, len(files))
	for _, f := range files {
		if len(f.MimeType) < 6 || f.MimeType[:6] != "image/" {
			return nil, fault.New(fault.KindUnsupported, "file %s: mime type %q is not supported", f.Name, f.MimeType)
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: "data:" + f.MimeType + ";base64," + base64.StdEncoding.EncodeToString(f.Data),
			},
		})
	}
	return parts, nil
}

func decodeChoice(choice openai.ChatCompletionChoice) llm.Response {
	result := llm.Response{
		Content:      choice.Message.Content,
		FinishReason: decodeFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolsData = append(result.ToolsData, decodeToolCall(tc))
	}
	result.UseTool = len(result.ToolsData) > 0
	if result.UseTool {
		result.FinishReason = llm.FinishToolCalls
	}
	result.Message = llm.Message{
		Role:      llm.RoleAssistant,
		Content:   result.Content,
		ToolCalls: result.ToolsData,
	}
	return result
}

func decodeToolCall(tc openai.ToolCall) llm.ToolCall {
	call := llm.ToolCall{
		ID:            tc.ID,
		Name:          tc.Function.Name,
		ArgumentsJSON: tc.Function.Arguments,
	}
	if tc.Function.Arguments != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
			call.Arguments = args
		}
	}
	return call
}

func decodeFinishReason(reason openai.FinishReason) llm.FinishReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return llm.FinishToolCalls
	case openai.FinishReasonLength:
		return llm.FinishMaxTokens
	default:
		return llm.FinishStop
	}
}

func decodeUsage(u *openai.Usage) llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	used := llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		used.InputTokensCacheRead = u.PromptTokensDetails.CachedTokens
	}
	return used
}

// accumulateToolCalls folds streaming tool-call deltas into complete calls.
// Deltas address calls by index; arguments arrive as string fragments.
func accumulateToolCalls(calls []llm.ToolCall, deltas []openai.ToolCall) []llm.ToolCall {
	for _, delta := range deltas {
		idx := len(calls) - 1
		if delta.Index != nil {
			idx = *delta.Index
		}
		for len(calls) <= idx {
			calls = append(calls, llm.ToolCall{})
		}
		if idx < 0 {
			continue
		}
		if delta.ID != "" {
			calls[idx].ID = delta.ID
		}
		if delta.Function.Name != "" {
			calls[idx].Name = delta.Function.Name
		}
		calls[idx].ArgumentsJSON += delta.Function.Arguments
	}
	return calls
}

// finalizeToolCalls parses the accumulated argument fragments.
func finalizeToolCalls(calls []llm.ToolCall) {
	for i := range calls {
		if calls[i].ArgumentsJSON == "" {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(calls[i].ArgumentsJSON), &args); err == nil {
			calls[i].Arguments = args
		}
	}
}

func (c *Client) publishUsage(ctx context.Context, model string, req llm.Request, used llm.Usage) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, usage.ChannelLLM, c.usageEvent(model, req, used))
}

func (c *Client) usageEvent(model string, req llm.Request, used llm.Usage) usage.Event {
	return usage.Event{
		SourceID:              "llm:" + model,
		InputTokens:           used.InputTokens,
		OutputTokens:          used.OutputTokens,
		InputTokensCacheRead:  used.InputTokensCacheRead,
		InputTokensCacheWrite: used.InputTokensCacheWrite,
		KeySource:             c.keySource,
		AgentID:               req.AgentID,
		TeamID:                req.TeamID,
	}
}

// sdkClient adapts *openai.Client to the ChatClient interface.
type sdkClient struct {
	client *openai.Client
}

func (c sdkClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return c.client.CreateChatCompletion(ctx, request)
}

func (c sdkClient) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error) {
	return c.client.CreateChatCompletionStream(ctx, request)
}
