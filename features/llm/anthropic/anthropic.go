// Package anthropic provides the inference connector backed by the Anthropic
// Claude Messages API. It translates normalized requests into Messages calls
// using github.com/anthropics/anthropic-sdk-go, maps content blocks and stream
// events back to the generic structures, and publishes one usage event per
// completion on the USAGE:LLM channel.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
	"github.com/smythos/sre/runtime/usage"
)

// ConnectorName is the registry name of the Anthropic connector.
const ConnectorName = "Anthropic"

// defaultMaxTokens caps completions when neither the request nor the options
// specify one; the Messages API requires an explicit value.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the connector. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the connector.
	Options struct {
		// Client is the Anthropic Messages client. Required.
		Client MessagesClient
		// DefaultModel serves requests that carry no model. Required.
		DefaultModel string
		// MaxTokens caps completions when a request does not set MaxTokens.
		MaxTokens int
		// Bus receives one usage event per completion. Optional.
		Bus *usage.Bus
		// KeySource attributes usage events: User when the API key came from
		// the caller's vault, Smyth otherwise.
		KeySource usage.KeySource
	}

	// Client is the Anthropic inference connector.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
		bus       *usage.Bus
		keySource usage.KeySource
	}
)

var _ llm.Connector = (*Client)(nil)

// New builds the connector from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, fault.New(fault.KindConfiguration, "default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	keySource := opts.KeySource
	if keySource == "" {
		keySource = usage.KeySourceSmyth
	}
	return &Client{
		msg:       opts.Client,
		model:     opts.DefaultModel,
		maxTokens: maxTokens,
		bus:       opts.Bus,
		keySource: keySource,
	}, nil
}

// NewFromAPIKey constructs a connector using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey, defaultModel string, bus *usage.Bus, keySource usage.KeySource) (*Client, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfiguration, "api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &ac.Messages, DefaultModel: defaultModel, Bus: bus, KeySource: keySource})
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
	params, err := c.encode(req)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, fault.Cancelled(ctx.Err())
		}
		return llm.Response{}, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "messages.new")
	}
	result := decodeMessage(msg)
	c.publishUsage(ctx, string(params.Model), req, result.Usage)
	return result, nil
}

// StreamRequest performs a streaming completion. Text deltas are forwarded as
// Content events; tool_use blocks accumulate across input JSON deltas and
// surface as one ToolInfo event before the terminal End.
func (c *Client) StreamRequest(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	req = req.Defaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	upstream := c.msg.NewStreaming(ctx, params)
	if err := upstream.Err(); err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "open messages stream")
	}
	out := llm.NewStream()
	go c.pump(ctx, upstream, out, string(params.Model), req)
	return out, nil
}

// pump forwards stream events until the upstream ends, the consumer closes
// the stream, or the context is cancelled. Cancellation ends the stream
// cleanly.
func (c *Client) pump(ctx context.Context, upstream *ssestream.Stream[sdk.MessageStreamEventUnion], out *llm.Stream, model string, req llm.Request) {
	defer func() { _ = upstream.Close() }()

	var (
		used    llm.Usage
		buffers = make(map[int]*toolBuffer)
		calls   []llm.ToolCall
	)
	for upstream.Next() {
		if ctx.Err() != nil {
			out.End()
			return
		}
		switch ev := upstream.Current().AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				buffers[int(ev.Index)] = &toolBuffer{id: block.ID, name: block.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !out.Emit(llm.Event{Type: llm.EventContent, Content: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := buffers[int(ev.Index)]; tb != nil {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := buffers[int(ev.Index)]; tb != nil {
				delete(buffers, int(ev.Index))
				calls = append(calls, tb.toolCall())
			}
		case sdk.MessageDeltaEvent:
			used.InputTokens = int(ev.Usage.InputTokens)
			used.OutputTokens = int(ev.Usage.OutputTokens)
			used.InputTokensCacheRead = int(ev.Usage.CacheReadInputTokens)
			used.InputTokensCacheWrite = int(ev.Usage.CacheCreationInputTokens)
		}
	}
	if err := upstream.Err(); err != nil {
		if ctx.Err() != nil {
			out.End()
			return
		}
		out.Fail(fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read messages stream"))
		return
	}

	if len(calls) > 0 {
		if !out.Emit(llm.Event{Type: llm.EventToolInfo, ToolCalls: calls}) {
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

// encode translates a normalized request into Messages API parameters. System
// messages map to the request-level system prompt; tool results become
// tool_result blocks on user messages.
func (c *Client) encode(req llm.Request) (sdk.MessageNewParams, error) {
	if req.ResponseFormat == llm.FormatJSON {
		return sdk.MessageNewParams{}, fault.New(fault.KindUnsupported, "anthropic does not support forced JSON output")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case llm.RoleUser:
			blocks, err := userBlocks(m)
			if err != nil {
				return sdk.MessageNewParams{}, err
			}
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input, err := toolInput(tc)
				if err != nil {
					return sdk.MessageNewParams{}, err
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return sdk.MessageNewParams{}, fault.New(fault.KindInvalidArgument, "unsupported message role %q", m.Role)
		}
	}
	if len(req.Files) > 0 {
		// Request-level files attach as an extra user message.
		blocks, err := fileBlocks(req.Files)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
	}

	for _, tool := range req.Tools {
		schema, err := inputSchema(tool.InputSchema)
		if err != nil {
			return sdk.MessageNewParams{}, fault.Wrap(fault.KindInvalidArgument, ConnectorName, err, "tool %q schema", tool.Name)
		}
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	switch req.ToolChoice {
	case "", "auto":
		// Provider default.
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfNone: &none}
	case "required":
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	default:
		params.ToolChoice = sdk.ToolChoiceParamOfTool(req.ToolChoice)
	}
	return params, nil
}

func userBlocks(m llm.Message) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.Files))
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	fileParts, err := fileBlocks(m.Files)
	if err != nil {
		return nil, err
	}
	blocks = append(blocks, fileParts...)
	if len(blocks) == 0 {
		blocks = append(blocks, sdk.NewTextBlock(""))
	}
	return blocks, nil
}

// fileBlocks maps binary attachments to base64 image blocks. Only image
// inputs are representable on the Messages API.
func fileBlocks(files []llm.File) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(files))
	for _, f := range files {
		if !strings.HasPrefix(f.MimeType, "image/") {
			return nil, fault.New(fault.KindUnsupported, "file %s: mime type %q is not supported", f.Name, f.MimeType)
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(f.MimeType, base64.StdEncoding.EncodeToString(f.Data)))
	}
	return blocks, nil
}

func toolInput(tc llm.ToolCall) (json.RawMessage, error) {
	if tc.ArgumentsJSON != "" {
		return json.RawMessage(tc.ArgumentsJSON), nil
	}
	if tc.Arguments == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(tc.Arguments)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidArgument, ConnectorName, err, "encode tool arguments")
	}
	return raw, nil
}

func inputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}, nil
}

func decodeMessage(msg *sdk.Message) llm.Response {
	result := llm.Response{FinishReason: decodeStopReason(msg.StopReason)}
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			call := llm.ToolCall{
				ID:            block.ID,
				Name:          block.Name,
				ArgumentsJSON: string(block.Input),
			}
			var args map[string]any
			if err := json.Unmarshal(block.Input, &args); err == nil {
				call.Arguments = args
			}
			result.ToolsData = append(result.ToolsData, call)
		}
	}
	result.Content = content.String()
	result.UseTool = len(result.ToolsData) > 0
	if result.UseTool {
		result.FinishReason = llm.FinishToolCalls
	}
	result.Usage = llm.Usage{
		InputTokens:           int(msg.Usage.InputTokens),
		OutputTokens:          int(msg.Usage.OutputTokens),
		InputTokensCacheRead:  int(msg.Usage.CacheReadInputTokens),
		InputTokensCacheWrite: int(msg.Usage.CacheCreationInputTokens),
	}
	result.Message = llm.Message{
		Role:      llm.RoleAssistant,
		Content:   result.Content,
		ToolCalls: result.ToolsData,
	}
	return result
}

func decodeStopReason(reason sdk.StopReason) llm.FinishReason {
	switch reason {
	case sdk.StopReasonToolUse:
		return llm.FinishToolCalls
	case sdk.StopReasonMaxTokens:
		return llm.FinishMaxTokens
	default:
		return llm.FinishEndTurn
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

// toolBuffer folds streaming input JSON deltas into a complete tool call.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) toolCall() llm.ToolCall {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		joined = "{}"
	}
	call := llm.ToolCall{ID: tb.id, Name: tb.name, ArgumentsJSON: joined}
	var args map[string]any
	if err := json.Unmarshal([]byte(joined), &args); err == nil {
		call.Arguments = args
	}
	return call
}
