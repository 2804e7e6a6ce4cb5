package llm

import (
	"context"
	"encoding/json"
	"sync"

	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/fault"
)

type (
	// ContextStore persists conversation windows across process restarts.
	// Implementations are connectors (RAM, Mongo); callers must tolerate a
	// store returning an empty window for unknown ids.
	ContextStore interface {
		Get(ctx context.Context, id string) ([]Message, error)
		Set(ctx context.Context, id string, window []Message) error
	}

	// ToolHandler executes a tool invocation requested by the model and
	// returns the serialized result fed back as a tool message.
	ToolHandler func(ctx context.Context, call ToolCall) (string, error)

	// ConversationOptions configures a conversation.
	ConversationOptions struct {
		// ID keys the persisted window in the context store.
		ID string
		// Model is the model identifier passed through to the connector.
		Model string
		// Behavior is the default system message. Per-prompt behavior
		// overrides it for that prompt only.
		Behavior string
		// Store persists the window; nil keeps the window in memory only.
		Store ContextStore
		// Tools exposes tool schemas to the model.
		Tools []ToolSpec
		// OnToolCall executes requested tools. Required when Tools is set.
		OnToolCall ToolHandler
		// MaxToolTurns caps request→tool→request cycles per prompt. Zero means
		// the default of 8.
		MaxToolTurns int
		// AgentID and TeamID attribute usage events.
		AgentID string
		TeamID  string
	}

	// Conversation wraps an LLM connector with an ordered context window.
	// Within one conversation, messages append in call order: prompts are
	// serialized and tool results from different requests never interleave.
	Conversation struct {
		conn Connector
		opts ConversationOptions

		mu     sync.Mutex
		window []Message
	}
)

const defaultMaxToolTurns = 8

// NewConversation builds a conversation, loading any persisted window for
// opts.ID from the store.
func NewConversation(ctx context.Context, conn Connector, opts ConversationOptions) (*Conversation, error) {
	if conn == nil {
		return nil, fault.New(fault.KindConfiguration, "llm connector is required")
	}
	if len(opts.Tools) > 0 && opts.OnToolCall == nil {
		return nil, fault.New(fault.KindConfiguration, "tool handler is required when tools are configured")
	}
	if opts.MaxToolTurns <= 0 {
		opts.MaxToolTurns = defaultMaxToolTurns
	}
	c := &Conversation{conn: conn, opts: opts}
	if opts.Store != nil && opts.ID != "" {
		window, err := opts.Store.Get(ctx, opts.ID)
		if err != nil {
			return nil, err
		}
		c.window = window
	}
	return c, nil
}

// Window returns a copy of the current context window.
func (c *Conversation) Window() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.window))
	copy(out, c.window)
	return out
}

type (
	promptOptions struct {
		behavior *string
		files    []File
	}

	// PromptOption customizes a single prompt.
	PromptOption func(*promptOptions)
)

// WithBehavior overrides the conversation's system behavior for this prompt.
func WithBehavior(behavior string) PromptOption {
	return func(o *promptOptions) { o.behavior = &behavior }
}

// WithFiles attaches binary inputs to this prompt.
func WithFiles(files ...File) PromptOption {
	return func(o *promptOptions) { o.files = files }
}

// Prompt appends a user message, drives the request/tool loop to completion,
// appends the assistant reply, and returns its content.
func (c *Conversation) Prompt(ctx context.Context, text string, opts ...PromptOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	po := applyPromptOptions(opts)
	c.window = append(c.window, Message{Role: RoleUser, Content: text, Files: po.files})

	var content string
	for turn := 0; turn < c.opts.MaxToolTurns; turn++ {
		resp, err := c.conn.Request(ctx, c.buildRequest(po))
		if err != nil {
			return "", err
		}
		c.window = append(c.window, resp.Message)
		if !resp.UseTool || c.opts.OnToolCall == nil {
			content = resp.Content
			break
		}
		if err := c.appendToolResults(ctx, resp.ToolsData, nil); err != nil {
			return "", err
		}
		if resp.FinishReason.Terminal() {
			content = resp.Content
			break
		}
	}
	c.persist(ctx)
	return content, nil
}

// StreamPrompt is Prompt over the event stream: Content deltas, ToolInfo and
// ToolResult events, Usage, then End. A cancelled context terminates the
// stream with End, not Error.
func (c *Conversation) StreamPrompt(ctx context.Context, text string, opts ...PromptOption) (*Stream, error) {
	po := applyPromptOptions(opts)
	out := NewStream()
	go c.streamLoop(ctx, out, text, po)
	return out, nil
}

func (c *Conversation) streamLoop(ctx context.Context, out *Stream, text string, po promptOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, Message{Role: RoleUser, Content: text, Files: po.files})
	defer c.persist(ctx)

	for turn := 0; turn < c.opts.MaxToolTurns; turn++ {
		upstream, err := c.conn.StreamRequest(ctx, c.buildRequest(po))
		if err != nil {
			out.Fail(err)
			return
		}
		assistant, toolCalls, failed := c.forward(ctx, upstream, out)
		if failed {
			return
		}
		c.window = append(c.window, assistant)
		if len(toolCalls) == 0 || c.opts.OnToolCall == nil {
			out.End()
			return
		}
		if err := c.appendToolResults(ctx, toolCalls, out); err != nil {
			out.Fail(err)
			return
		}
	}
	out.End()
}

// forward pumps one upstream completion into the caller stream. It returns
// the accumulated assistant message, any requested tool calls, and whether
// the caller stream was already terminated.
func (c *Conversation) forward(ctx context.Context, upstream *Stream, out *Stream) (Message, []ToolCall, bool) {
	defer upstream.Close()
	assistant := Message{Role: RoleAssistant}
	var toolCalls []ToolCall
	for {
		if ctx.Err() != nil {
			// Cancellation ends the stream cleanly.
			out.End()
			return assistant, nil, true
		}
		ev, ok := upstream.Recv()
		if !ok {
			return assistant, toolCalls, false
		}
		switch ev.Type {
		case EventContent:
			assistant.Content += ev.Content
			if !out.Emit(ev) {
				return assistant, nil, true
			}
		case EventToolInfo:
			toolCalls = append(toolCalls, ev.ToolCalls...)
			assistant.ToolCalls = append(assistant.ToolCalls, ev.ToolCalls...)
			if !out.Emit(ev) {
				return assistant, nil, true
			}
		case EventUsage:
			if !out.Emit(ev) {
				return assistant, nil, true
			}
		case EventError:
			out.Fail(ev.Err)
			return assistant, nil, true
		case EventEnd:
			return assistant, toolCalls, false
		}
	}
}

// appendToolResults executes each requested tool in order and appends the
// tool-role messages directly after the assistant message that requested
// them. When out is non-nil a ToolResult event is emitted per call. Tool
// execution failures become tool messages so the model can react; they do not
// abort the loop.
func (c *Conversation) appendToolResults(ctx context.Context, calls []ToolCall, out *Stream) error {
	for _, call := range calls {
		result, err := c.opts.OnToolCall(ctx, call)
		if err != nil {
			if fault.IsKind(err, fault.KindCancelled) {
				return err
			}
			log.Warn(ctx, log.KV{K: "msg", V: "tool call failed"}, log.KV{K: "tool", V: call.Name}, log.KV{K: "err", V: err.Error()})
			msg, _ := json.Marshal(map[string]string{"error": err.Error()})
			result = string(msg)
		}
		call.Result = result
		c.window = append(c.window, Message{Role: RoleTool, ToolCallID: call.ID, Content: result})
		if out != nil {
			call := call
			if !out.Emit(Event{Type: EventToolResult, ToolResult: &call}) {
				return fault.Cancelled(ctx.Err())
			}
		}
	}
	return nil
}

func (c *Conversation) buildRequest(po promptOptions) Request {
	behavior := c.opts.Behavior
	if po.behavior != nil {
		behavior = *po.behavior
	}
	messages := make([]Message, 0, len(c.window)+1)
	if behavior != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: behavior})
	}
	for _, m := range c.window {
		if m.Role == RoleSystem {
			continue
		}
		messages = append(messages, m)
	}
	return Request{
		Model:    c.opts.Model,
		Messages: messages,
		Tools:    c.opts.Tools,
		AgentID:  c.opts.AgentID,
		TeamID:   c.opts.TeamID,
	}
}

func (c *Conversation) persist(ctx context.Context) {
	if c.opts.Store == nil || c.opts.ID == "" {
		return
	}
	if err := c.opts.Store.Set(ctx, c.opts.ID, c.window); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "persist conversation window failed"}, log.KV{K: "conversation", V: c.opts.ID}, log.KV{K: "err", V: err.Error()})
	}
}

func applyPromptOptions(opts []PromptOption) promptOptions {
	var po promptOptions
	for _, opt := range opts {
		opt(&po)
	}
	return po
}
