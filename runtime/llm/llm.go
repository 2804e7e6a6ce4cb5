// Package llm defines the provider-neutral inference contract: normalized
// request/response structures, the tagged stream event union, tool schema
// formatting, and the Conversation wrapper that maintains a context window
// with pluggable persistence.
//
// Connectors translate these structures into provider SDK calls (OpenAI,
// Anthropic, ...) and publish one usage event per completion on the
// USAGE:LLM bus channel.
package llm

import (
	"context"

	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
)

type (
	// Role is a chat message role.
	Role string

	// FinishReason explains why the model stopped generating.
	FinishReason string

	// ResponseFormat selects the completion output format.
	ResponseFormat string

	// File attaches binary input to a request. Connectors whose model cannot
	// accept binary input must surface an error rather than silently drop it.
	File struct {
		Name     string
		MimeType string
		Data     []byte
	}

	// ToolCall is a tool invocation requested by the model. Result is filled
	// by the caller after executing the tool and fed back as a tool message.
	ToolCall struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
		// ArgumentsJSON preserves the raw provider payload for providers that
		// round-trip arguments verbatim.
		ArgumentsJSON string `json:"argumentsJson,omitempty"`
		Result        string `json:"result,omitempty"`
	}

	// Message is one entry of the context window. A system message, when
	// present, is unique and leads the window; tool messages always follow the
	// tool call they respond to.
	Message struct {
		Role       Role       `json:"role"`
		Content    string     `json:"content"`
		ToolCallID string     `json:"toolCallId,omitempty"`
		ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
		Files      []File     `json:"-"`
	}

	// Request captures the normalized parameters of a model invocation.
	// Temperature and TopP default to 1 when zero-valued via Defaults.
	Request struct {
		Model            string
		Messages         []Message
		MaxTokens        int
		Temperature      *float64
		TopP             *float64
		StopSequences    []string
		PresencePenalty  *float64
		FrequencyPenalty *float64
		Tools            []ToolSpec
		ToolChoice       string
		ResponseFormat   ResponseFormat
		Files            []File

		// AgentID and TeamID attribute the usage event of this request.
		AgentID string
		TeamID  string
	}

	// Usage reports token consumption for one completion.
	Usage struct {
		InputTokens           int
		OutputTokens          int
		InputTokensCacheRead  int
		InputTokensCacheWrite int
	}

	// Response is the non-streaming completion result.
	Response struct {
		Content      string
		FinishReason FinishReason
		UseTool      bool
		ToolsData    []ToolCall
		Usage        Usage
		Message      Message
	}

	// Connector is the inference backend contract.
	Connector interface {
		connector.Connector

		// Request performs a non-streaming completion.
		Request(ctx context.Context, req Request) (Response, error)
		// StreamRequest performs a streaming completion. The returned stream
		// emits, in order: zero or more Content events, optional ToolInfo,
		// Usage, then exactly one terminal End (an Error event, when emitted,
		// is followed by End and nothing else).
		StreamRequest(ctx context.Context, req Request) (*Stream, error)
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// FinishStop is the natural completion end.
	FinishStop FinishReason = "stop"
	// FinishEndTurn is the Anthropic-style natural end.
	FinishEndTurn FinishReason = "end_turn"
	// FinishToolCalls indicates the model requested tool invocations.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishMaxTokens indicates the completion hit the token cap.
	FinishMaxTokens FinishReason = "max_tokens"
)

const (
	// FormatText requests plain text output (the default).
	FormatText ResponseFormat = "text"
	// FormatJSON requests a JSON object completion.
	FormatJSON ResponseFormat = "json"
)

// Terminal reports whether the finish reason ends the tool loop.
func (f FinishReason) Terminal() bool {
	return f == FinishStop || f == FinishEndTurn || f == FinishMaxTokens
}

// Defaults fills zero-valued sampling parameters with their documented
// defaults (temperature 1, topP 1).
func (r Request) Defaults() Request {
	one := 1.0
	if r.Temperature == nil {
		r.Temperature = &one
	}
	if r.TopP == nil {
		r.TopP = &one
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = FormatText
	}
	return r
}

// Validate rejects structurally invalid requests before they reach a backend.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fault.New(fault.KindInvalidArgument, "at least one message is required")
	}
	for i, m := range r.Messages {
		if m.Role == RoleSystem && i != 0 {
			return fault.New(fault.KindInvalidArgument, "system message must be unique and lead the window")
		}
	}
	return nil
}

type (
	// ToolDefinition is the common user-facing tool shape.
	ToolDefinition struct {
		Name           string
		Description    string
		Properties     map[string]any
		RequiredFields []string
	}

	// ToolsConfig is the input of FormatToolsConfig.
	ToolsConfig struct {
		Type            string
		ToolDefinitions []ToolDefinition
		ToolChoice      string
	}

	// ToolSpec is the provider-neutral tool form consumed by Request.
	ToolSpec struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema"`
	}
)

// FormatToolsConfig normalizes tool schemas from the common shape into the
// provider-neutral form. Only the "function" tool type is recognized.
func FormatToolsConfig(cfg ToolsConfig) ([]ToolSpec, error) {
	if cfg.Type != "" && cfg.Type != "function" {
		return nil, fault.New(fault.KindInvalidArgument, "unsupported tool type %q", cfg.Type)
	}
	specs := make([]ToolSpec, 0, len(cfg.ToolDefinitions))
	for _, def := range cfg.ToolDefinitions {
		if def.Name == "" {
			return nil, fault.New(fault.KindInvalidArgument, "tool definition requires a name")
		}
		props := def.Properties
		if props == nil {
			props = map[string]any{}
		}
		schema := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(def.RequiredFields) > 0 {
			schema["required"] = def.RequiredFields
		}
		specs = append(specs, ToolSpec{Name: def.Name, Description: def.Description, InputSchema: schema})
	}
	return specs, nil
}
