package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
)

type (
	// ChatOptions configures a chat session.
	ChatOptions struct {
		// ID keys the persisted window; empty ids keep the window in memory.
		ID string
		// Store persists the conversation window across sessions.
		Store llm.ContextStore
		// Behavior overrides the spec-level behavior for this session.
		Behavior string
		// SingleFlight deduplicates concurrent identical skill invocations
		// per (agent, skill, arguments).
		SingleFlight bool
	}

	// Chat is a skill-invoking conversation bound to an agent.
	Chat struct {
		agent        *Agent
		conversation *llm.Conversation
		schemas      map[string]*jsonschema.Schema
		skills       map[string]Skill
		flight       *singleflight.Group
	}
)

// Chat opens a conversation with the agent's skills registered as tools and
// the spec behavior injected as the system message.
func (a *Agent) Chat(ctx context.Context, opts ChatOptions) (*Chat, error) {
	conn, err := a.llmConnector()
	if err != nil {
		return nil, err
	}
	defs := make([]llm.ToolDefinition, 0, len(a.spec.Skills))
	skills := make(map[string]Skill, len(a.spec.Skills))
	for _, skill := range a.spec.Skills {
		defs = append(defs, llm.ToolDefinition{
			Name:           skill.Name,
			Description:    skill.Description,
			Properties:     skill.Properties,
			RequiredFields: skill.RequiredFields,
		})
		skills[skill.Name] = skill
	}
	tools, err := llm.FormatToolsConfig(llm.ToolsConfig{Type: "function", ToolDefinitions: defs})
	if err != nil {
		return nil, err
	}
	schemas, err := compileSkillSchemas(tools)
	if err != nil {
		return nil, err
	}
	behavior := a.spec.Behavior
	if opts.Behavior != "" {
		behavior = opts.Behavior
	}
	chat := &Chat{agent: a, schemas: schemas, skills: skills}
	if opts.SingleFlight {
		chat.flight = &singleflight.Group{}
	}
	conversation, err := llm.NewConversation(ctx, conn, llm.ConversationOptions{
		ID:         opts.ID,
		Model:      a.resolveModel(ctx),
		Behavior:   behavior,
		Store:      opts.Store,
		Tools:      tools,
		OnToolCall: chat.dispatch,
		AgentID:    a.spec.ID,
		TeamID:     a.teamID(),
	})
	if err != nil {
		return nil, err
	}
	chat.conversation = conversation
	return chat, nil
}

// Prompt sends a user message and returns the final assistant content after
// any tool turns complete.
func (c *Chat) Prompt(ctx context.Context, text string, opts ...llm.PromptOption) (string, error) {
	return c.conversation.Prompt(ctx, text, opts...)
}

// PromptStream sends a user message and streams Content, ToolInfo, ToolResult
// and Usage events, terminating with End.
func (c *Chat) PromptStream(ctx context.Context, text string, opts ...llm.PromptOption) (*llm.Stream, error) {
	return c.conversation.StreamPrompt(ctx, text, opts...)
}

// Window returns a copy of the session's context window.
func (c *Chat) Window() []llm.Message { return c.conversation.Window() }

// dispatch routes a model tool call to the matching skill. Arguments are
// validated against the skill schema first; validation failures and skill
// errors are returned to the model as tool results.
func (c *Chat) dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	skill, ok := c.skills[call.Name]
	if !ok {
		return "", fault.New(fault.KindNotFound, "agent %s has no skill %q", c.agent.spec.ID, call.Name)
	}
	input := call.Arguments
	if input == nil {
		input = map[string]any{}
	}
	if schema := c.schemas[call.Name]; schema != nil {
		if err := schema.Validate(normalizeForSchema(input)); err != nil {
			return "", fault.Wrap(fault.KindInvalidArgument, "", err, "skill %s: invalid arguments", call.Name)
		}
	}
	run := func() (string, error) {
		result, err := skill.Process(ctx, input)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return "", fault.Wrap(fault.KindInvalidArgument, "", err, "skill %s: result is not serializable", call.Name)
		}
		return string(encoded), nil
	}
	if c.flight == nil {
		return run()
	}
	key := c.flightKey(call)
	result, err, _ := c.flight.Do(key, func() (any, error) { return run() })
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Chat) flightKey(call llm.ToolCall) string {
	args := call.ArgumentsJSON
	if args == "" {
		encoded, _ := json.Marshal(call.Arguments)
		args = string(encoded)
	}
	return c.agent.spec.ID + "|" + call.Name + "|" + acl.HashID(args)
}

func compileSkillSchemas(tools []llm.ToolSpec) (map[string]*jsonschema.Schema, error) {
	schemas := make(map[string]*jsonschema.Schema, len(tools))
	for _, tool := range tools {
		compiler := jsonschema.NewCompiler()
		url := "sre://skills/" + tool.Name + ".json"
		if err := compiler.AddResource(url, toJSONValue(tool.InputSchema)); err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "", err, "skill %s: invalid input schema", tool.Name)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "", err, "skill %s: invalid input schema", tool.Name)
		}
		schemas[tool.Name] = schema
	}
	return schemas, nil
}

// toJSONValue round-trips a schema document through encoding/json so the
// compiler sees canonical JSON value types.
func toJSONValue(doc map[string]any) any {
	raw, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return doc
	}
	return value
}

func normalizeForSchema(input map[string]any) any {
	return toJSONValue(input)
}
