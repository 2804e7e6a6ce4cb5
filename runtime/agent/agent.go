// Package agent binds a declarative agent specification (skills, model,
// behavior) to live connectors resolved through the registry and drives chat
// sessions with streaming and tool dispatch.
//
// Data resources accessed through the agent default to agent scope; ScopeTeam
// switches the candidate to the agent's team so agents of one team share data.
package agent

import (
	"context"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/cache"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
	"github.com/smythos/sre/runtime/nkv"
	"github.com/smythos/sre/runtime/secure"
	"github.com/smythos/sre/runtime/storage"
	"github.com/smythos/sre/runtime/vault"
	"github.com/smythos/sre/runtime/vectordb"

	"github.com/smythos/sre/runtime/account"
)

type (
	// Scope selects the candidate used for the agent's data resources.
	Scope string

	// Skill is a named callable exposed to the model as a tool.
	Skill struct {
		// Name identifies the skill; it must be unique within the agent.
		Name string
		// Description documents the skill for the model.
		Description string
		// Properties is the JSON-schema property table of the input object.
		Properties map[string]any
		// RequiredFields lists mandatory input properties.
		RequiredFields []string
		// Process executes the skill. The returned value is JSON-serialized
		// and fed back to the model as the tool result.
		Process func(ctx context.Context, input map[string]any) (any, error)
	}

	// Spec is the declarative agent definition.
	Spec struct {
		ID       string
		TeamID   string
		Name     string
		Behavior string
		Model    string
		Skills   []Skill
	}

	// Agent is a spec bound to live connectors.
	Agent struct {
		spec     Spec
		registry *connector.Registry
		guard    secure.Guard
	}
)

const (
	// ScopeAgent isolates data per agent (the default).
	ScopeAgent Scope = "agent"
	// ScopeTeam shares data among agents of the same team.
	ScopeTeam Scope = "team"
)

// New binds the spec to the registry's connectors.
func New(registry *connector.Registry, guard secure.Guard, spec Spec) (*Agent, error) {
	if registry == nil {
		return nil, fault.New(fault.KindConfiguration, "agent requires a connector registry")
	}
	if spec.ID == "" {
		return nil, fault.New(fault.KindConfiguration, "agent spec requires an id")
	}
	seen := make(map[string]struct{}, len(spec.Skills))
	for _, skill := range spec.Skills {
		if skill.Name == "" || skill.Process == nil {
			return nil, fault.New(fault.KindConfiguration, "agent %s: every skill requires a name and a process function", spec.ID)
		}
		if _, dup := seen[skill.Name]; dup {
			return nil, fault.New(fault.KindConfiguration, "agent %s: duplicate skill %q", spec.ID, skill.Name)
		}
		seen[skill.Name] = struct{}{}
	}
	return &Agent{spec: spec, registry: registry, guard: guard}, nil
}

// Spec returns the agent's declarative definition.
func (a *Agent) Spec() Spec { return a.spec }

// Candidate returns the identity used for the given scope.
func (a *Agent) Candidate(scope Scope) acl.Candidate {
	if scope == ScopeTeam {
		return acl.Team(a.teamID())
	}
	return acl.Agent(a.spec.ID)
}

// Storage returns a storage client scoped to the agent (or its team).
func (a *Agent) Storage(scope Scope) (*storage.Client, error) {
	conn, err := connector.Resolve[storage.Connector](a.registry, connector.SubsystemStorage, "")
	if err != nil {
		return nil, err
	}
	return storage.For(conn, a.guard, a.Candidate(scope)), nil
}

// VectorDB returns a vector database client scoped to the agent (or its team).
func (a *Agent) VectorDB(scope Scope) (*vectordb.Client, error) {
	conn, err := connector.Resolve[vectordb.Connector](a.registry, connector.SubsystemVectorDB, "")
	if err != nil {
		return nil, err
	}
	return vectordb.For(conn, a.guard, a.Candidate(scope)), nil
}

// NKV returns a namespaced KV client scoped to the agent (or its team).
func (a *Agent) NKV(scope Scope) (*nkv.Client, error) {
	conn, err := connector.Resolve[nkv.Connector](a.registry, connector.SubsystemNKV, "")
	if err != nil {
		return nil, err
	}
	return nkv.For(conn, a.guard, a.Candidate(scope)), nil
}

// Cache returns a cache client scoped to the agent (or its team).
func (a *Agent) Cache(scope Scope) (*cache.Client, error) {
	conn, err := connector.Resolve[cache.Connector](a.registry, connector.SubsystemCache, "")
	if err != nil {
		return nil, err
	}
	return cache.For(conn, a.Candidate(scope)), nil
}

// Vault returns a vault client for the agent's team secrets.
func (a *Agent) Vault() (*vault.Client, error) {
	conn, err := connector.Resolve[vault.Connector](a.registry, connector.SubsystemVault, "")
	if err != nil {
		return nil, err
	}
	acct, err := connector.Resolve[account.Connector](a.registry, connector.SubsystemAccount, "")
	if err != nil {
		return nil, err
	}
	return vault.For(conn, acct, a.guard, a.Candidate(ScopeAgent)), nil
}

// resolveModel maps the spec model through team-level custom model
// definitions when the account connector defines one.
func (a *Agent) resolveModel(ctx context.Context) string {
	acct, err := connector.Resolve[account.Connector](a.registry, connector.SubsystemAccount, "")
	if err != nil {
		return a.spec.Model
	}
	if custom, ok, err := acct.TeamSetting(ctx, a.teamID(), "model:"+a.spec.Model); err == nil && ok {
		return custom
	}
	return a.spec.Model
}

func (a *Agent) teamID() string {
	if a.spec.TeamID != "" {
		return a.spec.TeamID
	}
	return account.DefaultTeam
}

func (a *Agent) llmConnector() (llm.Connector, error) {
	return connector.Resolve[llm.Connector](a.registry, connector.SubsystemLLM, "")
}
