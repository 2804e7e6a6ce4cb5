// Package connector implements the service bus at the heart of the runtime:
// a registry of named connector factories per subsystem, a singleton instance
// cache with explicit lifecycle (register → init → ready → stop), and the
// configuration object that selects which provider backs each subsystem.
//
// The registry is the only place where concrete backends are chosen; core code
// resolves connectors by subsystem (and optionally name) and never references
// a provider directly.
package connector

import "context"

type (
	// Subsystem names a pluggable capability of the runtime.
	Subsystem string

	// Connector is the lifecycle contract every concrete connector satisfies.
	// Subsystem contracts (storage.Connector, vectordb.Connector, ...) embed
	// this interface and add their protected operations.
	Connector interface {
		// Name returns the registered connector name (e.g. "RAM", "Redis").
		Name() string
		// Start prepares the connector for use. Called once by Registry.Init.
		Start(ctx context.Context) error
		// Stop releases connector resources. Called in reverse init order by
		// Registry.Stop; must be idempotent.
		Stop(ctx context.Context) error
	}

	// Factory builds a connector instance from opaque settings. Factories are
	// registered once per (subsystem, name) pair and invoked lazily by Init.
	Factory func(settings map[string]any) (Connector, error)
)

const (
	// SubsystemStorage is the byte-addressable object store.
	SubsystemStorage Subsystem = "Storage"
	// SubsystemVault is the per-team secret store.
	SubsystemVault Subsystem = "Vault"
	// SubsystemCache is the short-lived TTL cache.
	SubsystemCache Subsystem = "Cache"
	// SubsystemNKV is the namespaced key-value store.
	SubsystemNKV Subsystem = "NKV"
	// SubsystemVectorDB is the vector index with datasources.
	SubsystemVectorDB Subsystem = "VectorDB"
	// SubsystemLLM is the language model inference service.
	SubsystemLLM Subsystem = "LLM"
	// SubsystemAccount maps candidates to teams and team settings.
	SubsystemAccount Subsystem = "Account"
	// SubsystemCode executes sandboxed code components.
	SubsystemCode Subsystem = "Code"
	// SubsystemRouter exposes HTTP routing for temp/resource URLs.
	SubsystemRouter Subsystem = "Router"
	// SubsystemAgentData stores declarative agent specifications.
	SubsystemAgentData Subsystem = "AgentData"
	// SubsystemLog routes structured runtime logs.
	SubsystemLog Subsystem = "Log"
)
