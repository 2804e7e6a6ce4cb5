// Package sre is the entry point of the Smyth Runtime Environment: a
// capability-oriented runtime that executes AI agents against pluggable
// backend connectors (storage, cache, key-value, vault, vector store, LLM)
// behind a uniform access-control pipeline.
//
// A Runtime wires the built-in connectors into a registry, applies the
// subsystem configuration, and hands out candidate-bound clients whose every
// protected operation passes the ACL check first.
package sre

import (
	"context"
	"net/http"
	"time"

	"github.com/smythos/sre/features/account/inmem"
	ramcache "github.com/smythos/sre/features/cache/ram"
	rediscache "github.com/smythos/sre/features/cache/redis"
	"github.com/smythos/sre/features/embedder/bow"
	anthropicllm "github.com/smythos/sre/features/llm/anthropic"
	openaillm "github.com/smythos/sre/features/llm/openai"
	ramnkv "github.com/smythos/sre/features/nkv/ram"
	redisnkv "github.com/smythos/sre/features/nkv/redis"
	localstorage "github.com/smythos/sre/features/storage/local"
	mongostorage "github.com/smythos/sre/features/storage/mongo"
	filevault "github.com/smythos/sre/features/vault/file"
	ramvec "github.com/smythos/sre/features/vectordb/ram"
	"github.com/smythos/sre/runtime/account"
	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/agent"
	"github.com/smythos/sre/runtime/cache"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/llm"
	"github.com/smythos/sre/runtime/nkv"
	"github.com/smythos/sre/runtime/secure"
	"github.com/smythos/sre/runtime/smythfs"
	"github.com/smythos/sre/runtime/storage"
	"github.com/smythos/sre/runtime/usage"
	"github.com/smythos/sre/runtime/vault"
	"github.com/smythos/sre/runtime/vectordb"
)

type (
	// Options configures a Runtime.
	Options struct {
		// Config selects and configures one connector per subsystem.
		Config connector.Config
		// ConfigPath loads the config from a YAML file instead. Ignored when
		// Config is set.
		ConfigPath string
		// CacheTTL bounds guard-side ACL caching. Zero disables the cache even
		// when a cache connector is configured.
		CacheTTL time.Duration
		// BaseURL prefixes temp and resource URLs issued by the filesystem.
		BaseURL string
		// AgentBaseURL derives an agent's public base URL for resource URLs.
		AgentBaseURL func(agentID string) string
		// Embedder backs the RAM vector store. Defaults to the bag-of-letters
		// embedder.
		Embedder vectordb.Embedder
		// Register adds caller-defined connector factories before the config
		// is applied.
		Register func(r *connector.Registry) error
	}

	// Runtime is a wired SRE instance.
	Runtime struct {
		registry *connector.Registry
		guard    secure.Guard
		bus      *usage.Bus
		fs       *smythfs.FS
	}
)

// New builds a runtime: registers the built-in connector factories, applies
// the configuration, arms the ACL guard (with caching when a cache subsystem
// is configured) and freezes the registry.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	registry := connector.NewRegistry()
	bus := usage.NewBus()

	embedder := opts.Embedder
	if embedder == nil {
		embedder = bow.New()
	}
	if err := registerBuiltins(registry, embedder, bus); err != nil {
		return nil, err
	}
	if opts.Register != nil {
		if err := opts.Register(registry); err != nil {
			return nil, err
		}
	}

	cfg := opts.Config
	if cfg == nil && opts.ConfigPath != "" {
		loaded, err := connector.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg != nil {
		if err := cfg.Apply(ctx, registry); err != nil {
			return nil, err
		}
	}

	guard := secure.NewGuard()
	if opts.CacheTTL > 0 {
		cacheConn, err := connector.Resolve[cache.Connector](registry, connector.SubsystemCache, "")
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "", err, "acl caching requires a cache subsystem")
		}
		guard = guard.WithCache(cacheConn, opts.CacheTTL)
	}

	fs, err := smythfs.New(smythfs.Options{
		Registry:     registry,
		Guard:        guard,
		BaseURL:      opts.BaseURL,
		AgentBaseURL: opts.AgentBaseURL,
	})
	if err != nil {
		return nil, err
	}

	registry.Ready()
	return &Runtime{registry: registry, guard: guard, bus: bus, fs: fs}, nil
}

func registerBuiltins(r *connector.Registry, embedder vectordb.Embedder, bus *usage.Bus) error {
	builtins := []struct {
		subsystem connector.Subsystem
		name      string
		factory   connector.Factory
	}{
		{connector.SubsystemStorage, localstorage.ConnectorName, localstorage.Factory},
		{connector.SubsystemStorage, mongostorage.ConnectorName, mongostorage.Factory},
		{connector.SubsystemCache, ramcache.ConnectorName, ramcache.Factory},
		{connector.SubsystemCache, rediscache.ConnectorName, rediscache.Factory},
		{connector.SubsystemNKV, ramnkv.ConnectorName, ramnkv.Factory},
		{connector.SubsystemNKV, redisnkv.ConnectorName, redisnkv.Factory},
		{connector.SubsystemVault, filevault.ConnectorName, filevault.Factory},
		{connector.SubsystemAccount, inmem.ConnectorName, inmem.Factory},
		{connector.SubsystemVectorDB, ramvec.ConnectorName, ramvec.FactoryWith(embedder)},
		{connector.SubsystemLLM, openaillm.ConnectorName, openaillm.FactoryWith(bus)},
		{connector.SubsystemLLM, anthropicllm.ConnectorName, anthropicllm.FactoryWith(bus)},
	}
	for _, b := range builtins {
		if err := r.Register(b.subsystem, b.name, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the connector service bus.
func (rt *Runtime) Registry() *connector.Registry { return rt.registry }

// Guard exposes the access-control pipeline.
func (rt *Runtime) Guard() secure.Guard { return rt.guard }

// Usage exposes the metering bus.
func (rt *Runtime) Usage() *usage.Bus { return rt.bus }

// FS exposes the virtual filesystem.
func (rt *Runtime) FS() *smythfs.FS { return rt.fs }

// Handler returns the HTTP surface serving temp and resource URLs.
func (rt *Runtime) Handler() http.Handler { return rt.fs.Handler() }

// Storage returns a storage client bound to the candidate. An empty name
// resolves the subsystem default.
func (rt *Runtime) Storage(candidate acl.Candidate, name string) (*storage.Client, error) {
	conn, err := connector.Resolve[storage.Connector](rt.registry, connector.SubsystemStorage, name)
	if err != nil {
		return nil, err
	}
	return storage.For(conn, rt.guard, candidate), nil
}

// Cache returns a cache client bound to the candidate.
func (rt *Runtime) Cache(candidate acl.Candidate, name string) (*cache.Client, error) {
	conn, err := connector.Resolve[cache.Connector](rt.registry, connector.SubsystemCache, name)
	if err != nil {
		return nil, err
	}
	return cache.For(conn, candidate), nil
}

// NKV returns a namespaced key-value client bound to the candidate.
func (rt *Runtime) NKV(candidate acl.Candidate, name string) (*nkv.Client, error) {
	conn, err := connector.Resolve[nkv.Connector](rt.registry, connector.SubsystemNKV, name)
	if err != nil {
		return nil, err
	}
	return nkv.For(conn, rt.guard, candidate), nil
}

// VectorDB returns a vector database client bound to the candidate.
func (rt *Runtime) VectorDB(candidate acl.Candidate, name string) (*vectordb.Client, error) {
	conn, err := connector.Resolve[vectordb.Connector](rt.registry, connector.SubsystemVectorDB, name)
	if err != nil {
		return nil, err
	}
	return vectordb.For(conn, rt.guard, candidate), nil
}

// Vault returns a vault client resolving the candidate's team per call.
func (rt *Runtime) Vault(candidate acl.Candidate, name string) (*vault.Client, error) {
	conn, err := connector.Resolve[vault.Connector](rt.registry, connector.SubsystemVault, name)
	if err != nil {
		return nil, err
	}
	acct, err := connector.Resolve[account.Connector](rt.registry, connector.SubsystemAccount, "")
	if err != nil {
		return nil, err
	}
	return vault.For(conn, acct, rt.guard, candidate), nil
}

// LLM returns the inference connector. An empty name resolves the subsystem
// default.
func (rt *Runtime) LLM(name string) (llm.Connector, error) {
	return connector.Resolve[llm.Connector](rt.registry, connector.SubsystemLLM, name)
}

// Agent binds the spec to the runtime's connectors.
func (rt *Runtime) Agent(spec agent.Spec) (*agent.Agent, error) {
	return agent.New(rt.registry, rt.guard, spec)
}

// Shutdown stops every connector in reverse init order.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	return rt.registry.Stop(ctx)
}
