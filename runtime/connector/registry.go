package connector

import (
	"context"
	"reflect"
	"sync"

	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/fault"
)

type (
	// Status tracks the registry lifecycle. Mutations (Register, Init) are
	// only legal while the registry is initializing; Ready freezes the wiring
	// and Stop tears instances down in reverse init order.
	Status int

	instanceKey struct {
		subsystem Subsystem
		name      string
	}

	instanceEntry struct {
		conn     Connector
		settings map[string]any
	}

	// Registry is the process-wide connector service bus. All methods are safe
	// for concurrent use; Register/Init/Stop serialize internally.
	Registry struct {
		mu        sync.RWMutex
		status    Status
		factories map[Subsystem]map[string]Factory
		instances map[instanceKey]*instanceEntry
		defaults  map[Subsystem]string
		order     []instanceKey
	}
)

const (
	// StatusInitializing allows Register and Init calls.
	StatusInitializing Status = iota
	// StatusReady freezes the wiring; connectors serve traffic.
	StatusReady
	// StatusStopping is entered by Stop and is terminal.
	StatusStopping
)

// NewRegistry returns an empty registry in the initializing state.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Subsystem]map[string]Factory),
		instances: make(map[instanceKey]*instanceEntry),
		defaults:  make(map[Subsystem]string),
	}
}

// Register binds a factory to (subsystem, name). Registration is idempotent
// for the identical factory; re-registering a different factory for the same
// name replaces it as long as no instance was initialized from it.
func (r *Registry) Register(subsystem Subsystem, name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusInitializing {
		return fault.New(fault.KindConfiguration, "registry is %s: connectors must be registered before ready", r.statusString())
	}
	byName, ok := r.factories[subsystem]
	if !ok {
		byName = make(map[string]Factory)
		r.factories[subsystem] = byName
	}
	if _, initialized := r.instances[instanceKey{subsystem, name}]; initialized {
		return fault.New(fault.KindConfiguration, "connector %s/%s already initialized", subsystem, name)
	}
	byName[name] = factory
	return nil
}

// Init builds the singleton instance for (subsystem, name), calls its Start
// hook, and records it as the subsystem default if it is the first instance
// for that subsystem. Calling Init again with equal settings returns the
// existing instance; conflicting settings are an error.
func (r *Registry) Init(ctx context.Context, subsystem Subsystem, name string, settings map[string]any) (Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusInitializing {
		return nil, fault.New(fault.KindConfiguration, "registry is %s: connectors must be initialized before ready", r.statusString())
	}
	key := instanceKey{subsystem, name}
	if entry, ok := r.instances[key]; ok {
		if !reflect.DeepEqual(entry.settings, settings) {
			return nil, fault.New(fault.KindConfiguration, "connector %s/%s already initialized with different settings", subsystem, name)
		}
		return entry.conn, nil
	}
	factory, ok := r.factories[subsystem][name]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "unknown connector %s/%s", subsystem, name)
	}
	conn, err := factory(settings)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, name, err, "build connector %s/%s", subsystem, name)
	}
	if err := conn.Start(ctx); err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, name, err, "start connector %s/%s", subsystem, name)
	}
	r.instances[key] = &instanceEntry{conn: conn, settings: settings}
	r.order = append(r.order, key)
	if _, ok := r.defaults[subsystem]; !ok {
		r.defaults[subsystem] = name
	}
	log.Debug(ctx, log.KV{K: "msg", V: "connector initialized"}, log.KV{K: "subsystem", V: string(subsystem)}, log.KV{K: "connector", V: name})
	return conn, nil
}

// Get returns the instance for (subsystem, name); an empty name resolves the
// subsystem default. Get is legal in every lifecycle state so connectors can
// late-bind their dependencies through the registry.
func (r *Registry) Get(subsystem Subsystem, name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		def, ok := r.defaults[subsystem]
		if !ok {
			return nil, fault.New(fault.KindConfiguration, "no connector initialized for subsystem %s", subsystem)
		}
		name = def
	}
	entry, ok := r.instances[instanceKey{subsystem, name}]
	if !ok {
		return nil, fault.New(fault.KindConfiguration, "connector %s/%s not initialized", subsystem, name)
	}
	return entry.conn, nil
}

// Default returns the default connector name for a subsystem, if any.
func (r *Registry) Default(subsystem Subsystem) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.defaults[subsystem]
	return name, ok
}

// SetDefault overrides the default connector for a subsystem. The instance
// must already be initialized.
func (r *Registry) SetDefault(subsystem Subsystem, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusInitializing {
		return fault.New(fault.KindConfiguration, "registry is %s: defaults must be set before ready", r.statusString())
	}
	if _, ok := r.instances[instanceKey{subsystem, name}]; !ok {
		return fault.New(fault.KindConfiguration, "connector %s/%s not initialized", subsystem, name)
	}
	r.defaults[subsystem] = name
	return nil
}

// Ready freezes the registry wiring. After Ready, Register and Init fail.
func (r *Registry) Ready() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusInitializing {
		r.status = StatusReady
	}
}

// Status returns the current lifecycle state.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Stop tears down all instances in reverse init order. Stop is idempotent;
// individual connector stop failures are logged and do not abort the
// remaining teardown.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusStopping {
		r.mu.Unlock()
		return nil
	}
	r.status = StatusStopping
	order := make([]instanceKey, len(r.order))
	copy(order, r.order)
	instances := make(map[instanceKey]*instanceEntry, len(r.instances))
	for k, v := range r.instances {
		instances[k] = v
	}
	r.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		entry := instances[key]
		if entry == nil {
			continue
		}
		if err := entry.conn.Stop(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "connector stop failed"}, log.KV{K: "subsystem", V: string(key.subsystem)}, log.KV{K: "connector", V: key.name})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) statusString() string {
	switch r.status {
	case StatusReady:
		return "ready"
	case StatusStopping:
		return "stopping"
	default:
		return "initializing"
	}
}
