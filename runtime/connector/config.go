package connector

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/smythos/sre/runtime/fault"
)

type (
	// Config selects and configures one connector per subsystem. It is the
	// object handed to the registry at startup; every referenced connector
	// name must have been registered beforehand.
	Config map[Subsystem]Entry

	// Entry names the connector backing a subsystem and carries its opaque
	// settings.
	Entry struct {
		Connector string         `yaml:"connector" json:"connector"`
		Settings  map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	}
)

// ParseConfig decodes a YAML (or JSON, which YAML subsumes) configuration
// document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "", err, "parse connector config")
	}
	return cfg, nil
}

// LoadConfig reads and parses a configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "", err, "read connector config %s", path)
	}
	return ParseConfig(data)
}

// Apply initializes every subsystem named by the config against the registry.
// Subsystems are initialized in a fixed order so connectors with dependencies
// (e.g. VectorDB on Cache and NKV) can late-bind them through the registry.
func (c Config) Apply(ctx context.Context, r *Registry) error {
	for _, subsystem := range applyOrder {
		entry, ok := c[subsystem]
		if !ok {
			continue
		}
		if entry.Connector == "" {
			return fault.New(fault.KindConfiguration, "subsystem %s: connector name is required", subsystem)
		}
		if _, err := r.Init(ctx, subsystem, entry.Connector, entry.Settings); err != nil {
			return err
		}
	}
	for subsystem := range c {
		if !knownSubsystem(subsystem) {
			return fault.New(fault.KindConfiguration, "unknown subsystem %q", subsystem)
		}
	}
	return nil
}

// applyOrder initializes leaves before the subsystems that consume them.
var applyOrder = []Subsystem{
	SubsystemLog,
	SubsystemAccount,
	SubsystemCache,
	SubsystemVault,
	SubsystemStorage,
	SubsystemNKV,
	SubsystemVectorDB,
	SubsystemLLM,
	SubsystemCode,
	SubsystemRouter,
	SubsystemAgentData,
}

func knownSubsystem(s Subsystem) bool {
	for _, known := range applyOrder {
		if known == s {
			return true
		}
	}
	return false
}

// Resolve fetches a connector by subsystem and asserts its concrete contract.
// An empty name resolves the subsystem default.
func Resolve[T Connector](r *Registry, subsystem Subsystem, name string) (T, error) {
	var zero T
	conn, err := r.Get(subsystem, name)
	if err != nil {
		return zero, err
	}
	typed, ok := conn.(T)
	if !ok {
		return zero, fault.New(fault.KindConfiguration, "connector %s/%s does not implement %s", subsystem, conn.Name(), fmt.Sprintf("%T", zero))
	}
	return typed, nil
}
