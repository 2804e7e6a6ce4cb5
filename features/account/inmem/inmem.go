// Package inmem provides the in-memory account connector: a static mapping of
// candidates to teams plus per-team settings (e.g. custom model definitions).
package inmem

import (
	"context"
	"sync"

	"github.com/smythos/sre/runtime/account"
	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
)

// ConnectorName is the registry name of the in-memory account connector.
const ConnectorName = "InMemory"

type (
	// Options seeds the connector with candidate→team and team settings.
	Options struct {
		// Members maps "role:id" candidate keys to team ids.
		Members map[string]string
		// Settings maps team id to setting key/value pairs.
		Settings map[string]map[string]string
	}

	// Account is the in-memory account connector. Unmapped candidates resolve
	// to account.DefaultTeam.
	Account struct {
		mu       sync.RWMutex
		members  map[string]string
		settings map[string]map[string]string
	}
)

var _ account.Connector = (*Account)(nil)

// New builds the connector from the given options.
func New(opts Options) *Account {
	members := make(map[string]string, len(opts.Members))
	for k, v := range opts.Members {
		members[k] = v
	}
	settings := make(map[string]map[string]string, len(opts.Settings))
	for team, kv := range opts.Settings {
		copied := make(map[string]string, len(kv))
		for k, v := range kv {
			copied[k] = v
		}
		settings[team] = copied
	}
	return &Account{members: members, settings: settings}
}

// Factory builds the connector from registry settings. Recognized settings:
// "members" (map of "role:id" → team) and "settings" (map of team → map).
func Factory(settings map[string]any) (connector.Connector, error) {
	opts := Options{Members: map[string]string{}, Settings: map[string]map[string]string{}}
	if raw, ok := settings["members"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				opts.Members[k] = s
			}
		}
	}
	if raw, ok := settings["settings"].(map[string]any); ok {
		for team, kv := range raw {
			if m, ok := kv.(map[string]any); ok {
				teamSettings := make(map[string]string, len(m))
				for k, v := range m {
					if s, ok := v.(string); ok {
						teamSettings[k] = s
					}
				}
				opts.Settings[team] = teamSettings
			}
		}
	}
	return New(opts), nil
}

// Name implements connector.Connector.
func (a *Account) Name() string { return ConnectorName }

// Start implements connector.Connector.
func (a *Account) Start(context.Context) error { return nil }

// Stop implements connector.Connector.
func (a *Account) Stop(context.Context) error { return nil }

// Team resolves the candidate's owning team. Team candidates are their own
// team; unmapped candidates resolve to the default team.
func (a *Account) Team(_ context.Context, candidate acl.Candidate) (string, error) {
	if candidate.Role == acl.RoleTeam {
		return candidate.ID, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if team, ok := a.members[candidate.String()]; ok {
		return team, nil
	}
	return account.DefaultTeam, nil
}

// TeamSetting returns the named setting for a team.
func (a *Account) TeamSetting(_ context.Context, teamID, key string) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	kv, ok := a.settings[teamID]
	if !ok {
		return "", false, nil
	}
	value, ok := kv[key]
	return value, ok, nil
}

// AddMember maps a candidate to a team at runtime.
func (a *Account) AddMember(candidate acl.Candidate, teamID string) {
	a.mu.Lock()
	a.members[candidate.String()] = teamID
	a.mu.Unlock()
}

// SetTeamSetting stores a team setting at runtime.
func (a *Account) SetTeamSetting(teamID, key, value string) {
	a.mu.Lock()
	if a.settings[teamID] == nil {
		a.settings[teamID] = make(map[string]string)
	}
	a.settings[teamID][key] = value
	a.mu.Unlock()
}
