// Package account defines the connector contract that resolves a candidate to
// its owning team and exposes team-level settings (for example, custom model
// definitions consulted by the agent runtime).
package account

import (
	"context"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
)

// DefaultTeam is the team resolved for candidates with no explicit mapping.
const DefaultTeam = "default"

type Connector interface {
	connector.Connector

	// Team resolves the candidate's owning team id. Team candidates resolve to
	// their own id; unmapped candidates resolve to DefaultTeam.
	Team(ctx context.Context, candidate acl.Candidate) (string, error)
	// TeamSetting returns the named setting for a team and whether it is set.
	TeamSetting(ctx context.Context, teamID, key string) (string, bool, error)
}
