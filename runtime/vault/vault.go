// Package vault defines the per-team secret store contract and the
// candidate-bound client that gates every lookup through the access-control
// pipeline. Vault resource ids are "<teamId>.<keyName>"; an optional shared
// team grants Read on its keys to everyone.
package vault

import (
	"context"

	"github.com/smythos/sre/runtime/account"
	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/secure"
)

// SharedTeam is the fallback team whose keys are readable by every candidate.
const SharedTeam = "shared"

type (
	// Connector is the secret store backend contract. Protected methods assume
	// the ACL check already passed; resource ids are "<teamId>.<keyName>".
	Connector interface {
		connector.Connector
		secure.ACLSource

		// Get returns the secret value, with $env(VAR) references resolved
		// once. Missing keys yield a KindNotFound error.
		Get(ctx context.Context, req acl.Request, teamID, keyName string) (string, error)
		// Exists reports whether the key is present for the team.
		Exists(ctx context.Context, req acl.Request, teamID, keyName string) (bool, error)
		// ListKeys returns the team's key names in stable order.
		ListKeys(ctx context.Context, req acl.Request, teamID string) ([]string, error)
	}

	// Client is the candidate-bound vault view. The candidate's team is
	// resolved through the account connector on every call so team membership
	// changes take effect without rebuilding clients.
	Client struct {
		vault     Connector
		account   account.Connector
		guard     secure.Guard
		candidate acl.Candidate
	}
)

// ResourceID derives the vault resource id for a team key.
func ResourceID(teamID, keyName string) string { return teamID + "." + keyName }

// For returns a vault client bound to the candidate.
func For(conn Connector, acct account.Connector, guard secure.Guard, candidate acl.Candidate) *Client {
	return &Client{vault: conn, account: acct, guard: guard, candidate: candidate}
}

// Get returns the candidate team's secret for keyName. Keys missing from the
// team are retried against the shared team, which grants Read to everyone.
//
// Authorization presents the team candidate resolved from the account
// connector: vault ACLs grant the owning team only, so a candidate can never
// reach another team's resource id directly.
func (c *Client) Get(ctx context.Context, keyName string) (string, error) {
	teamID, err := c.account.Team(ctx, c.candidate)
	if err != nil {
		return "", err
	}
	req := acl.Team(teamID).ReadRequest()
	if err := c.guard.Authorize(ctx, c.vault, ResourceID(teamID, keyName), req); err != nil {
		return "", err
	}
	if ok, err := c.vault.Exists(ctx, req, teamID, keyName); err == nil && !ok && teamID != SharedTeam {
		if shared, err := c.sharedGet(ctx, keyName); err == nil {
			return shared, nil
		}
	}
	return c.vault.Get(ctx, req, teamID, keyName)
}

// Exists reports whether the candidate team (or the shared team) holds keyName.
func (c *Client) Exists(ctx context.Context, keyName string) (bool, error) {
	teamID, err := c.account.Team(ctx, c.candidate)
	if err != nil {
		return false, err
	}
	req := acl.Team(teamID).ReadRequest()
	if err := c.guard.Authorize(ctx, c.vault, ResourceID(teamID, keyName), req); err != nil {
		return false, err
	}
	ok, err := c.vault.Exists(ctx, req, teamID, keyName)
	if err != nil || ok {
		return ok, err
	}
	if teamID == SharedTeam {
		return false, nil
	}
	return c.vault.Exists(ctx, req, SharedTeam, keyName)
}

// ListKeys returns the key names of the candidate's team.
func (c *Client) ListKeys(ctx context.Context) ([]string, error) {
	teamID, err := c.account.Team(ctx, c.candidate)
	if err != nil {
		return nil, err
	}
	req := acl.Team(teamID).ReadRequest()
	if err := c.guard.Authorize(ctx, c.vault, ResourceID(teamID, ""), req); err != nil {
		return nil, err
	}
	return c.vault.ListKeys(ctx, req, teamID)
}

func (c *Client) sharedGet(ctx context.Context, keyName string) (string, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.vault, ResourceID(SharedTeam, keyName), req); err != nil {
		return "", err
	}
	return c.vault.Get(ctx, req, SharedTeam, keyName)
}
