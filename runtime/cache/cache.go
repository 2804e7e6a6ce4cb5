// Package cache defines the short-lived TTL cache contract used across the
// runtime: ACL decisions, resolved temp-URL tokens, and other best-effort
// state. Callers must tolerate cold misses; a cache connector is never the
// source of truth.
package cache

import (
	"context"
	"time"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
)

type (
	// Connector is the cache backend contract. Values are opaque strings.
	Connector interface {
		connector.Connector

		// Get returns the value for key and whether it was present. Expired
		// entries behave as absent.
		Get(ctx context.Context, key string) (string, bool, error)
		// Set stores value under key. A zero ttl means no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// Delete removes key. Deleting an absent key is not an error.
		Delete(ctx context.Context, key string) error
	}

	// Client is the candidate-bound cache view. Isolation is by key prefix:
	// two candidates using the same key operate on disjoint entries.
	Client struct {
		conn      Connector
		candidate acl.Candidate
	}
)

// For returns a cache client bound to the candidate.
func For(conn Connector, candidate acl.Candidate) *Client {
	return &Client{conn: conn, candidate: candidate}
}

// Get returns the candidate-scoped value for key.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	return c.conn.Get(ctx, c.scoped(key))
}

// Set stores the candidate-scoped value for key.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.conn.Set(ctx, c.scoped(key), value, ttl)
}

// Delete removes the candidate-scoped key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.conn.Delete(ctx, c.scoped(key))
}

func (c *Client) scoped(key string) string {
	return c.candidate.Role.Initial() + "_" + acl.HashID(c.candidate.ID) + ":" + key
}
