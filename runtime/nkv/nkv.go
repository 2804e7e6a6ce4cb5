// Package nkv defines the namespaced key-value store contract. Stores hold
// opaque string values and are ACL'd per (store, candidate); the VectorDB
// connectors use NKV stores to persist datasource descriptors.
package nkv

import (
	"context"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/secure"
)

type (
	// Connector is the namespaced KV backend contract. Protected methods
	// assume the ACL check already passed; the resource id of an entry is its
	// store name.
	Connector interface {
		connector.Connector
		secure.ACLSource

		// Set stores value under (store, key), creating the store on first
		// write.
		Set(ctx context.Context, req acl.Request, store, key, value string) error
		// Get returns the value for (store, key) and whether it was present.
		Get(ctx context.Context, req acl.Request, store, key string) (string, bool, error)
		// Delete removes (store, key). Deleting an absent key is not an error.
		Delete(ctx context.Context, req acl.Request, store, key string) error
		// List returns all entries of the store. Missing stores yield an empty
		// map, not an error.
		List(ctx context.Context, req acl.Request, store string) (map[string]string, error)
	}

	// Client is the candidate-bound NKV view.
	Client struct {
		conn      Connector
		guard     secure.Guard
		candidate acl.Candidate
	}
)

// For returns an NKV client bound to the candidate.
func For(conn Connector, guard secure.Guard, candidate acl.Candidate) *Client {
	return &Client{conn: conn, guard: guard, candidate: candidate}
}

// Set stores value under (store, key).
func (c *Client) Set(ctx context.Context, store, key, value string) error {
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, store, req); err != nil {
		return err
	}
	return c.conn.Set(ctx, req, store, key, value)
}

// Get returns the value for (store, key) and whether it was present.
func (c *Client) Get(ctx context.Context, store, key string) (string, bool, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, store, req); err != nil {
		return "", false, err
	}
	var (
		value string
		ok    bool
	)
	err := fault.Retry(ctx, fault.DefaultRetry(), func(ctx context.Context) error {
		var err error
		value, ok, err = c.conn.Get(ctx, req, store, key)
		return err
	})
	return value, ok, err
}

// Delete removes (store, key).
func (c *Client) Delete(ctx context.Context, store, key string) error {
	req := c.candidate.WriteRequest()
	if err := c.guard.Authorize(ctx, c.conn, store, req); err != nil {
		return err
	}
	return c.conn.Delete(ctx, req, store, key)
}

// List returns all entries of the store.
func (c *Client) List(ctx context.Context, store string) (map[string]string, error) {
	req := c.candidate.ReadRequest()
	if err := c.guard.Authorize(ctx, c.conn, store, req); err != nil {
		return nil, err
	}
	return c.conn.List(ctx, req, store)
}
