// Package redis provides the Redis namespaced key-value connector. Each store
// maps to a Redis hash; the store's ACL lives in a companion key written once
// with SETNX so the first writer becomes the owner.
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
	"github.com/smythos/sre/runtime/nkv"
)

// ConnectorName is the registry name of the Redis NKV connector.
const ConnectorName = "Redis"

type (
	// Options configures the connector.
	Options struct {
		// Addr is the Redis host:port. Required unless Client is set.
		Addr string
		// Password authenticates the connection.
		Password string
		// DB selects the logical database.
		DB int
		// Prefix is prepended to every store key.
		Prefix string
		// Client overrides the connection built from the fields above.
		Client *redis.Client
	}

	// NKV is the Redis namespaced KV connector.
	NKV struct {
		rdb    *redis.Client
		prefix string
		owned  bool
	}
)

var _ nkv.Connector = (*NKV)(nil)

// New builds the connector. When opts.Client is nil a client is created from
// Addr/Password/DB and closed on Stop.
func New(opts Options) (*NKV, error) {
	rdb := opts.Client
	owned := false
	if rdb == nil {
		if opts.Addr == "" {
			return nil, fault.New(fault.KindConfiguration, "redis address is required")
		}
		rdb = redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
		owned = true
	}
	return &NKV{rdb: rdb, prefix: opts.Prefix, owned: owned}, nil
}

// Factory builds the connector from registry settings. Recognized settings:
// "addr" (string, required), "password" (string), "db" (int), "prefix"
// (string).
func Factory(settings map[string]any) (connector.Connector, error) {
	opts := Options{}
	opts.Addr, _ = settings["addr"].(string)
	opts.Password, _ = settings["password"].(string)
	opts.Prefix, _ = settings["prefix"].(string)
	if db, ok := settings["db"].(int); ok {
		opts.DB = db
	}
	return New(opts)
}

// Name implements connector.Connector.
func (n *NKV) Name() string { return ConnectorName }

// Start verifies connectivity.
func (n *NKV) Start(ctx context.Context) error {
	if err := n.rdb.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "ping redis")
	}
	return nil
}

// Stop closes the connection when the connector owns it.
func (n *NKV) Stop(context.Context) error {
	if !n.owned {
		return nil
	}
	return n.rdb.Close()
}

// GetResourceACL returns the store's ACL; a store without one grants Owner to
// the candidate so creation is permitted.
func (n *NKV) GetResourceACL(ctx context.Context, resourceID string, candidate acl.Candidate) (*acl.ACL, error) {
	raw, err := n.rdb.Get(ctx, n.aclKey(resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return acl.New().GrantCandidate(candidate, acl.LevelOwner), nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "read store acl")
	}
	a, err := acl.From([]byte(raw))
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "parse store acl")
	}
	return a, nil
}

// Set stores value under (store, key), claiming store ownership for the
// request's candidate on first write.
func (n *NKV) Set(ctx context.Context, req acl.Request, storeName, key, value string) error {
	owner, err := acl.New().GrantCandidate(req.Candidate, acl.LevelOwner).Serialize()
	if err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "encode store acl")
	}
	if err := n.rdb.SetNX(ctx, n.aclKey(storeName), owner, 0).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "claim store acl")
	}
	if err := n.rdb.HSet(ctx, n.storeKey(storeName), key, value).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "set %s/%s", storeName, key)
	}
	return nil
}

// Get returns the value for (store, key) and whether it was present.
func (n *NKV) Get(ctx context.Context, _ acl.Request, storeName, key string) (string, bool, error) {
	value, err := n.rdb.HGet(ctx, n.storeKey(storeName), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "get %s/%s", storeName, key)
	}
	return value, true, nil
}

// Delete removes (store, key). The ACL key survives so ownership persists.
func (n *NKV) Delete(ctx context.Context, _ acl.Request, storeName, key string) error {
	if err := n.rdb.HDel(ctx, n.storeKey(storeName), key).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "delete %s/%s", storeName, key)
	}
	return nil
}

// List returns all entries of the store; missing stores yield an empty map.
func (n *NKV) List(ctx context.Context, _ acl.Request, storeName string) (map[string]string, error) {
	entries, err := n.rdb.HGetAll(ctx, n.storeKey(storeName)).Result()
	if err != nil {
		return nil, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "list %s", storeName)
	}
	return entries, nil
}

func (n *NKV) storeKey(store string) string { return n.prefix + "nkv:" + store }
func (n *NKV) aclKey(store string) string   { return n.prefix + "nkv-acl:" + store }
