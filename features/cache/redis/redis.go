// Package redis provides the Redis cache connector.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smythos/sre/runtime/cache"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/fault"
)

// ConnectorName is the registry name of the Redis cache connector.
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
		// Prefix is prepended to every key, isolating the cache from other
		// users of the same database.
		Prefix string
		// Client overrides the connection built from the fields above.
		Client *redis.Client
	}

	// Cache is the Redis cache connector.
	Cache struct {
		rdb    *redis.Client
		prefix string
		owned  bool
	}
)

var _ cache.Connector = (*Cache)(nil)

// New builds the connector. When opts.Client is nil a client is created from
// Addr/Password/DB and closed on Stop.
func New(opts Options) (*Cache, error) {
	rdb := opts.Client
	owned := false
	if rdb == nil {
		if opts.Addr == "" {
			return nil, fault.New(fault.KindConfiguration, "redis address is required")
		}
		rdb = redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
		owned = true
	}
	return &Cache{rdb: rdb, prefix: opts.Prefix, owned: owned}, nil
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
func (c *Cache) Name() string { return ConnectorName }

// Start verifies connectivity.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "ping redis")
	}
	return nil
}

// Stop closes the connection when the connector owns it.
func (c *Cache) Stop(context.Context) error {
	if !c.owned {
		return nil
	}
	return c.rdb.Close()
}

// Get returns the value for key and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "get %s", key)
	}
	return value, true, nil
}

// Set stores value under key. A zero ttl stores without expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "set %s", key)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fault.Wrap(fault.KindBackendFailure, ConnectorName, err, "delete %s", key)
	}
	return nil
}
