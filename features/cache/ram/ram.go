// Package ram provides the in-process cache connector. Entries expire lazily
// on access and through a background janitor started by the connector.
package ram

import (
	"context"
	"sync"
	"time"

	"github.com/smythos/sre/runtime/cache"
	"github.com/smythos/sre/runtime/connector"
)

// ConnectorName is the registry name of the RAM cache connector.
const ConnectorName = "RAM"

const janitorInterval = 30 * time.Second

type (
	entry struct {
		value     string
		expiresAt time.Time
	}

	// Cache is the in-memory cache connector.
	Cache struct {
		mu      sync.RWMutex
		entries map[string]entry
		stop    chan struct{}
		stopped sync.Once
	}
)

var _ cache.Connector = (*Cache)(nil)

// New returns an empty RAM cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry), stop: make(chan struct{})}
}

// Factory builds the connector from registry settings (none recognized).
func Factory(map[string]any) (connector.Connector, error) { return New(), nil }

// Name implements connector.Connector.
func (c *Cache) Name() string { return ConnectorName }

// Start launches the expiry janitor.
func (c *Cache) Start(context.Context) error {
	go c.janitor()
	return nil
}

// Stop halts the janitor. Idempotent.
func (c *Cache) Stop(context.Context) error {
	c.stopped.Do(func() { close(c.stop) })
	return nil
}

// Get returns the value for key; expired entries behave as absent.
func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, e := range c.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
