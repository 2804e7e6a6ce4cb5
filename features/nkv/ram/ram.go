// Package ram provides the in-process namespaced key-value connector. Each
// store carries an ACL owned by the candidate that first wrote to it.
package ram

import (
	"context"
	"sync"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/connector"
	"github.com/smythos/sre/runtime/nkv"
)

// ConnectorName is the registry name of the RAM NKV connector.
const ConnectorName = "RAM"

type (
	store struct {
		entries map[string]string
		acl     *acl.ACL
	}

	// NKV is the in-memory namespaced KV connector.
	NKV struct {
		mu     sync.RWMutex
		stores map[string]*store
	}
)

var _ nkv.Connector = (*NKV)(nil)

// New returns an empty RAM NKV connector.
func New() *NKV {
	return &NKV{stores: make(map[string]*store)}
}

// Factory builds the connector from registry settings (none recognized).
func Factory(map[string]any) (connector.Connector, error) { return New(), nil }

// Name implements connector.Connector.
func (n *NKV) Name() string { return ConnectorName }

// Start implements connector.Connector.
func (n *NKV) Start(context.Context) error { return nil }

// Stop implements connector.Connector.
func (n *NKV) Stop(context.Context) error { return nil }

// GetResourceACL returns the store's ACL; a store that does not exist yet
// grants Owner to the candidate so creation is permitted.
func (n *NKV) GetResourceACL(_ context.Context, resourceID string, candidate acl.Candidate) (*acl.ACL, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if s, ok := n.stores[resourceID]; ok && s.acl != nil {
		return s.acl, nil
	}
	return acl.New().GrantCandidate(candidate, acl.LevelOwner), nil
}

// Set stores value under (store, key), creating the store owned by the
// request's candidate on first write.
func (n *NKV) Set(_ context.Context, req acl.Request, storeName, key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.stores[storeName]
	if !ok {
		s = &store{
			entries: make(map[string]string),
			acl:     acl.New().GrantCandidate(req.Candidate, acl.LevelOwner),
		}
		n.stores[storeName] = s
	}
	s.entries[key] = value
	return nil
}

// Get returns the value for (store, key) and whether it was present.
func (n *NKV) Get(_ context.Context, _ acl.Request, storeName, key string) (string, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.stores[storeName]
	if !ok {
		return "", false, nil
	}
	value, ok := s.entries[key]
	return value, ok, nil
}

// Delete removes (store, key). The store record survives so its ACL persists.
func (n *NKV) Delete(_ context.Context, _ acl.Request, storeName, key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.stores[storeName]; ok {
		delete(s.entries, key)
	}
	return nil
}

// List returns a copy of the store's entries; missing stores yield an empty
// map.
func (n *NKV) List(_ context.Context, _ acl.Request, storeName string) (map[string]string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]string)
	if s, ok := n.stores[storeName]; ok {
		for k, v := range s.entries {
			out[k] = v
		}
	}
	return out, nil
}
