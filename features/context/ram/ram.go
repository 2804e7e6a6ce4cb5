// Package ram provides the in-process conversation context store.
package ram

import (
	"context"
	"sync"

	"github.com/smythos/sre/runtime/llm"
)

// Store holds conversation windows in memory. The zero value is not usable;
// call New.
type Store struct {
	mu      sync.RWMutex
	windows map[string][]llm.Message
}

var _ llm.ContextStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{windows: make(map[string][]llm.Message)}
}

// Get returns a copy of the stored window; unknown ids yield an empty window.
func (s *Store) Get(_ context.Context, id string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := s.windows[id]
	out := make([]llm.Message, len(window))
	copy(out, window)
	return out, nil
}

// Set replaces the stored window.
func (s *Store) Set(_ context.Context, id string, window []llm.Message) error {
	copied := make([]llm.Message, len(window))
	copy(copied, window)
	s.mu.Lock()
	s.windows[id] = copied
	s.mu.Unlock()
	return nil
}
