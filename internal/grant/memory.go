package grant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps grants for the lifetime of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant)}
}

// Record implements Store.
func (s *MemoryStore) Record(ctx context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.TreeURI] = g
	return nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(ctx context.Context, treeURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, treeURI)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, treeURI string) (Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[treeURI]
	return g, ok, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TreeURI < out[j].TreeURI })
	return out, nil
}

// Close implements Store. It is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ensure MemoryStore implements Store at compile time
var _ Store = (*MemoryStore)(nil)
