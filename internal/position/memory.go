package position

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	rows map[string]ManagedPosition
	mu   sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]ManagedPosition)}
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p ManagedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context) ([]ManagedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ManagedPosition, 0, len(s.rows))
	for _, p := range s.rows {
		if p.State != StateExited {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the stored row for id.
func (s *MemoryStore) Get(id string) (ManagedPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	return p, ok
}
