package ledger

import (
	"context"
	"sync"
	"time"
)

type key struct {
	id string
	t  EntityType
}

// MemoryStore is an in-process ledger for tests and local runs.
type MemoryStore struct {
	mu         sync.Mutex
	byExternal map[key]*IdMapping
	now        func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byExternal: make(map[key]*IdMapping), now: time.Now}
}

// FindByExternalID implements Store.
func (s *MemoryStore) FindByExternalID(_ context.Context, externalID string, t EntityType) (*IdMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byExternal[key{externalID, t}]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

// FindByInternalID implements Store.
func (s *MemoryStore) FindByInternalID(_ context.Context, internalID string, t EntityType) (*IdMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, m := range s.byExternal {
		if k.t == t && m.InternalID == internalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

// SaveOrUpdate implements Store. CreatedAt of an existing mapping is kept.
func (s *MemoryStore) SaveOrUpdate(_ context.Context, m *IdMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{m.ExternalID, m.EntityType}
	now := s.now()
	cp := *m
	if existing, ok := s.byExternal[k]; ok {
		cp.CreatedAt = existing.CreatedAt
		if cp.HealthID == "" {
			cp.HealthID = existing.HealthID
		}
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.LastSyncedAt.IsZero() {
		cp.LastSyncedAt = now
	}
	s.byExternal[k] = &cp
	m.CreatedAt = cp.CreatedAt
	m.LastSyncedAt = cp.LastSyncedAt
	return nil
}

// All returns a copy of every mapping.
func (s *MemoryStore) All() []IdMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IdMapping, 0, len(s.byExternal))
	for _, m := range s.byExternal {
		out = append(out, *m)
	}
	return out
}

// Count returns the number of mappings of type t.
func (s *MemoryStore) Count(t EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.byExternal {
		if k.t == t {
			n++
		}
	}
	return n
}

// Delete removes a mapping. The pipeline never calls it; tests use it to
// emulate a rolled back write.
func (s *MemoryStore) Delete(externalID string, t EntityType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byExternal, key{externalID, t})
}

// GetStats counts mappings per type.
func (s *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &Stats{ByType: make(map[EntityType]int64)}
	for k := range s.byExternal {
		stats.Total++
		stats.ByType[k.t]++
	}
	return stats, nil
}
