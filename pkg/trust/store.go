package trust

import (
	"context"
	"errors"
	"sync"
)

// ErrNoRecord reports that an actor has no persisted trust record.
var ErrNoRecord = errors.New("trust: no record")

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]Score
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]Score)}
}

// Get returns a copy of the stored record or ErrNoRecord.
func (m *MemoryStore) Get(_ context.Context, actorID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[actorID]
	if !ok {
		return nil, ErrNoRecord
	}
	out := s
	return &out, nil
}

// Put upserts the record.
func (m *MemoryStore) Put(_ context.Context, s *Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.ActorID] = *s
	return nil
}

// All returns every stored actor ID, for sweeper iteration.
func (m *MemoryStore) All(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.scores))
	for id := range m.scores {
		ids = append(ids, id)
	}
	return ids, nil
}
