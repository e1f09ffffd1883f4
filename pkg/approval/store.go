package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists approval requests.
type Store interface {
	Get(ctx context.Context, id string) (*Request, error) // ErrNotFound if absent
	Put(ctx context.Context, r *Request) error
	// Open returns every non-terminal request, oldest first.
	Open(ctx context.Context) ([]*Request, error)
	// ExpiredBefore returns non-terminal requests whose expires_at is at
	// or before cutoff, oldest first.
	ExpiredBefore(ctx context.Context, cutoff time.Time) ([]*Request, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]Request
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]Request)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRequest(r)
	return &out, nil
}

func (m *MemoryStore) Put(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(*r)
	return nil
}

func (m *MemoryStore) Open(_ context.Context) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if !r.Status.Terminal() {
			c := cloneRequest(r)
			out = append(out, &c)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ExpiredBefore(_ context.Context, cutoff time.Time) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if !r.Status.Terminal() && !r.ExpiresAt.After(cutoff) {
			c := cloneRequest(r)
			out = append(out, &c)
		}
	}
	sortByCreated(out)
	return out, nil
}

func cloneRequest(r Request) Request {
	if r.Steps != nil {
		steps := make([]Step, len(r.Steps))
		copy(steps, r.Steps)
		r.Steps = steps
	}
	if r.RequestPayload != nil {
		payload := make([]byte, len(r.RequestPayload))
		copy(payload, r.RequestPayload)
		r.RequestPayload = payload
	}
	return r
}

func sortByCreated(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
