package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Entry
	hashes map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Entry),
		hashes: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Head(ctx context.Context, chainID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[chainID]
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	head := *chain[len(chain)-1]
	return &head, nil
}

func (s *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[e.ChainID]
	if len(chain) > 0 && chain[len(chain)-1].Sequence >= e.Sequence {
		return ErrConflict
	}
	if len(chain) == 0 && e.Sequence != 0 {
		return ErrConflict
	}
	if _, dup := s.hashes[e.Hash]; dup {
		return ErrConflict
	}

	cp := *e
	s.chains[e.ChainID] = append(chain, &cp)
	s.hashes[e.Hash] = struct{}{}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, chainID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[chainID]
	if limit > 0 && limit < len(chain) {
		chain = chain[:limit]
	}
	out := make([]*Entry, 0, len(chain))
	for _, e := range chain {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Range(ctx context.Context, chainID string, start, end uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.chains[chainID] {
		if e.Sequence < start {
			continue
		}
		if end > 0 && e.Sequence > end {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) MarkTampered(ctx context.Context, chainID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.chains[chainID] {
		if e.Sequence == sequence {
			e.Tampered = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, chain := range s.chains {
		for _, e := range chain {
			if matchesFilter(e, f) {
				count++
			}
		}
	}
	return count, nil
}

// Corrupt overwrites a stored field in place, bypassing immutability. Only
// for tamper-detection tests.
func (s *MemoryStore) Corrupt(chainID string, sequence uint64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.chains[chainID] {
		if e.Sequence == sequence {
			mutate(e)
			return true
		}
	}
	return false
}

func matchesFilter(e *Entry, f EventFilter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, et := range f.EventTypes {
			if e.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
