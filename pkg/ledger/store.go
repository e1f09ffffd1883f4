package ledger

import (
	"context"
	"time"
)

// Store persists chain entries. Implementations must enforce uniqueness of
// (chain_id, sequence) and of hash, surfacing violations as ErrConflict so
// the ledger can retry against a fresh head.
type Store interface {
	// Head returns the highest-sequence entry of a chain, or ErrEmptyChain.
	Head(ctx context.Context, chainID string) (*Entry, error)

	// Insert persists a sealed entry. Returns ErrConflict if another writer
	// claimed the same sequence or hash first.
	Insert(ctx context.Context, e *Entry) error

	// List returns up to limit entries of a chain in ascending sequence
	// order. limit <= 0 means no limit.
	List(ctx context.Context, chainID string, limit int) ([]*Entry, error)

	// Range returns entries with start <= sequence <= end, ascending.
	// end == 0 means up to the head.
	Range(ctx context.Context, chainID string, start, end uint64) ([]*Entry, error)

	// MarkTampered sets the tamper flag on an entry. This is the only
	// permitted mutation of a persisted row.
	MarkTampered(ctx context.Context, chainID string, sequence uint64) error

	// CountEvents counts entries matching the filter since the given time.
	// Used by the anomaly detector's rolling windows; backed by the
	// (actor_id, event_type, created_at) index in SQL stores.
	CountEvents(ctx context.Context, f EventFilter) (int, error)
}

// EventFilter selects entries for window counting. Zero-valued fields are
// ignored; EventTypes empty means any type.
type EventFilter struct {
	ActorID    string
	TenantID   string
	EventTypes []string
	Since      time.Time
}
