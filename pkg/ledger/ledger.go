package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-labs/aegis/core/pkg/canonicalize"
	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

// appendRetries bounds how many times a lost sequence race is retried
// against a freshly read head before surfacing ErrConflict.
const appendRetries = 3

// EntryHandler is invoked after an entry is durably appended. The anomaly
// detector observes ledger writes through this hook.
type EntryHandler func(ctx context.Context, e *Entry)

// Ledger coordinates appends, verification and replay over a Store.
type Ledger struct {
	store    Store
	clock    func() time.Time
	log      *slog.Logger
	locks    sync.Map // chainID -> *sync.Mutex
	mu       sync.RWMutex
	handlers []EntryHandler
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates a Ledger over the given store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		clock: time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddHandler registers a handler called after each successful append.
func (l *Ledger) AddHandler(h EntryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// EntryBuilder stages an entry before it is sealed into a chain. The
// two-step Open/Seal shape makes the server-assigned timestamp dependency
// of the hash an explicit contract.
type EntryBuilder struct {
	ledger    *Ledger
	chainID   string
	eventType string
	actorID   string
	tenantID  string
	payload   any
}

// Open starts a new entry for the given chain.
func (l *Ledger) Open(chainID string) *EntryBuilder {
	return &EntryBuilder{ledger: l, chainID: chainID}
}

// Event sets the event type.
func (b *EntryBuilder) Event(eventType string) *EntryBuilder {
	b.eventType = eventType
	return b
}

// Actor sets the acting identity.
func (b *EntryBuilder) Actor(a contracts.Actor) *EntryBuilder {
	b.actorID = a.ID
	b.tenantID = a.TenantID
	return b
}

// Payload sets the free-form payload recorded with the entry.
func (b *EntryBuilder) Payload(v any) *EntryBuilder {
	b.payload = v
	return b
}

// Seal assigns the timestamp, chains the entry to the current head and
// persists it. Concurrent seals on the same chain are serialized; a lost
// sequence race is retried against a fresh head.
func (b *EntryBuilder) Seal(ctx context.Context) (*Entry, error) {
	if b.eventType == "" {
		return nil, fmt.Errorf("ledger: event type is required")
	}
	if b.actorID == "" {
		return nil, fmt.Errorf("ledger: actor id is required")
	}

	var payload json.RawMessage
	if b.payload != nil {
		raw, err := json.Marshal(b.payload)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal payload: %w", err)
		}
		payload = raw
	}

	l := b.ledger
	lock := l.chainLock(b.chainID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		prevHash := GenesisHash
		var sequence uint64

		head, err := l.store.Head(ctx, b.chainID)
		switch {
		case err == nil:
			prevHash = head.Hash
			sequence = head.Sequence + 1
		case err == ErrEmptyChain:
			// first entry of the chain
		default:
			return nil, fmt.Errorf("ledger: read head of %s: %w", b.chainID, err)
		}

		entry := &Entry{
			ChainID:   b.chainID,
			Sequence:  sequence,
			PrevHash:  prevHash,
			EventType: b.eventType,
			ActorID:   b.actorID,
			TenantID:  b.tenantID,
			Payload:   payload,
			// Microsecond precision: the hash must survive a round trip
			// through a TIMESTAMPTZ column, which stores no finer.
			CreatedAt: l.clock().UTC().Truncate(time.Microsecond),
		}

		hash, err := entryHash(entry)
		if err != nil {
			return nil, err
		}
		entry.Hash = hash

		if err := l.store.Insert(ctx, entry); err != nil {
			if err == ErrConflict {
				lastErr = err
				l.log.Warn("ledger append lost sequence race, retrying",
					"chain_id", b.chainID, "sequence", sequence, "attempt", attempt+1)
				continue
			}
			return nil, fmt.Errorf("ledger: insert entry: %w", err)
		}

		l.notify(ctx, entry)
		return entry, nil
	}

	return nil, fmt.Errorf("ledger: append to %s exhausted retries: %w", b.chainID, lastErr)
}

// Append is the single-call convenience over Open/Seal.
func (l *Ledger) Append(ctx context.Context, chainID, eventType string, actor contracts.Actor, payload any) (*Entry, error) {
	return l.Open(chainID).Event(eventType).Actor(actor).Payload(payload).Seal(ctx)
}

// CountEvents exposes rolling-window counts over the underlying store.
func (l *Ledger) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	return l.store.CountEvents(ctx, f)
}

func (l *Ledger) chainLock(chainID string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(chainID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (l *Ledger) notify(ctx context.Context, e *Entry) {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, e)
	}
}

// entryHash computes the canonical hash over the durable fields of an
// entry. The tamper flag and the hash itself are excluded.
func entryHash(e *Entry) (string, error) {
	hashable := struct {
		ChainID   string          `json:"chain_id"`
		Sequence  uint64          `json:"sequence"`
		PrevHash  string          `json:"prev_hash"`
		EventType string          `json:"event_type"`
		ActorID   string          `json:"actor_id"`
		TenantID  string          `json:"tenant_id"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt string          `json:"created_at"`
	}{
		ChainID:   e.ChainID,
		Sequence:  e.Sequence,
		PrevHash:  e.PrevHash,
		EventType: e.EventType,
		ActorID:   e.ActorID,
		TenantID:  e.TenantID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("ledger: hash entry: %w", err)
	}
	return hash, nil
}
