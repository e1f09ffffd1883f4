package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/aegis/core/pkg/canonicalize"
)

// Bundle is an exportable, self-verifying slice of a chain suitable for
// handing to auditors.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	ChainID    string    `json:"chain_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle exports a chain segment as a Bundle. end == 0 means the head.
func (l *Ledger) ExportBundle(ctx context.Context, chainID string, start, end uint64) (*Bundle, error) {
	entries, err := l.store.Range(ctx, chainID, start, end)
	if err != nil {
		return nil, fmt.Errorf("ledger: range %s: %w", chainID, err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyChain
	}

	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		ChainID:    chainID,
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Hash,
	}

	raw, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal bundle entries: %w", err)
	}
	bundle.BundleHash = canonicalize.HashBytes(raw)
	return bundle, nil
}

// VerifyBundle verifies an exported bundle offline: bundle hash, internal
// linkage, and per-entry hash recomputation.
func VerifyBundle(b *Bundle) error {
	if len(b.Entries) == 0 {
		return ErrEmptyChain
	}

	raw, err := json.Marshal(b.Entries)
	if err != nil {
		return fmt.Errorf("ledger: marshal bundle entries: %w", err)
	}
	if canonicalize.HashBytes(raw) != b.BundleHash {
		return fmt.Errorf("ledger: bundle hash mismatch")
	}

	for i, e := range b.Entries {
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.Hash {
			return fmt.Errorf("ledger: bundle entry %d hash mismatch", e.Sequence)
		}
		if i > 0 && e.PrevHash != b.Entries[i-1].Hash {
			return fmt.Errorf("ledger: bundle chain broken at entry %d", e.Sequence)
		}
	}
	return nil
}
