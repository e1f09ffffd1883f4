// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every governance event is recorded as an Entry whose hash covers the
// durable fields of the row plus the previous entry's hash, forming a chain
// where tampering with any entry breaks verification from that point
// forward. Chains are tenant-partitioned: appends to different chains are
// fully parallel, appends to the same chain are serialized.
package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// GenesisHash is the fixed previous_hash of a chain's first entry.
const GenesisHash = "genesis"

var (
	// ErrNotFound is returned when a chain or entry does not exist.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrConflict is returned when an append lost the race on
	// (chain_id, sequence) or on hash uniqueness.
	ErrConflict = errors.New("ledger: sequence conflict")
	// ErrEmptyChain is returned by operations requiring at least one entry.
	ErrEmptyChain = errors.New("ledger: chain is empty")
)

// Entry is a single immutable row of a chain. Once sealed, only Tampered
// may change, and only through VerifyChain.
type Entry struct {
	ChainID   string          `json:"chain_id"`
	Sequence  uint64          `json:"sequence"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Tampered  bool            `json:"tampered"`
	CreatedAt time.Time       `json:"created_at"`
}

// IssueKind classifies a verification finding.
type IssueKind string

const (
	IssueSequenceGap IssueKind = "sequence_gap"
	IssueChainBroken IssueKind = "hash_chain_broken"
	IssueTampered    IssueKind = "entry_tampered"
)

// Issue is a single verification finding. Findings are reported, never
// thrown: a broken chain must not halt present operations.
type Issue struct {
	ChainID  string    `json:"chain_id"`
	Sequence uint64    `json:"sequence"`
	Kind     IssueKind `json:"kind"`
	Detail   string    `json:"detail"`
}

// ChainStats summarizes a chain's state and integrity.
type ChainStats struct {
	ChainID      string  `json:"chain_id"`
	Entries      int     `json:"entries"`
	Tampered     int     `json:"tampered"`
	IntegrityPct float64 `json:"integrity_pct"`
	HeadSequence uint64  `json:"head_sequence"`
	HeadHash     string  `json:"head_hash"`
}
