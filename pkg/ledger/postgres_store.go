package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore is a durable multi-node Store backed by PostgreSQL. Chain
// uniqueness constraints turn lost sequence races into ErrConflict, which
// the ledger retries against a fresh head.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	chain_id   TEXT NOT NULL,
	sequence   BIGINT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	tenant_id  TEXT,
	payload    JSONB,
	tampered   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_ledger_actor_event_time
	ON ledger_entries (actor_id, event_type, created_at);
`

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Head(ctx context.Context, chainID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at
		FROM ledger_entries
		WHERE chain_id = $1
		ORDER BY sequence DESC
		LIMIT 1`, chainID)

	e, err := scanPGEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmptyChain
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ChainID, e.Sequence, e.PrevHash, e.Hash, e.EventType, e.ActorID,
		nullable(e.TenantID), nullableRaw(e.Payload), e.Tampered, e.CreatedAt.UTC(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, chainID string, limit int) ([]*Entry, error) {
	query := `
		SELECT chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at
		FROM ledger_entries
		WHERE chain_id = $1
		ORDER BY sequence ASC`
	args := []any{chainID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *PostgresStore) Range(ctx context.Context, chainID string, start, end uint64) ([]*Entry, error) {
	query := `
		SELECT chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at
		FROM ledger_entries
		WHERE chain_id = $1 AND sequence >= $2`
	args := []any{chainID, start}
	if end > 0 {
		query += ` AND sequence <= $3`
		args = append(args, end)
	}
	query += ` ORDER BY sequence ASC`
	return s.queryEntries(ctx, query, args...)
}

func (s *PostgresStore) MarkTampered(ctx context.Context, chainID string, sequence uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET tampered = TRUE WHERE chain_id = $1 AND sequence = $2`,
		chainID, sequence)
	if err != nil {
		return fmt.Errorf("ledger: mark tampered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	query := `SELECT COUNT(*) FROM ledger_entries WHERE 1=1`
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActorID != "" {
		query += ` AND actor_id = ` + arg(f.ActorID)
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ` + arg(f.TenantID)
	}
	if len(f.EventTypes) > 0 {
		query += ` AND event_type = ANY(` + arg(pq.Array(f.EventTypes)) + `)`
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ` + arg(f.Since.UTC())
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanPGEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanPGEntry(row rowScanner) (*Entry, error) {
	var (
		e        Entry
		tenantID sql.NullString
		payload  sql.NullString
	)
	err := row.Scan(&e.ChainID, &e.Sequence, &e.PrevHash, &e.Hash, &e.EventType,
		&e.ActorID, &tenantID, &payload, &e.Tampered, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.TenantID = tenantID.String
	if payload.Valid && strings.TrimSpace(payload.String) != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
