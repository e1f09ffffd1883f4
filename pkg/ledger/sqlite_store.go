package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable single-node Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// timeLayout is fixed-width so TEXT range comparisons on created_at order
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	chain_id   TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	tenant_id  TEXT,
	payload    TEXT,
	tampered   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	PRIMARY KEY (chain_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_ledger_actor_event_time
	ON ledger_entries (actor_id, event_type, created_at);
`

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("ledger: migrate sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Head(ctx context.Context, chainID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at
		FROM ledger_entries
		WHERE chain_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, chainID)

	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmptyChain
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ChainID, e.Sequence, e.PrevHash, e.Hash, e.EventType, e.ActorID,
		nullable(e.TenantID), nullableRaw(e.Payload), boolToInt(e.Tampered),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return ErrConflict
		}
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, chainID string, limit int) ([]*Entry, error) {
	query := `
		SELECT chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at
		FROM ledger_entries
		WHERE chain_id = ?
		ORDER BY sequence ASC`
	args := []any{chainID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *SQLiteStore) Range(ctx context.Context, chainID string, start, end uint64) ([]*Entry, error) {
	query := `
		SELECT chain_id, sequence, prev_hash, hash, event_type, actor_id, tenant_id, payload, tampered, created_at
		FROM ledger_entries
		WHERE chain_id = ? AND sequence >= ?`
	args := []any{chainID, start}
	if end > 0 {
		query += ` AND sequence <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY sequence ASC`
	return s.queryEntries(ctx, query, args...)
}

func (s *SQLiteStore) MarkTampered(ctx context.Context, chainID string, sequence uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET tampered = 1 WHERE chain_id = ? AND sequence = ?`,
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

func (s *SQLiteStore) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	query := `SELECT COUNT(*) FROM ledger_entries WHERE 1=1`
	args := make([]any, 0, 4)
	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if len(f.EventTypes) > 0 {
		query += ` AND event_type IN (?` + strings.Repeat(",?", len(f.EventTypes)-1) + `)`
		for _, et := range f.EventTypes {
			args = append(args, et)
		}
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count events: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		tenantID  sql.NullString
		payload   sql.NullString
		tampered  int
		createdAt string
	)
	err := row.Scan(&e.ChainID, &e.Sequence, &e.PrevHash, &e.Hash, &e.EventType,
		&e.ActorID, &tenantID, &payload, &tampered, &createdAt)
	if err != nil {
		return nil, err
	}
	e.TenantID = tenantID.String
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	e.Tampered = tampered != 0
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
