package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trust_scores (
	actor_id          TEXT PRIMARY KEY,
	score             REAL NOT NULL,
	last_violation_at TEXT,
	last_decay        TEXT,
	updated_at        TEXT NOT NULL
);
`

// SQLiteStore persists trust scores in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trust: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("trust: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Get loads the actor's record or returns ErrNoRecord.
func (s *SQLiteStore) Get(ctx context.Context, actorID string) (*Score, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT actor_id, score, last_violation_at, last_decay, updated_at
		 FROM trust_scores WHERE actor_id = ?`, actorID)

	var rec Score
	var lastViolation, lastDecay sql.NullString
	var updatedAt string
	err := row.Scan(&rec.ActorID, &rec.Score, &lastViolation, &lastDecay, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("trust: scan record: %w", err)
	}

	rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("trust: parse updated_at: %w", err)
	}
	if lastViolation.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastViolation.String)
		if err != nil {
			return nil, fmt.Errorf("trust: parse last_violation_at: %w", err)
		}
		rec.LastViolationAt = &t
	}
	if lastDecay.Valid {
		rec.LastDecay = lastDecay.String
	}
	return &rec, nil
}

// Put upserts the record.
func (s *SQLiteStore) Put(ctx context.Context, rec *Score) error {
	var lastViolation any
	if rec.LastViolationAt != nil {
		lastViolation = rec.LastViolationAt.UTC().Format(time.RFC3339Nano)
	}
	var lastDecay any
	if rec.LastDecay != "" {
		lastDecay = rec.LastDecay
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_scores (actor_id, score, last_violation_at, last_decay, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(actor_id) DO UPDATE SET
			score = excluded.score,
			last_violation_at = excluded.last_violation_at,
			last_decay = excluded.last_decay,
			updated_at = excluded.updated_at`,
		rec.ActorID, rec.Score, lastViolation, lastDecay,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("trust: upsert record: %w", err)
	}
	return nil
}

// All returns every stored actor ID.
func (s *SQLiteStore) All(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id FROM trust_scores`)
	if err != nil {
		return nil, fmt.Errorf("trust: list actors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("trust: scan actor id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
