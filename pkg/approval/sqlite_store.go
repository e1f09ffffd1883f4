package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT,
	request_type        TEXT NOT NULL,
	request_payload     TEXT,
	risk_score          REAL NOT NULL,
	status              TEXT NOT NULL,
	priority            TEXT NOT NULL,
	requestor_id        TEXT NOT NULL,
	current_approver_id TEXT,
	approved_by_id      TEXT,
	escalation_level    INTEGER NOT NULL DEFAULT 0,
	expires_at          TEXT NOT NULL,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	steps               TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_status_expiry ON approvals (status, expires_at);
`

// SQLiteStore persists approval requests in SQLite. Steps travel as a JSON
// column; they are only ever read and written as a unit with their parent.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("approval: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const approvalColumns = `id, tenant_id, request_type, request_payload, risk_score, status,
	priority, requestor_id, current_approver_id, approved_by_id, escalation_level,
	expires_at, created_at, updated_at, steps`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func (s *SQLiteStore) Put(ctx context.Context, r *Request) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("approval: encode steps: %w", err)
	}
	var payload any
	if r.RequestPayload != nil {
		payload = string(r.RequestPayload)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_approver_id = excluded.current_approver_id,
			approved_by_id = excluded.approved_by_id,
			escalation_level = excluded.escalation_level,
			updated_at = excluded.updated_at,
			steps = excluded.steps`,
		r.ID, nullable(r.TenantID), r.RequestType, payload, r.RiskScore, string(r.Status),
		string(r.Priority), r.RequestorID, nullable(r.CurrentApproverID), nullable(r.ApprovedByID),
		r.EscalationLevel, fmtTime(r.ExpiresAt), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
		string(steps))
	if err != nil {
		return fmt.Errorf("approval: upsert request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Open(ctx context.Context) ([]*Request, error) {
	return s.list(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status IN ('pending', 'escalated')
		 ORDER BY created_at, id`)
}

func (s *SQLiteStore) ExpiredBefore(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	return s.list(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status IN ('pending', 'escalated') AND expires_at <= ?
		 ORDER BY created_at, id`, fmtTime(cutoff))
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: query requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Request, error) {
	var r Request
	var tenant, payload, approver, approvedBy sql.NullString
	var status, priority, expiresAt, createdAt, updatedAt, steps string
	err := row.Scan(&r.ID, &tenant, &r.RequestType, &payload, &r.RiskScore, &status,
		&priority, &r.RequestorID, &approver, &approvedBy, &r.EscalationLevel,
		&expiresAt, &createdAt, &updatedAt, &steps)
	if err != nil {
		return nil, err
	}

	r.TenantID = tenant.String
	r.CurrentApproverID = approver.String
	r.ApprovedByID = approvedBy.String
	r.Status = Status(status)
	r.Priority = Priority(priority)
	if payload.Valid {
		r.RequestPayload = json.RawMessage(payload.String)
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return nil, fmt.Errorf("approval: decode steps: %w", err)
	}
	for _, pair := range []struct {
		dst *time.Time
		src string
	}{{&r.ExpiresAt, expiresAt}, {&r.CreatedAt, createdAt}, {&r.UpdatedAt, updatedAt}} {
		t, err := time.Parse(time.RFC3339Nano, pair.src)
		if err != nil {
			return nil, fmt.Errorf("approval: parse timestamp: %w", err)
		}
		*pair.dst = t
	}
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fmtTime is fixed-width so expires_at TEXT comparisons order
// chronologically.
func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
