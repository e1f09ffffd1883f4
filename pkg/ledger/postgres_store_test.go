package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresInsertMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.Insert(context.Background(), &Entry{
		ChainID:   "tenant_7",
		Sequence:  3,
		PrevHash:  "sha256:prev",
		Hash:      "sha256:cur",
		EventType: "governance.decision",
		ActorID:   "user-1",
		CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeadEmptyChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT .* FROM ledger_entries").
		WithArgs("tenant_7").
		WillReturnRows(sqlmock.NewRows([]string{"chain_id"}))

	_, err = store.Head(context.Background(), "tenant_7")
	assert.ErrorIs(t, err, ErrEmptyChain)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeadScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"chain_id", "sequence", "prev_hash", "hash", "event_type",
		"actor_id", "tenant_id", "payload", "tampered", "created_at",
	}).AddRow("tenant_7", int64(5), "sha256:prev", "sha256:cur",
		"governance.decision", "user-1", "7", `{"x":1}`, false, now)

	mock.ExpectQuery("SELECT .* FROM ledger_entries").
		WithArgs("tenant_7").
		WillReturnRows(rows)

	head, err := store.Head(context.Background(), "tenant_7")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), head.Sequence)
	assert.Equal(t, "7", head.TenantID)
	assert.JSONEq(t, `{"x":1}`, string(head.Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewPostgresStore(db)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := store.CountEvents(context.Background(), EventFilter{
		ActorID:    "user-1",
		EventTypes: []string{"auth.failure"},
		Since:      time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
