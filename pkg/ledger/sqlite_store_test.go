package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteAppendAndVerify(t *testing.T) {
	store := newSQLiteTestStore(t)
	l := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "tenant_7", "governance.decision",
			contracts.Actor{ID: "user-1", TenantID: "7"}, map[string]any{"i": i})
		require.NoError(t, err)
	}

	valid, issues, err := l.VerifyChain(ctx, "tenant_7", 0)
	require.NoError(t, err)
	assert.True(t, valid, "issues: %v", issues)

	head, err := store.Head(ctx, "tenant_7")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.Sequence)
}

func TestSQLiteInsertConflict(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	entry := &Entry{
		ChainID:   "tenant_7",
		Sequence:  0,
		PrevHash:  GenesisHash,
		Hash:      "sha256:abc",
		EventType: "governance.decision",
		ActorID:   "user-1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, entry))

	dup := *entry
	dup.Hash = "sha256:def"
	assert.ErrorIs(t, store.Insert(ctx, &dup), ErrConflict)

	dupHash := *entry
	dupHash.Sequence = 1
	assert.ErrorIs(t, store.Insert(ctx, &dupHash), ErrConflict)
}

func TestSQLiteEmptyChainHead(t *testing.T) {
	store := newSQLiteTestStore(t)
	_, err := store.Head(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrEmptyChain)
}

func TestSQLiteCountEventsWindow(t *testing.T) {
	store := newSQLiteTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n int
	l := New(store, WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}))
	ctx := context.Background()

	actor := contracts.Actor{ID: "user-1", TenantID: "7"}
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "tenant_7", "auth.failure", actor, nil)
		require.NoError(t, err)
	}

	count, err := store.CountEvents(ctx, EventFilter{
		ActorID:    "user-1",
		EventTypes: []string{"auth.failure"},
		Since:      base.Add(2*time.Minute + time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSQLiteCountEventsFractionalSecondBoundary(t *testing.T) {
	store := newSQLiteTestStore(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 510_000_000, time.UTC)
	l := New(store, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	actor := contracts.Actor{ID: "user-1", TenantID: "7"}
	_, err := l.Append(ctx, "tenant_7", "auth.failure", actor, nil)
	require.NoError(t, err)

	// A cutoff with a shorter fraction must still compare chronologically.
	count, err := store.CountEvents(ctx, EventFilter{
		ActorID:    "user-1",
		EventTypes: []string{"auth.failure"},
		Since:      time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountEvents(ctx, EventFilter{
		ActorID: "user-1",
		Since:   time.Date(2026, 3, 1, 10, 0, 0, 600_000_000, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSQLiteMarkTampered(t *testing.T) {
	store := newSQLiteTestStore(t)
	l := New(store)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant_7", "governance.decision", contracts.Actor{ID: "u"}, nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkTampered(ctx, "tenant_7", 0))
	assert.ErrorIs(t, store.MarkTampered(ctx, "tenant_7", 9), ErrNotFound)

	entries, err := store.List(ctx, "tenant_7", 0)
	require.NoError(t, err)
	assert.True(t, entries[0].Tampered)
}
