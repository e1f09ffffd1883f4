package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := &Request{
		ID:                "req-1",
		TenantID:          "acme",
		RequestType:       "capability.escalation",
		RequestPayload:    json.RawMessage(`{"capability":"APPROVE_PAYMENT"}`),
		RiskScore:         80,
		Status:            StatusPending,
		Priority:          PriorityCritical,
		RequestorID:       "alice",
		CurrentApproverID: "bob",
		ExpiresAt:         created.Add(4 * time.Hour),
		CreatedAt:         created,
		UpdatedAt:         created,
		Steps: []Step{
			{StepNumber: 1, RequiredRole: "manager", Status: StatusPending, AssignedToID: "bob"},
			{StepNumber: 2, RequiredRole: "director", Status: StatusPending, AssignedToID: "carol"},
		},
	}
	require.NoError(t, store.Put(ctx, req))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"capability":"APPROVE_PAYMENT"}`, string(got.RequestPayload))
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "director", got.Steps[1].RequiredRole)
	assert.True(t, got.CreatedAt.Equal(created))

	// Upsert carries the mutable columns.
	req.Status = StatusApproved
	req.ApprovedByID = "carol"
	req.CurrentApproverID = ""
	req.Steps[0].Status = StatusApproved
	req.Steps[1].Status = StatusApproved
	require.NoError(t, store.Put(ctx, req))

	got, err = store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "carol", got.ApprovedByID)
	assert.Empty(t, got.CurrentApproverID)
}

func TestSQLiteStoreOpenAndExpiredQueries(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	put := func(id string, status Status, expires time.Time, created time.Time) {
		require.NoError(t, store.Put(ctx, &Request{
			ID:          id,
			RequestType: "t",
			Status:      status,
			Priority:    PriorityMedium,
			RequestorID: "alice",
			ExpiresAt:   expires,
			CreatedAt:   created,
			UpdatedAt:   created,
			Steps:       []Step{{StepNumber: 1, RequiredRole: "manager", Status: StatusPending}},
		}))
	}
	put("a", StatusPending, base.Add(time.Hour), base)
	put("b", StatusEscalated, base.Add(-time.Hour), base.Add(time.Second))
	put("c", StatusApproved, base.Add(-time.Hour), base.Add(2*time.Second))

	open, err := store.Open(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "b", open[1].ID)

	expired, err := store.ExpiredBefore(ctx, base)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "b", expired[0].ID)
}

func TestSQLiteExpiredBeforeFractionalSecondBoundary(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := time.Date(2026, 3, 1, 12, 0, 0, 510_000_000, time.UTC)
	require.NoError(t, store.Put(ctx, &Request{
		ID:          "frac",
		RequestType: "t",
		Status:      StatusPending,
		Priority:    PriorityMedium,
		RequestorID: "alice",
		ExpiresAt:   expires,
		CreatedAt:   created,
		UpdatedAt:   created,
		Steps:       []Step{{StepNumber: 1, RequiredRole: "manager", Status: StatusPending}},
	}))

	// A cutoff with a shorter fraction must still compare chronologically.
	early, err := store.ExpiredBefore(ctx, time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, early)

	late, err := store.ExpiredBefore(ctx, time.Date(2026, 3, 1, 12, 0, 0, 600_000_000, time.UTC))
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, "frac", late[0].ID)
}
