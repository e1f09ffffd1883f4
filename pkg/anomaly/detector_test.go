package anomaly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
	"github.com/aegis-labs/aegis/core/pkg/ledger"
	"github.com/aegis-labs/aegis/core/pkg/trust"
)

var eve = contracts.Actor{ID: "eve", TenantID: "acme", Role: "employee"}

type webhookRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (w *webhookRecorder) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var a Alert
		_ = json.NewDecoder(r.Body).Decode(&a)
		w.mu.Lock()
		w.alerts = append(w.alerts, a)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}
}

func (w *webhookRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.alerts)
}

func newTestDetector(t *testing.T, now *time.Time, withTrust bool) (*Detector, *ledger.Ledger, *webhookRecorder, *trust.Service) {
	t.Helper()
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	clock := func() time.Time { return *now }
	led := ledger.New(ledger.NewMemoryStore(), ledger.WithClock(clock))
	var trustSvc *trust.Service
	if withTrust {
		trustSvc = trust.NewService(trust.NewMemoryStore(), trust.DefaultConfig(), led, trust.WithClock(clock))
	}
	alerter := NewAlerter(srv.URL)
	d := NewDetector(led, NewMemoryLockoutStore(), trustSvc, alerter, DefaultConfig(), WithClock(clock))
	return d, led, rec, trustSvc
}

func TestAuthFailuresTriggerLockoutAtThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, rec, _ := newTestDetector(t, &now, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f, err := d.RecordViolation(ctx, eve, KindAuthFailure, "bad password")
		require.NoError(t, err)
		assert.False(t, f.LockedOut)
		now = now.Add(time.Minute)
	}
	locked, _, err := d.IsLockedOut(ctx, eve.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	f, err := d.RecordViolation(ctx, eve, KindAuthFailure, "bad password")
	require.NoError(t, err)
	assert.True(t, f.LockedOut)
	assert.Equal(t, 5, f.WindowCount)

	locked, until, err := d.IsLockedOut(ctx, eve.ID)
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, now.Add(30*time.Minute), until)
	assert.Equal(t, 1, rec.count())
}

func TestWindowSlidesOldEventsOut(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, _, _ := newTestDetector(t, &now, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := d.RecordViolation(ctx, eve, KindAuthFailure, "x")
		require.NoError(t, err)
	}

	// Two hours later the old failures are outside the window.
	now = now.Add(2 * time.Hour)
	f, err := d.RecordViolation(ctx, eve, KindAuthFailure, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, f.WindowCount)
	assert.False(t, f.LockedOut)
}

func TestLockoutExpiresAndClears(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, _, _ := newTestDetector(t, &now, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := d.RecordViolation(ctx, eve, KindAuthFailure, "x")
		require.NoError(t, err)
	}
	locked, _, err := d.IsLockedOut(ctx, eve.ID)
	require.NoError(t, err)
	require.True(t, locked)

	now = now.Add(31 * time.Minute)
	locked, _, err = d.IsLockedOut(ctx, eve.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, d.ClearLockout(ctx, eve.ID))
}

func TestCrossTenantElevatesSeverity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, rec, trustSvc := newTestDetector(t, &now, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f, err := d.RecordViolation(ctx, eve, KindCrossTenantAttempt, "foreign tenant read")
		require.NoError(t, err)
		assert.Equal(t, contracts.SeverityHigh, f.Severity)
	}
	f, err := d.RecordViolation(ctx, eve, KindCrossTenantAttempt, "foreign tenant read")
	require.NoError(t, err)
	assert.Equal(t, contracts.SeverityCritical, f.Severity)
	assert.Equal(t, 1, rec.count())

	// Two HIGH decays (12) then one CRITICAL (25).
	score, err := trustSvc.GetTrustScore(ctx, eve.ID)
	require.NoError(t, err)
	assert.Equal(t, 51.0, score)
}

func TestSystemicAlertCompanyWide(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, rec, _ := newTestDetector(t, &now, false)
	ctx := context.Background()

	// Spread high-severity violations over many actors so no per-actor
	// threshold fires first.
	for i := 0; i < 9; i++ {
		actor := contracts.Actor{ID: string(rune('a' + i)), TenantID: "acme", Role: "employee"}
		f, err := d.RecordViolation(ctx, actor, KindRoleEscalationAttempt, "sudo attempt")
		require.NoError(t, err)
		assert.False(t, f.Systemic)
	}
	f, err := d.RecordViolation(ctx, contracts.Actor{ID: "j", TenantID: "acme", Role: "employee"}, KindRoleEscalationAttempt, "sudo attempt")
	require.NoError(t, err)
	assert.True(t, f.Systemic)
	assert.Equal(t, 1, rec.count())
}

func TestUnknownKindRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, _, _, _ := newTestDetector(t, &now, false)

	_, err := d.RecordViolation(context.Background(), eve, Kind("made.up"), "x")
	assert.Error(t, err)
}

func TestMemoryLockoutSweep(t *testing.T) {
	store := NewMemoryLockoutStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Lock(ctx, "a", now.Add(-time.Minute)))
	require.NoError(t, store.Lock(ctx, "b", now.Add(time.Minute)))

	assert.Equal(t, 1, store.Sweep(now))
	_, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}
