package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

var testActor = contracts.Actor{ID: "user-1", TenantID: "7", Role: "manager"}

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n int
	clock := func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return New(store, WithClock(clock)), store
}

func TestAppendChainsEntries(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	first, err := l.Append(ctx, "tenant_7", "governance.decision", testActor, map[string]any{"capability": "EXPORT"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Contains(t, first.Hash, "sha256:")

	second, err := l.Append(ctx, "tenant_7", "governance.decision", testActor, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Sequence)
	assert.Equal(t, first.Hash, second.PrevHash)
}

func TestVerifyChainCleanAfterAppends(t *testing.T) {
	// Scenario: three appends to tenant_7 verify clean.
	l, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "tenant_7", "governance.decision", testActor, map[string]any{"i": i})
		require.NoError(t, err)
	}

	valid, issues, err := l.VerifyChain(ctx, "tenant_7", 0)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, issues)
}

func TestSealRequiresEventAndActor(t *testing.T) {
	l, _ := newTestLedger()

	_, err := l.Open("tenant_7").Actor(testActor).Seal(context.Background())
	assert.Error(t, err)

	_, err = l.Open("tenant_7").Event("governance.decision").Seal(context.Background())
	assert.Error(t, err)
}

func TestChainsAreIndependent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	a, err := l.Append(ctx, "tenant_a", "governance.decision", testActor, nil)
	require.NoError(t, err)
	b, err := l.Append(ctx, "tenant_b", "governance.decision", testActor, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), a.Sequence)
	assert.Equal(t, uint64(0), b.Sequence)
	assert.Equal(t, GenesisHash, b.PrevHash)
}

func TestConcurrentAppendsSameChain(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "tenant_7", "auth.failure", contracts.Actor{ID: fmt.Sprintf("u-%d", i)}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	valid, issues, err := l.VerifyChain(ctx, "tenant_7", 0)
	require.NoError(t, err)
	assert.True(t, valid, "issues: %v", issues)

	entries, err := store.List(ctx, "tenant_7", 0)
	require.NoError(t, err)
	require.Len(t, entries, writers)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PrevHash)
		}
	}
}

func TestReplayReturnsPayloadsInOrder(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "tenant_7", "trust.decay", testActor, map[string]any{"i": i})
		require.NoError(t, err)
	}

	payloads, err := l.Replay(ctx, "tenant_7", 1, 3)
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.JSONEq(t, `{"i":1}`, string(payloads[0]))
	assert.JSONEq(t, `{"i":3}`, string(payloads[2]))
}

func TestStats(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	stats, err := l.Stats(ctx, "tenant_7")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, float64(100), stats.IntegrityPct)

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, "tenant_7", "governance.decision", testActor, nil)
		require.NoError(t, err)
	}
	store.Corrupt("tenant_7", 2, func(e *Entry) { e.EventType = "forged" })
	_, _, err = l.VerifyChain(ctx, "tenant_7", 0)
	require.NoError(t, err)

	stats, err = l.Stats(ctx, "tenant_7")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Entries)
	assert.Equal(t, 1, stats.Tampered)
	assert.Equal(t, uint64(3), stats.HeadSequence)
	assert.InDelta(t, 75.0, stats.IntegrityPct, 0.01)
}

func TestHandlersObserveAppends(t *testing.T) {
	l, _ := newTestLedger()
	var seen []string
	l.AddHandler(func(ctx context.Context, e *Entry) {
		seen = append(seen, e.EventType)
	})

	_, err := l.Append(context.Background(), "tenant_7", "auth.failure", testActor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth.failure"}, seen)
}

func TestCountEvents(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "tenant_7", "auth.failure", testActor, nil)
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, "tenant_7", "governance.decision", testActor, nil)
	require.NoError(t, err)

	count, err := l.CountEvents(ctx, EventFilter{ActorID: "user-1", EventTypes: []string{"auth.failure"}})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = l.CountEvents(ctx, EventFilter{ActorID: "user-1", Since: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
