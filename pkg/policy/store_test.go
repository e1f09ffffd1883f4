package policy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOrdersByPriority(t *testing.T) {
	store, err := NewStore(
		&Rule{ID: "b", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}, Priority: 20},
		&Rule{ID: "a", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionDeny}, Priority: 10},
	)
	require.NoError(t, err)

	rules := store.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].ID)
	assert.Equal(t, "b", rules[1].ID)
}

func TestStoreRejectsDuplicatesAndInvalid(t *testing.T) {
	store, err := NewStore(&Rule{ID: "a", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}})
	require.NoError(t, err)

	err = store.Add(&Rule{ID: "a", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = store.Add(&Rule{ID: "", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = store.Add(&Rule{ID: "no_conditions", Actions: []Action{ActionAllow}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = store.Add(&Rule{ID: "bad_guard", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}, GuardSrc: "this is not CEL ((("})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestStoreRemove(t *testing.T) {
	store, err := NewStore(&Rule{ID: "a", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}})
	require.NoError(t, err)

	require.NoError(t, store.Remove("a"))
	assert.Empty(t, store.Rules())
	assert.ErrorIs(t, store.Remove("a"), ErrRuleNotFound)
}

func TestStoreVersionAdvancesOnMutation(t *testing.T) {
	store, err := NewStore()
	require.NoError(t, err)
	v0 := store.Version()

	require.NoError(t, store.Add(&Rule{ID: "a", Conditions: map[string]Condition{"x": Eq(1)}, Actions: []Action{ActionAllow}}))
	assert.Greater(t, store.Version(), v0)
}

// Readers racing mutations must always observe a complete rule list.
func TestStoreConcurrentReadersAndWriters(t *testing.T) {
	store, err := NewStore(DefaultRules()...)
	require.NoError(t, err)
	engine := NewEngine(store, nil)

	var readers, writer sync.WaitGroup
	stop := make(chan struct{})

	writer.Add(1)
	go func() {
		defer writer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r := &Rule{
				ID:         "churn",
				Conditions: map[string]Condition{"x": Eq(i)},
				Actions:    []Action{ActionAllow},
				Priority:   50,
			}
			_ = store.Add(r)
			_ = store.Remove("churn")
		}
	}()

	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for j := 0; j < 500; j++ {
				verdict, err := engine.Evaluate(context.Background(), map[string]any{
					"risk_level": "HIGH",
				})
				assert.NoError(t, err)
				assert.Equal(t, ActionDeny, verdict.Action)
			}
		}()
	}

	readers.Wait()
	close(stop)
	writer.Wait()
}
