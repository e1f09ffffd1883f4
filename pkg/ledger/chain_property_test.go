package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aegis-labs/aegis/core/pkg/contracts"
)

// For any number of appends the chain verifies clean, sequences are
// contiguous from zero, and each entry links to its predecessor's hash.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("N appends always verify clean", prop.ForAll(
		func(n int) bool {
			l, store := newTestLedger()
			ctx := context.Background()
			for i := 0; i < n; i++ {
				if _, err := l.Append(ctx, "chain", "governance.decision",
					contracts.Actor{ID: "u"}, map[string]any{"i": i}); err != nil {
					return false
				}
			}

			valid, issues, err := l.VerifyChain(ctx, "chain", 0)
			if err != nil || !valid || len(issues) != 0 {
				return false
			}

			entries, err := store.List(ctx, "chain", 0)
			if err != nil || len(entries) != n {
				return false
			}
			for i, e := range entries {
				if e.Sequence != uint64(i) {
					return false
				}
				if i == 0 && e.PrevHash != GenesisHash {
					return false
				}
				if i > 0 && e.PrevHash != entries[i-1].Hash {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 25),
	))

	properties.TestingRun(t)
}
