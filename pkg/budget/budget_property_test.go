//go:build property
// +build property

package budget_test

import (
	"context"
	"testing"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any sequence of charges, recorded spend never exceeds the hard
// limit and equals the sum of accepted charges.
func TestSpendNeverExceedsHardLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("spent <= hard", prop.ForAll(
		func(hard int64, costs []int64) bool {
			ctx := context.Background()
			tr := budget.NewTracker(budget.Limits{Hard: budget.Amount(hard)})
			var accepted budget.Amount
			for i, c := range costs {
				provider := []string{"a", "b", "c"}[i%3]
				if err := tr.Record(ctx, provider, budget.Amount(c)); err == nil {
					accepted += budget.Amount(c)
				}
			}
			st := tr.Check("a")
			return st.Spent <= budget.Amount(hard) && st.Spent == accepted
		},
		gen.Int64Range(0, 100_000_000),
		gen.SliceOf(gen.Int64Range(0, 20_000_000)),
	))

	properties.Property("reservations never overbook", prop.ForAll(
		func(hard int64, estimates []int64) bool {
			ctx := context.Background()
			tr := budget.NewTracker(budget.Limits{Hard: budget.Amount(hard)})
			var held budget.Amount
			for _, e := range estimates {
				if _, err := tr.Reserve(ctx, "a", budget.Amount(e)); err == nil {
					held += budget.Amount(e)
				}
			}
			return held <= budget.Amount(hard) && tr.Check("a").Held == held
		},
		gen.Int64Range(0, 50_000_000),
		gen.SliceOf(gen.Int64Range(0, 10_000_000)),
	))

	properties.TestingRun(t)
}
