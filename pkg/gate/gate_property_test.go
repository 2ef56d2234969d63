//go:build property
// +build property

package gate

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: once any single check fails, no combination of other scores can
// make the verdict pass.
func TestNonCompensation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	g, err := New(DefaultThresholds(), nil)
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("passed iff every check passed", prop.ForAll(
		func(rho, ece, bias, delta, cost float64, consent, eco bool) bool {
			v := g.Evaluate(Metrics{
				Rho: rho, ECE: ece, RhoBias: bias, DeltaLInf: delta, CostDelta: cost,
				Consent: consent, EcoOK: eco,
			})
			all := true
			for _, c := range v.Checks {
				all = all && c.Passed
			}
			return v.Passed == all && v.Passed == (len(v.FailedChecks) == 0)
		},
		gen.Float64Range(0, 2),
		gen.Float64Range(0, 0.05),
		gen.Float64Range(0.5, 1.5),
		gen.Float64Range(-0.05, 0.2),
		gen.Float64Range(-0.5, 0.5),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("failing consent always rejects", prop.ForAll(
		func(ece, delta float64) bool {
			m := Metrics{Rho: 0.1, ECE: ece, RhoBias: 1, DeltaLInf: delta, CostDelta: 0, Consent: false, EcoOK: true}
			return !g.Evaluate(m).Passed
		},
		gen.Float64Range(0, 0.01),
		gen.Float64Range(0.01, 1000),
	))

	properties.TestingRun(t)
}
