package gate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRejected is returned when a verdict does not pass.
var ErrRejected = errors.New("gate rejected")

// Metrics bundles independently produced scores for one decision.
type Metrics struct {
	// Contractivity ratio ρ; must be strictly below RhoMax.
	Rho float64 `json:"rho"`
	// Expected calibration error.
	ECE float64 `json:"ece"`
	// Bias ratio ρ_bias.
	RhoBias float64 `json:"rho_bias"`
	// Minimum-improvement delta ΔL∞.
	DeltaLInf float64 `json:"delta_linf"`
	// Relative cost increase.
	CostDelta float64 `json:"cost_delta"`
	Consent   bool    `json:"consent"`
	EcoOK     bool    `json:"eco_ok"`
	// Extra carries additional named scores for configured expression checks.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// asMap is the CEL view of the metrics.
func (m Metrics) asMap() map[string]any {
	out := map[string]any{
		"rho":        m.Rho,
		"ece":        m.ECE,
		"rho_bias":   m.RhoBias,
		"delta_linf": m.DeltaLInf,
		"cost_delta": m.CostDelta,
		"consent":    m.Consent,
		"eco_ok":     m.EcoOK,
	}
	for k, v := range m.Extra {
		if _, builtin := out[k]; !builtin {
			out[k] = v
		}
	}
	return out
}

// Thresholds configures the built-in checks.
type Thresholds struct {
	RhoMax  float64 `json:"rho_max" yaml:"rho_max"`
	ECEMax  float64 `json:"ece_max" yaml:"ece_max"`
	BiasMax float64 `json:"bias_max" yaml:"bias_max"`
	BetaMin float64 `json:"beta_min" yaml:"beta_min"`
	CostMax float64 `json:"cost_max" yaml:"cost_max"`
}

// DefaultThresholds: ρ < 1, ECE ≤ 0.01, ρ_bias ≤ 1.05, ΔL∞ ≥ 0.01, cost ≤ +10%.
func DefaultThresholds() Thresholds {
	return Thresholds{RhoMax: 1.0, ECEMax: 0.01, BiasMax: 1.05, BetaMin: 0.01, CostMax: 0.10}
}

// ExprCheck is an operator-defined check: a CEL expression over `metrics`
// that must evaluate to true.
type ExprCheck struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Verdict is the outcome of one evaluation. Values are never modified after
// Evaluate returns them.
type Verdict struct {
	Passed       bool          `json:"passed"`
	FailedChecks []string      `json:"failed_checks"`
	Reasons      []string      `json:"reasons"`
	Checks       []CheckResult `json:"checks"`
}

// Err returns nil for a passing verdict, otherwise an error wrapping
// ErrRejected that names every failed check.
func (v Verdict) Err() error {
	if v.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, strings.Join(v.Reasons, "; "))
}
