// Package gate implements the non-compensatory admission gate: every check
// runs, and the verdict passes only if all of them pass.
package gate

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
)

type predicate func(m Metrics) (bool, string)

type check struct {
	name string
	eval predicate
}

// Gate evaluates Metrics against fixed thresholds. It is safe for concurrent use.
type Gate struct {
	thresholds Thresholds
	checks     []check
}

// New builds a gate from thresholds and optional expression checks. Expressions
// are compiled here; a bad expression fails construction.
func New(th Thresholds, extra []ExprCheck) (*Gate, error) {
	g := &Gate{thresholds: th}
	g.checks = []check{
		{"contractivity", func(m Metrics) (bool, string) {
			return finite(m.Rho) && m.Rho < th.RhoMax, fmt.Sprintf("rho=%g must be < %g", m.Rho, th.RhoMax)
		}},
		{"calibration", func(m Metrics) (bool, string) {
			return finite(m.ECE) && m.ECE <= th.ECEMax, fmt.Sprintf("ece=%g must be <= %g", m.ECE, th.ECEMax)
		}},
		{"bias", func(m Metrics) (bool, string) {
			return finite(m.RhoBias) && m.RhoBias <= th.BiasMax, fmt.Sprintf("rho_bias=%g must be <= %g", m.RhoBias, th.BiasMax)
		}},
		{"improvement", func(m Metrics) (bool, string) {
			return finite(m.DeltaLInf) && m.DeltaLInf >= th.BetaMin, fmt.Sprintf("delta_linf=%g must be >= %g", m.DeltaLInf, th.BetaMin)
		}},
		{"cost", func(m Metrics) (bool, string) {
			return finite(m.CostDelta) && m.CostDelta <= th.CostMax, fmt.Sprintf("cost_delta=%g must be <= %g", m.CostDelta, th.CostMax)
		}},
		{"consent", func(m Metrics) (bool, string) {
			return m.Consent, "explicit consent is required"
		}},
		{"ecological", func(m Metrics) (bool, string) {
			return m.EcoOK, "ecological compliance is required"
		}},
	}

	if len(extra) > 0 {
		env, err := cel.NewEnv(cel.Variable("metrics", cel.MapType(cel.StringType, cel.DynType)))
		if err != nil {
			return nil, fmt.Errorf("gate: create CEL environment: %w", err)
		}
		seen := make(map[string]bool, len(g.checks)+len(extra))
		for _, c := range g.checks {
			seen[c.name] = true
		}
		for _, x := range extra {
			if x.Name == "" || seen[x.Name] {
				return nil, fmt.Errorf("gate: check name %q is empty or duplicated", x.Name)
			}
			seen[x.Name] = true
			p, err := compile(env, x)
			if err != nil {
				return nil, err
			}
			g.checks = append(g.checks, check{name: x.Name, eval: p})
		}
	}
	return g, nil
}

func compile(env *cel.Env, x ExprCheck) (predicate, error) {
	ast, issues := env.Compile(x.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate: compile %s: %w", x.Name, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("gate: %s must evaluate to bool, got %v", x.Name, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("gate: program %s: %w", x.Name, err)
	}
	return func(m Metrics) (bool, string) {
		out, _, err := prg.Eval(map[string]any{"metrics": m.asMap()})
		if err != nil {
			return false, fmt.Sprintf("%s: evaluation error: %v", x.Expr, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return false, fmt.Sprintf("%s: non-boolean result %v", x.Expr, out.Value())
		}
		return ok, fmt.Sprintf("%s must hold", x.Expr)
	}, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Evaluate runs every check, never short-circuiting, and returns the verdict.
func (g *Gate) Evaluate(m Metrics) Verdict {
	v := Verdict{
		Passed:       true,
		FailedChecks: []string{},
		Reasons:      []string{},
		Checks:       make([]CheckResult, 0, len(g.checks)),
	}
	for _, c := range g.checks {
		ok, reason := c.eval(m)
		res := CheckResult{Name: c.name, Passed: ok}
		if !ok {
			res.Reason = reason
			v.FailedChecks = append(v.FailedChecks, c.name)
			v.Reasons = append(v.Reasons, c.name+": "+reason)
		}
		v.Checks = append(v.Checks, res)
	}
	v.Passed = len(v.FailedChecks) == 0
	return v
}

// Thresholds returns the configured thresholds.
func (g *Gate) Thresholds() Thresholds { return g.thresholds }

// CheckNames lists checks in evaluation order.
func (g *Gate) CheckNames() []string {
	out := make([]string, len(g.checks))
	for i, c := range g.checks {
		out[i] = c.name
	}
	return out
}
