package router

import (
	"context"
	"fmt"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/analytics"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
)

type verdictRecord struct {
	Action       string       `json:"action"`
	Passed       bool         `json:"passed"`
	FailedChecks []string     `json:"failed_checks"`
	Reasons      []string     `json:"reasons"`
	Metrics      gate.Metrics `json:"metrics"`
}

// Admit evaluates metrics for an external promotion step and records the
// verdict. It fails closed: a broken ledger chain or a failed audit write
// means the action is not admitted. A rejected verdict is returned together
// with an error wrapping gate.ErrRejected.
func (r *Router) Admit(ctx context.Context, action string, m gate.Metrics) (v gate.Verdict, err error) {
	ctx, done := r.obs.TrackOperation(ctx, "router.admit")
	defer func() { done(err) }()

	if r.ledger.Broken() {
		return gate.Verdict{}, fmt.Errorf("router: admission halted: %w", ledger.ErrChainBroken)
	}

	v = r.gate.Evaluate(m)
	decision := ledger.DecisionAdmit
	if !v.Passed {
		decision = ledger.DecisionReject
	}
	rec := verdictRecord{Action: action, Passed: v.Passed, FailedChecks: v.FailedChecks, Reasons: v.Reasons, Metrics: m}
	if _, err := r.ledger.Append(ctx, ledger.EventGateVerdict, rec, decision); err != nil {
		return v, fmt.Errorf("router: audit admission of %q: %w", action, err)
	}
	if !v.Passed {
		r.logger.WarnContext(ctx, "admission rejected", "action", action, "failed", v.FailedChecks)
	}
	return v, v.Err()
}

// ProviderStatus is the combined view of one backend.
type ProviderStatus struct {
	Backend
	Breaker resiliency.BreakerSnapshot `json:"breaker"`
	Budget  budget.Status              `json:"budget"`
	Stats   analytics.ProviderStats    `json:"stats"`
}

// Providers reports every configured backend in configuration order.
func (r *Router) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, ProviderStatus{
			Backend: b,
			Breaker: r.breakers.Breaker(b.ID).Snapshot(),
			Budget:  r.budget.Check(b.ID),
			Stats:   r.stats.Snapshot(b.ID),
		})
	}
	return out
}

func (r *Router) Budget() *budget.Tracker       { return r.budget }
func (r *Router) Ledger() *ledger.Ledger        { return r.ledger }
func (r *Router) Gate() *gate.Gate              { return r.gate }
func (r *Router) Analytics() *analytics.Tracker { return r.stats }
