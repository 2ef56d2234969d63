package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
)

type outcome struct {
	attempt   Attempt
	result    *provider.Result
	budgetErr error
}

// attempt tries one provider. The returned error is non-nil only when ctx
// ended while the call was in flight; provider failures are reported in the
// outcome.
//
// The budget is reserved before the breaker is consulted so that a refused
// reservation never claims a half-open probe.
func (r *Router) attempt(ctx context.Context, id, fp string, req Request) (outcome, error) {
	b := r.byID[id]

	resv, err := r.budget.Reserve(ctx, id, budget.FromFloat(b.MaxCost))
	if err != nil {
		r.obs.RecordBudgetRejection(ctx, id)
		return outcome{attempt: Attempt{Provider: id, Error: err.Error(), err: err}}, nil
	}
	permit, ok := r.breakers.Allow(id)
	if !ok {
		resv.Release()
		err := fmt.Errorf("%w: %s", resiliency.ErrProviderUnavailable, id)
		return outcome{attempt: Attempt{Provider: id, Error: err.Error(), err: err}}, nil
	}

	results := make(chan outcome)
	abandoned := make(chan struct{})
	go func() {
		o := r.call(context.WithoutCancel(ctx), b, fp, req, resv, permit)
		select {
		case results <- o:
		case <-abandoned:
			r.settleAbandoned(context.WithoutCancel(ctx), fp, o)
		}
	}()

	select {
	case o := <-results:
		return o, nil
	case <-ctx.Done():
		close(abandoned)
		return outcome{}, fmt.Errorf("router: dispatch abandoned: %w", ctx.Err())
	}
}

// call runs the provider and settles breaker, analytics, budget and cache.
// ctx carries no cancellation from the caller.
func (r *Router) call(ctx context.Context, b Backend, fp string, req Request, resv *budget.Reservation, permit resiliency.Permit) outcome {
	callCtx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	start := time.Now()
	res, err := r.client.Call(callCtx, b.ID, req.Request, b.Timeout)
	latency := time.Since(start)
	if err == nil && res == nil {
		err = errors.New("empty result")
	}
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}

	if err != nil {
		err = provider.Classify(b.ID, err)
		resv.Release()
		r.breakers.OnFailure(b.ID, permit)
		r.stats.RecordOutcome(b.ID, false, latency, 0)
		r.obs.RecordProviderCall(ctx, b.ID, false, latency, 0)
		r.logger.WarnContext(ctx, "provider call failed", "provider", b.ID, "fingerprint", fp, "error", err)
		return outcome{attempt: Attempt{Provider: b.ID, Error: err.Error(), LatencyMS: latency.Milliseconds(), err: err}}
	}

	if res.Provider == "" {
		res.Provider = b.ID
	}
	if res.Latency == 0 {
		res.Latency = latency
	}
	r.breakers.OnSuccess(b.ID, permit)
	r.stats.RecordOutcome(b.ID, true, res.Latency, res.Cost)
	r.obs.RecordProviderCall(ctx, b.ID, true, res.Latency, res.Cost)

	o := outcome{attempt: Attempt{Provider: b.ID, LatencyMS: res.Latency.Milliseconds()}, result: res}
	usage := budget.Usage{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens}
	if berr := resv.Commit(ctx, budget.FromFloat(res.Cost), usage); berr != nil {
		o.budgetErr = berr
		r.obs.RecordBudgetRejection(ctx, b.ID)
	}

	if r.cache != nil {
		payload, jerr := json.Marshal(res)
		if jerr == nil {
			jerr = r.cache.Put(ctx, fp, payload, req.CacheTTL)
		}
		if jerr != nil {
			r.logger.WarnContext(ctx, "response not cached", "fingerprint", fp, "error", jerr)
		}
	}
	return o
}

// settleAbandoned audits a call whose caller stopped waiting. A provider
// that answered was paid, so the success is still recorded.
func (r *Router) settleAbandoned(ctx context.Context, fp string, o outcome) {
	if o.result == nil {
		return
	}
	rec := successRecord{
		Fingerprint: fp, Provider: o.result.Provider, Cost: o.result.Cost,
		LatencyMS: o.result.Latency.Milliseconds(), Attempts: []Attempt{o.attempt},
	}
	if o.budgetErr != nil {
		rec.BudgetError = o.budgetErr.Error()
	}
	if _, err := r.ledger.Append(ctx, ledger.EventDispatchSuccess, rec, ledger.DecisionAdmit); err != nil {
		r.logger.ErrorContext(ctx, "failed to audit abandoned dispatch", "fingerprint", fp, "error", err)
	}
}
