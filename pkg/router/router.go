// Package router drives one request through the admission pipeline: cache,
// optional gate, provider selection, budget reservation, circuit breaking,
// fallback and the audit ledger.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/analytics"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/cache"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/observability"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/optimizer"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
)

// DefaultTimeout applies to backends configured without one.
const DefaultTimeout = 30 * time.Second

// Backend is a provider the router may dispatch to.
type Backend struct {
	ID string `json:"id"`
	// MaxCost is reserved against the budget before each call.
	MaxCost float64       `json:"max_cost"`
	Quality float64       `json:"quality"`
	Timeout time.Duration `json:"timeout"`
}

// Request is a dispatch request. Gate, when set, must pass before any
// provider is contacted.
type Request struct {
	provider.Request
	Gate     *gate.Metrics `json:"gate,omitempty"`
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// Response is a successful dispatch.
type Response struct {
	Fingerprint string         `json:"fingerprint"`
	Provider    string         `json:"provider"`
	Content     string         `json:"content"`
	Cost        float64        `json:"cost"`
	Usage       provider.Usage `json:"usage"`
	Latency     time.Duration  `json:"latency"`
	Cached      bool           `json:"cached"`
	Attempts    []Attempt      `json:"attempts,omitempty"`
	Ledger      *ledger.Entry  `json:"ledger,omitempty"`
}

// Router is safe for concurrent use.
type Router struct {
	backends []Backend
	byID     map[string]Backend
	client   provider.Client
	budget   *budget.Tracker
	breakers *resiliency.Registry
	ledger   *ledger.Ledger

	cache     *cache.Cache
	stats     *analytics.Tracker
	gate      *gate.Gate
	optimizer *optimizer.Optimizer
	weights   optimizer.Weights
	obs       *observability.Provider
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option { return func(r *Router) { r.cache = c } }

// WithAnalytics shares a stats tracker, e.g. with the API.
func WithAnalytics(t *analytics.Tracker) Option { return func(r *Router) { r.stats = t } }

// WithGate sets the gate used by Admit and gated dispatches.
func WithGate(g *gate.Gate) Option { return func(r *Router) { r.gate = g } }

// WithWeights overrides the optimizer weights.
func WithWeights(w optimizer.Weights) Option { return func(r *Router) { r.weights = w } }

// WithObservability records spans and metrics.
func WithObservability(p *observability.Provider) Option { return func(r *Router) { r.obs = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// New wires a router. Budget, breakers and ledger are required because every
// dispatch decision depends on them.
func New(backends []Backend, client provider.Client, tracker *budget.Tracker, breakers *resiliency.Registry, l *ledger.Ledger, opts ...Option) (*Router, error) {
	if client == nil || tracker == nil || breakers == nil || l == nil {
		return nil, errors.New("router: client, budget, breakers and ledger are required")
	}
	r := &Router{
		client:   client,
		budget:   tracker,
		breakers: breakers,
		ledger:   l,
		byID:     make(map[string]Backend, len(backends)),
		weights:  optimizer.DefaultWeights(),
		logger:   slog.Default().With("component", "router"),
	}
	for _, b := range backends {
		if b.ID == "" {
			return nil, errors.New("router: backend without id")
		}
		if _, dup := r.byID[b.ID]; dup {
			return nil, fmt.Errorf("router: duplicate backend %q", b.ID)
		}
		if b.Timeout <= 0 {
			b.Timeout = DefaultTimeout
		}
		r.byID[b.ID] = b
		r.backends = append(r.backends, b)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.stats == nil {
		r.stats = analytics.NewTracker()
	}
	if r.gate == nil {
		g, err := gate.New(gate.DefaultThresholds(), nil)
		if err != nil {
			return nil, err
		}
		r.gate = g
	}
	if r.obs == nil {
		r.obs = observability.Disabled()
	}
	r.optimizer = optimizer.New(r.weights, r.budget, r.breakers, r.stats)
	return r, nil
}

func (r *Router) candidates() []optimizer.Provider {
	out := make([]optimizer.Provider, len(r.backends))
	for i, b := range r.backends {
		out[i] = optimizer.Provider{ID: b.ID, Cost: b.MaxCost, Quality: b.Quality}
	}
	return out
}

// Rank returns the current provider ranking without dispatching.
func (r *Router) Rank() optimizer.Ranking { return r.optimizer.Select(r.candidates()) }

type successRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Provider    string    `json:"provider"`
	Cost        float64   `json:"cost"`
	LatencyMS   int64     `json:"latency_ms"`
	Attempts    []Attempt `json:"attempts"`
	BudgetError string    `json:"budget_error,omitempty"`
}

type failureRecord struct {
	Fingerprint string            `json:"fingerprint"`
	Kind        Kind              `json:"kind"`
	Attempts    []Attempt         `json:"attempts,omitempty"`
	Excluded    map[string]string `json:"excluded,omitempty"`
}

type blockedRecord struct {
	Fingerprint  string   `json:"fingerprint"`
	FailedChecks []string `json:"failed_checks"`
	Reasons      []string `json:"reasons"`
}

// Dispatch serves req from the cache or from the best available provider,
// falling back through the ranking until one succeeds.
//
// A cache hit has no budget, breaker, analytics or ledger side effects.
// Every other outcome is appended to the ledger before Dispatch returns.
func (r *Router) Dispatch(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, done := r.obs.TrackOperation(ctx, "router.dispatch")
	defer func() { done(err) }()

	fp, err := req.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("router: fingerprint request: %w", err)
	}

	if r.cache != nil {
		if payload, ok := r.cache.Get(ctx, fp); ok {
			var res provider.Result
			if jerr := json.Unmarshal(payload, &res); jerr == nil {
				return &Response{
					Fingerprint: fp, Provider: res.Provider, Content: res.Content,
					Cost: res.Cost, Usage: res.Usage, Latency: res.Latency, Cached: true,
				}, nil
			}
			r.logger.WarnContext(ctx, "undecodable cached response treated as miss", "fingerprint", fp)
		}
	}

	if r.ledger.Broken() {
		return nil, fmt.Errorf("router: refusing dispatch: %w", ledger.ErrChainBroken)
	}

	if req.Gate != nil {
		v := r.gate.Evaluate(*req.Gate)
		if !v.Passed {
			rec := blockedRecord{Fingerprint: fp, FailedChecks: v.FailedChecks, Reasons: v.Reasons}
			if _, lerr := r.ledger.Append(ctx, ledger.EventDispatchBlocked, rec, ledger.DecisionReject); lerr != nil {
				return nil, fmt.Errorf("router: audit blocked dispatch: %w", lerr)
			}
			r.logger.WarnContext(ctx, "dispatch blocked by gate", "fingerprint", fp, "failed", v.FailedChecks)
			return nil, newDispatchError(KindGateRejected, fp, nil, nil, v.Err())
		}
	}

	ranking := r.Rank()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("sigmaguard.fingerprint", fp),
		attribute.Int("sigmaguard.candidates", len(ranking.Ordered)),
	)
	if len(ranking.Ordered) == 0 {
		kind, causes := KindNoProviders, []error{ErrNoProvidersAvailable}
		if ranking.AllBudgetExcluded() {
			kind = KindBudgetExhausted
			causes = append(causes, budget.ErrBudgetExceeded)
		}
		derr := newDispatchError(kind, fp, nil, ranking.Excluded, causes...)
		rec := failureRecord{Fingerprint: fp, Kind: kind, Excluded: ranking.Excluded}
		if _, lerr := r.ledger.Append(ctx, ledger.EventDispatchRejected, rec, ledger.DecisionReject); lerr != nil {
			return nil, fmt.Errorf("router: audit rejected dispatch: %w", lerr)
		}
		return nil, derr
	}

	order := ranking.IDs()
	tried := make(map[string]bool, len(order))
	var attempts []Attempt
	for len(order) > 0 {
		id := order[0]
		tried[id] = true

		out, aerr := r.attempt(ctx, id, fp, req)
		if aerr != nil {
			// The caller went away; the detached call finishes its own bookkeeping.
			return nil, aerr
		}
		attempts = append(attempts, out.attempt)
		if out.attempt.err == nil {
			return r.succeed(ctx, fp, out, attempts)
		}
		order = optimizer.PlanFallback(id, order, tried, r.breakers.IsOpen)
	}

	kind, sentinel := KindAllDegraded, ErrProvidersExhausted
	if onlyBudget(attempts) {
		kind, sentinel = KindBudgetExhausted, budget.ErrBudgetExceeded
	}
	derr := newDispatchError(kind, fp, attempts, ranking.Excluded, sentinel)
	rec := failureRecord{Fingerprint: fp, Kind: kind, Attempts: attempts, Excluded: ranking.Excluded}
	if _, lerr := r.ledger.Append(ctx, ledger.EventDispatchExhausted, rec, ledger.DecisionReject); lerr != nil {
		return nil, fmt.Errorf("router: audit exhausted dispatch: %w", lerr)
	}
	r.logger.WarnContext(ctx, "dispatch exhausted every provider", "fingerprint", fp, "kind", kind, "attempts", len(attempts))
	return nil, derr
}

func (r *Router) succeed(ctx context.Context, fp string, out outcome, attempts []Attempt) (*Response, error) {
	res := out.result
	rec := successRecord{
		Fingerprint: fp, Provider: res.Provider, Cost: res.Cost,
		LatencyMS: res.Latency.Milliseconds(), Attempts: attempts,
	}
	if out.budgetErr != nil {
		rec.BudgetError = out.budgetErr.Error()
	}
	entry, err := r.ledger.Append(ctx, ledger.EventDispatchSuccess, rec, ledger.DecisionAdmit)
	if err != nil {
		return nil, fmt.Errorf("router: audit dispatch: %w", err)
	}
	return &Response{
		Fingerprint: fp, Provider: res.Provider, Content: res.Content, Cost: res.Cost,
		Usage: res.Usage, Latency: res.Latency, Attempts: attempts, Ledger: entry,
	}, nil
}
