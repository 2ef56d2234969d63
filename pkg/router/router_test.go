package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/cache"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/gate"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/provider"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/resiliency"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/router"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
)

type behaviour func(ctx context.Context, req provider.Request) (*provider.Result, error)

func answers(cost float64) behaviour {
	return func(context.Context, provider.Request) (*provider.Result, error) {
		return &provider.Result{Content: "ok", Cost: cost, Latency: 5 * time.Millisecond}, nil
	}
}

func fails(context.Context, provider.Request) (*provider.Result, error) {
	return nil, errors.New("upstream 500")
}

type fakeClient struct {
	mu     sync.Mutex
	calls  map[string]int
	behave map[string]behaviour
}

func newFakeClient(behave map[string]behaviour) *fakeClient {
	return &fakeClient{calls: make(map[string]int), behave: behave}
}

func (f *fakeClient) Call(ctx context.Context, id string, req provider.Request, _ time.Duration) (*provider.Result, error) {
	f.mu.Lock()
	f.calls[id]++
	b := f.behave[id]
	f.mu.Unlock()
	return b(ctx, req)
}

func (f *fakeClient) set(id string, b behaviour) {
	f.mu.Lock()
	f.behave[id] = b
	f.mu.Unlock()
}

func (f *fakeClient) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	router   *router.Router
	client   *fakeClient
	budget   *budget.Tracker
	breakers *resiliency.Registry
	ledger   *ledger.Ledger
	log      *flakyLog
	clock    *clock
}

type setup struct {
	limit    float64
	backends []router.Backend
	behave   map[string]behaviour
	cache    bool
	opts     []router.Option
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}

	tracker := budget.NewTracker(budget.Limits{Hard: budget.FromFloat(s.limit)}, budget.WithClock(clk.Now))
	breakers := resiliency.NewRegistry(resiliency.Settings{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second},
		resiliency.WithClock(clk.Now))
	log := &flakyLog{MemoryLog: store.NewMemoryLog()}
	l, err := ledger.Open(ctx, log)
	require.NoError(t, err)

	opts := s.opts
	if s.cache {
		c, err := cache.New([]byte("router-test-cache-key-0123456789"), cache.WithClock(clk.Now))
		require.NoError(t, err)
		opts = append(opts, router.WithCache(c))
	}
	client := newFakeClient(s.behave)
	r, err := router.New(s.backends, client, tracker, breakers, l, opts...)
	require.NoError(t, err)
	return &fixture{router: r, client: client, budget: tracker, breakers: breakers, ledger: l, log: log, clock: clk}
}

// flakyLog corrupts reads on demand so a chain break can be simulated.
type flakyLog struct {
	*store.MemoryLog
	corrupt atomic.Bool
}

func (f *flakyLog) Read(ctx context.Context, off int64) ([]byte, error) {
	b, err := f.MemoryLog.Read(ctx, off)
	if err == nil && off == 0 && f.corrupt.Load() {
		b[len(b)/2] ^= 0x01
	}
	return b, err
}

func prompt(text string) router.Request {
	return router.Request{Request: provider.Request{
		Model:    "m",
		Messages: []provider.Message{{Role: "user", Content: text}},
	}}
}

func events(t *testing.T, l *ledger.Ledger) []string {
	t.Helper()
	var out []string
	for _, e := range l.Entries(1, int(l.Len())) {
		out = append(out, e.EventType)
	}
	return out
}

func TestDispatch_BudgetRejectsBeforeCallingProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "p", MaxCost: 4, Quality: 0.5}},
		behave:   map[string]behaviour{"p": answers(4)},
	})

	for i := 0; i < 2; i++ {
		resp, err := f.router.Dispatch(ctx, prompt(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		assert.Equal(t, "p", resp.Provider)
		assert.False(t, resp.Cached)
		require.NotNil(t, resp.Ledger)
	}
	assert.Equal(t, budget.FromFloat(8), f.budget.Check("p").Spent)

	_, err := f.router.Dispatch(ctx, prompt("q2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	var derr *router.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, router.KindBudgetExhausted, derr.Kind)
	assert.False(t, derr.Retryable())

	assert.Equal(t, 2, f.client.count("p"), "third call never reaches the provider")
	assert.Equal(t, budget.FromFloat(8), f.budget.Check("p").Spent)
	assert.Equal(t, []string{ledger.EventDispatchSuccess, ledger.EventDispatchSuccess, ledger.EventDispatchExhausted}, events(t, f.ledger))

	rep, err := f.ledger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid())
}

func TestDispatch_CacheHitHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "p", MaxCost: 1}},
		behave:   map[string]behaviour{"p": answers(1)},
		cache:    true,
	})

	first, err := f.router.Dispatch(ctx, prompt("same"))
	require.NoError(t, err)
	req := prompt("same")
	req.Metadata = map[string]string{"trace": "other"}
	second, err := f.router.Dispatch(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, f.client.count("p"))
	assert.Equal(t, uint64(1), f.ledger.Len())
	assert.Equal(t, budget.FromFloat(1), f.budget.Check("p").Spent)
	assert.Equal(t, int64(1), f.router.Analytics().Snapshot("p").RequestsTotal)
}

func TestDispatch_FallsBackAndReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit: 10,
		backends: []router.Backend{
			{ID: "cheap", MaxCost: 1, Quality: 0.5},
			{ID: "pricey", MaxCost: 3, Quality: 0.5},
		},
		behave: map[string]behaviour{"cheap": fails, "pricey": answers(2)},
	})

	resp, err := f.router.Dispatch(ctx, prompt("hello"))
	require.NoError(t, err)
	assert.Equal(t, "pricey", resp.Provider)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "cheap", resp.Attempts[0].Provider)
	assert.ErrorIs(t, resp.Attempts[0].Err(), provider.ErrCallFailed)

	st := f.budget.Check("cheap")
	assert.Equal(t, budget.FromFloat(2), st.Spent)
	assert.Zero(t, st.Held)
	assert.Equal(t, 1, f.breakers.Breaker("cheap").Snapshot().ConsecutiveFailures)
	assert.Equal(t, int64(1), f.router.Analytics().Snapshot("cheap").FailuresTotal)
}

func TestDispatch_OpenCircuitIsSkippedUntilRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit: 100,
		backends: []router.Backend{
			{ID: "a", MaxCost: 1, Quality: 0.9},
			{ID: "b", MaxCost: 5, Quality: 0.1},
		},
		behave: map[string]behaviour{"a": fails, "b": answers(5)},
	})

	for i := 0; i < 2; i++ {
		_, err := f.router.Dispatch(ctx, prompt(fmt.Sprintf("warm%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, resiliency.StateOpen, f.breakers.Breaker("a").Snapshot().State)

	_, err := f.router.Dispatch(ctx, prompt("skip"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.client.count("a"), "open breaker is not called")
	assert.Equal(t, "circuit_open", f.router.Rank().Excluded["a"])

	f.clock.Advance(30 * time.Second)
	f.client.set("a", answers(1))
	resp, err := f.router.Dispatch(ctx, prompt("probe"))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, resiliency.StateClosed, f.breakers.Breaker("a").Snapshot().State)
}

func TestDispatch_AllDegraded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "a", MaxCost: 1}, {ID: "b", MaxCost: 1}},
		behave:   map[string]behaviour{"a": fails, "b": fails},
	})

	_, err := f.router.Dispatch(ctx, prompt("x"))
	var derr *router.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, router.KindAllDegraded, derr.Kind)
	assert.True(t, derr.Retryable())
	assert.ErrorIs(t, err, router.ErrProvidersExhausted)
	assert.ErrorIs(t, err, provider.ErrCallFailed)
	assert.NotErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Len(t, derr.Attempts, 2)
	assert.Zero(t, f.budget.Check("a").Held)
	assert.Equal(t, []string{ledger.EventDispatchExhausted}, events(t, f.ledger))
}

func TestDispatch_NoProvidersWhenEveryCircuitIsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "a", MaxCost: 1}},
		behave:   map[string]behaviour{"a": answers(1)},
	})
	for i := 0; i < 2; i++ {
		p, ok := f.breakers.Allow("a")
		require.True(t, ok)
		f.breakers.OnFailure("a", p)
	}

	_, err := f.router.Dispatch(ctx, prompt("x"))
	var derr *router.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, router.KindNoProviders, derr.Kind)
	assert.ErrorIs(t, err, router.ErrNoProvidersAvailable)
	assert.False(t, derr.Retryable())
	assert.Equal(t, "circuit_open", derr.Excluded["a"])
	assert.Zero(t, f.client.count("a"))
	assert.Equal(t, []string{ledger.EventDispatchRejected}, events(t, f.ledger))
}

func TestDispatch_HardExceededExcludesEveryProvider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    2,
		backends: []router.Backend{{ID: "a", MaxCost: 1}, {ID: "b", MaxCost: 1}},
		behave:   map[string]behaviour{"a": answers(1), "b": answers(1)},
	})
	require.NoError(t, f.budget.Record(ctx, "elsewhere", budget.FromFloat(2)))

	_, err := f.router.Dispatch(ctx, prompt("x"))
	var derr *router.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, router.KindBudgetExhausted, derr.Kind)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.ErrorIs(t, err, router.ErrNoProvidersAvailable)
}

func TestDispatch_GateBlocksBeforeSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "a", MaxCost: 1}},
		behave:   map[string]behaviour{"a": answers(1)},
	})

	req := prompt("gated")
	req.Gate = &gate.Metrics{Rho: 0.5, ECE: 0.001, RhoBias: 1.0, DeltaLInf: 0.05, CostDelta: 0.01, Consent: false, EcoOK: true}
	_, err := f.router.Dispatch(ctx, req)
	var derr *router.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, router.KindGateRejected, derr.Kind)
	assert.ErrorIs(t, err, gate.ErrRejected)
	assert.Zero(t, f.client.count("a"))
	assert.Equal(t, []string{ledger.EventDispatchBlocked}, events(t, f.ledger))

	req.Gate.Consent = true
	_, err = f.router.Dispatch(ctx, req)
	require.NoError(t, err)
}

func TestDispatch_TimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	slow := func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newFixture(t, setup{
		limit: 10,
		backends: []router.Backend{
			{ID: "slow", MaxCost: 0.1, Timeout: 20 * time.Millisecond},
			{ID: "fast", MaxCost: 1},
		},
		behave: map[string]behaviour{"slow": slow, "fast": answers(1)},
	})

	resp, err := f.router.Dispatch(ctx, prompt("x"))
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Provider)
	assert.ErrorIs(t, resp.Attempts[0].Err(), provider.ErrTimeout)
}

func TestDispatch_CallerCancellationStillSettlesCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
		close(started)
		<-release
		return &provider.Result{Content: "late", Cost: 2}, nil
	}
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "p", MaxCost: 3}},
		behave:   map[string]behaviour{"p": blocking},
		cache:    true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.router.Dispatch(ctx, prompt("x"))
		errc <- err
	}()
	<-started
	cancel()
	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return f.ledger.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, budget.FromFloat(2), f.budget.Check("p").Spent)
	assert.Zero(t, f.budget.Check("p").Held)

	resp, err := f.router.Dispatch(context.Background(), prompt("x"))
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, "late", resp.Content)
}

func TestDispatch_CostOverrunIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    3,
		backends: []router.Backend{{ID: "p", MaxCost: 1}},
		behave:   map[string]behaviour{"p": answers(5)},
	})

	resp, err := f.router.Dispatch(ctx, prompt("x"))
	require.NoError(t, err)
	assert.True(t, f.budget.Check("p").HardExceeded)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(resp.Ledger.Payload, &rec))
	assert.Contains(t, rec["budget_error"], "overran")

	_, err = f.router.Dispatch(ctx, prompt("y"))
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
}

func TestDispatch_ConcurrentSpendStaysBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "p", MaxCost: 1}},
		behave:   map[string]behaviour{"p": answers(1)},
	})

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.router.Dispatch(ctx, prompt(fmt.Sprintf("c%d", i))); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok.Load())
	assert.Equal(t, budget.FromFloat(10), f.budget.Check("p").Spent)
	assert.Equal(t, uint64(50), f.ledger.Len())
	rep, err := f.ledger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), rep.Entries)
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{limit: 1})
	good := gate.Metrics{Rho: 0.8, ECE: 0.005, RhoBias: 1.01, DeltaLInf: 0.02, CostDelta: 0.05, Consent: true, EcoOK: true}

	v, err := f.router.Admit(ctx, "promote-v2", good)
	require.NoError(t, err)
	assert.True(t, v.Passed)

	bad := good
	bad.ECE = 0.5
	v, err = f.router.Admit(ctx, "promote-v3", bad)
	assert.ErrorIs(t, err, gate.ErrRejected)
	assert.Equal(t, []string{"calibration"}, v.FailedChecks)

	entries := f.ledger.Entries(1, 10)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.DecisionAdmit, entries[0].Decision)
	assert.Equal(t, ledger.DecisionReject, entries[1].Decision)
	assert.Equal(t, ledger.EventGateVerdict, entries[1].EventType)
}

func TestAdmit_FailsClosedOnBrokenChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{limit: 1, backends: []router.Backend{{ID: "p", MaxCost: 1}},
		behave: map[string]behaviour{"p": answers(1)}})
	good := gate.Metrics{Rho: 0.8, ECE: 0.005, RhoBias: 1.01, DeltaLInf: 0.02, CostDelta: 0.05, Consent: true, EcoOK: true}

	_, err := f.router.Admit(ctx, "first", good)
	require.NoError(t, err)

	f.log.corrupt.Store(true)
	_, err = f.ledger.VerifyChain(ctx)
	require.ErrorIs(t, err, ledger.ErrChainBroken)

	_, err = f.router.Admit(ctx, "second", good)
	assert.ErrorIs(t, err, ledger.ErrChainBroken)
	_, err = f.router.Dispatch(ctx, prompt("x"))
	assert.ErrorIs(t, err, ledger.ErrChainBroken)
	assert.Zero(t, f.client.count("p"))
}

func TestProviders(t *testing.T) {
	f := newFixture(t, setup{
		limit:    10,
		backends: []router.Backend{{ID: "b", MaxCost: 1}, {ID: "a", MaxCost: 2}},
		behave:   map[string]behaviour{"a": answers(2), "b": answers(1)},
	})
	_, err := f.router.Dispatch(context.Background(), prompt("x"))
	require.NoError(t, err)

	ps := f.router.Providers()
	require.Len(t, ps, 2)
	assert.Equal(t, "b", ps[0].ID)
	assert.Equal(t, resiliency.StateClosed, ps[0].Breaker.State)
	assert.Equal(t, int64(1), ps[0].Stats.SuccessesTotal)
	assert.Equal(t, router.DefaultTimeout, ps[1].Timeout)
}
