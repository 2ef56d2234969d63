package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Storage persists tracker snapshots so a restart inside the same period does
// not forget spend.
type Storage interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Tracker accumulates spend against Limits.
//
// All mutations run under one mutex: the global hard limit is a single shared
// invariant, and splitting the lock per provider would let two callers each
// see headroom that only exists once.
type Tracker struct {
	limits  Limits
	clock   func() time.Time
	storage Storage
	logger  *slog.Logger

	mu           sync.Mutex
	periodStart  time.Time
	spent        Amount
	held         Amount
	providers    map[string]*SpendRecord
	providerHeld map[string]Amount
	softLogged   bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithStorage persists every mutation. A failed save rolls the mutation back.
func WithStorage(s Storage) Option {
	return func(t *Tracker) { t.storage = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker for the given limits.
func NewTracker(limits Limits, opts ...Option) *Tracker {
	t := &Tracker{
		limits:       limits.withDefaults(),
		clock:        time.Now,
		logger:       slog.Default().With("component", "budget"),
		providers:    make(map[string]*SpendRecord),
		providerHeld: make(map[string]Amount),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.periodStart = t.limits.Period.Start(t.clock())
	return t
}

// Restore loads persisted spend. A snapshot from an earlier period is ignored.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	snap, err := t.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("budget: restore: %w", err)
	}
	if snap == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()
	if !snap.PeriodStart.Equal(t.periodStart) {
		t.logger.InfoContext(ctx, "ignoring snapshot from previous period", "snapshot_period", snap.PeriodStart)
		return nil
	}
	t.spent = snap.Spent
	t.providers = make(map[string]*SpendRecord, len(snap.Providers))
	for id, rec := range snap.Providers {
		r := rec
		t.providers[id] = &r
	}
	return nil
}

// Limits returns the configured limits.
func (t *Tracker) Limits() Limits { return t.limits }

// ResetIfNewPeriod rolls the accounting window when the clock has moved into a
// new period. It is idempotent and is called by every other operation.
func (t *Tracker) ResetIfNewPeriod() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()
}

func (t *Tracker) resetIfNewPeriodLocked() {
	start := t.limits.Period.Start(t.clock())
	if !start.After(t.periodStart) {
		return
	}
	t.logger.Info("budget period rolled over",
		"previous_start", t.periodStart, "spent", t.spent.String(), "new_start", start)
	t.periodStart = start
	t.spent = 0
	t.providers = make(map[string]*SpendRecord)
	t.softLogged = false
	// holds belong to calls still in flight and survive the rollover
}

// Check reports the budget state for provider without changing it.
// SoftExceeded is advisory; HardExceeded blocks further spend until reset.
func (t *Tracker) Check(provider string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()
	return t.statusLocked(provider)
}

func (t *Tracker) statusLocked(provider string) Status {
	st := Status{
		Spent:       t.spent,
		Held:        t.held,
		Limit:       t.limits.Hard,
		Provider:    provider,
		PeriodStart: t.periodStart,
	}
	if rec, ok := t.providers[provider]; ok {
		st.ProviderUsed = rec.Spent
	}

	st.HardExceeded = t.spent >= t.limits.Hard
	if c, ok := t.limits.ProviderCaps[provider]; ok {
		st.ProviderCap = c
		if st.ProviderUsed >= c {
			st.HardExceeded = true
		}
	}
	soft := Amount(float64(t.limits.Hard) * t.limits.SoftRatio)
	st.SoftExceeded = t.spent >= soft
	st.OK = !st.HardExceeded
	return st
}

// admitLocked checks whether cost fits on top of current spend and holds.
func (t *Tracker) admitLocked(provider string, cost Amount) error {
	if cost < 0 {
		return fmt.Errorf("budget: negative cost %s", cost)
	}
	if t.spent+t.held+cost > t.limits.Hard {
		return fmt.Errorf("%w: global limit %s, spent %s, held %s, requested %s",
			ErrBudgetExceeded, t.limits.Hard, t.spent, t.held, cost)
	}
	if c, ok := t.limits.ProviderCaps[provider]; ok {
		var used Amount
		if rec, ok := t.providers[provider]; ok {
			used = rec.Spent
		}
		if used+t.providerHeld[provider]+cost > c {
			return fmt.Errorf("%w: provider %s cap %s, spent %s, requested %s",
				ErrBudgetExceeded, provider, c, used, cost)
		}
	}
	return nil
}

// Record charges cost to provider and to the global total. If the charge would
// cross a hard limit it returns ErrBudgetExceeded and applies nothing.
func (t *Tracker) Record(ctx context.Context, provider string, cost Amount) error {
	return t.RecordUsage(ctx, provider, cost, Usage{})
}

// RecordUsage is Record with token counts.
func (t *Tracker) RecordUsage(ctx context.Context, provider string, cost Amount, usage Usage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()

	if err := t.admitLocked(provider, cost); err != nil {
		t.logger.WarnContext(ctx, "charge rejected", "provider", provider, "cost", cost.String(), "error", err)
		return err
	}
	return t.chargeLocked(ctx, provider, cost, usage)
}

// chargeLocked applies a charge and persists it, rolling back on save failure.
func (t *Tracker) chargeLocked(ctx context.Context, provider string, cost Amount, usage Usage) error {
	rec, ok := t.providers[provider]
	if !ok {
		rec = &SpendRecord{Provider: provider}
		t.providers[provider] = rec
	}
	prevRec := *rec
	prevSpent := t.spent

	rec.Spent += cost
	rec.Requests++
	rec.InputTokens += usage.InputTokens
	rec.OutputTokens += usage.OutputTokens
	t.spent += cost

	if t.storage != nil {
		if err := t.storage.Save(ctx, t.snapshotLocked()); err != nil {
			*rec = prevRec
			t.spent = prevSpent
			if !ok {
				delete(t.providers, provider)
			}
			return fmt.Errorf("budget: persist spend: %w", err)
		}
	}

	if !t.softLogged && t.statusLocked(provider).SoftExceeded {
		t.softLogged = true
		t.logger.WarnContext(ctx, "soft budget threshold reached",
			"spent", t.spent.String(), "limit", t.limits.Hard.String(), "ratio", t.limits.SoftRatio)
	}
	return nil
}

// Reservation holds part of the budget for a call in flight.
type Reservation struct {
	ID       string
	Provider string
	Amount   Amount

	t    *Tracker
	once sync.Once
}

// Reserve holds estimate for provider before it is called, so a call that
// could cross the hard limit is refused before the provider is contacted.
func (t *Tracker) Reserve(ctx context.Context, provider string, estimate Amount) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()

	if err := t.admitLocked(provider, estimate); err != nil {
		t.logger.WarnContext(ctx, "reservation rejected", "provider", provider, "estimate", estimate.String(), "error", err)
		return nil, err
	}
	t.held += estimate
	t.providerHeld[provider] += estimate
	return &Reservation{ID: uuid.NewString(), Provider: provider, Amount: estimate, t: t}, nil
}

func (t *Tracker) releaseLocked(r *Reservation) {
	t.held -= r.Amount
	t.providerHeld[r.Provider] -= r.Amount
	if t.providerHeld[r.Provider] <= 0 {
		delete(t.providerHeld, r.Provider)
	}
}

// Release drops the hold without charging. Safe to call more than once and
// after Commit (later calls are no-ops).
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.t.mu.Lock()
		defer r.t.mu.Unlock()
		r.t.releaseLocked(r)
	})
}

// Commit converts the hold into spend of the actual cost.
//
// The hold is released first. If actual still fits it is charged in full.
// Otherwise only the headroom left after other callers' holds is recorded and
// the returned error wraps ErrBudgetExceeded. Spent plus held never passes the
// hard limit, so the tracker reports hard-exceeded only once those holds are
// committed at their reserved amount; a release frees their share again.
func (r *Reservation) Commit(ctx context.Context, actual Amount, usage Usage) error {
	var err error
	committed := false
	r.once.Do(func() {
		committed = true
		t := r.t
		t.mu.Lock()
		defer t.mu.Unlock()
		t.releaseLocked(r)
		t.resetIfNewPeriodLocked()

		if actual < 0 {
			actual = 0
		}
		if admitErr := t.admitLocked(r.Provider, actual); admitErr == nil {
			err = t.chargeLocked(ctx, r.Provider, actual, usage)
			return
		}

		headroom := t.headroomLocked(r.Provider)
		t.logger.ErrorContext(ctx, "provider cost overran reservation",
			"provider", r.Provider, "reserved", r.Amount.String(), "actual", actual.String(),
			"recorded", headroom.String())
		if chargeErr := t.chargeLocked(ctx, r.Provider, headroom, usage); chargeErr != nil {
			err = chargeErr
			return
		}
		err = fmt.Errorf("%w: provider %s overran estimate %s with %s, %s unrecorded",
			ErrBudgetExceeded, r.Provider, r.Amount, actual, actual-headroom)
	})
	if !committed {
		return fmt.Errorf("budget: reservation %s already settled", r.ID)
	}
	return err
}

func (t *Tracker) headroomLocked(provider string) Amount {
	h := t.limits.Hard - t.spent - t.held
	if c, ok := t.limits.ProviderCaps[provider]; ok {
		var used Amount
		if rec, ok := t.providers[provider]; ok {
			used = rec.Spent
		}
		if ph := c - used - t.providerHeld[provider]; ph < h {
			h = ph
		}
	}
	if h < 0 {
		return 0
	}
	return h
}

// Records returns a copy of the per-provider spend for the current period.
func (t *Tracker) Records() []SpendRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()
	out := make([]SpendRecord, 0, len(t.providers))
	for _, rec := range t.providers {
		out = append(out, *rec)
	}
	return out
}

// Snapshot returns the persisted form of the current state.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfNewPeriodLocked()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		PeriodStart: t.periodStart,
		Spent:       t.spent,
		Providers:   make(map[string]SpendRecord, len(t.providers)),
	}
	for id, rec := range t.providers {
		snap.Providers[id] = *rec
	}
	return snap
}
