// Package analytics keeps rolling per-provider outcome statistics that feed
// provider ranking.
package analytics

import (
	"sort"
	"sync"
	"time"
)

// ProviderStats is a read-only copy of one provider's statistics.
type ProviderStats struct {
	Provider        string        `json:"provider"`
	RequestsTotal   int64         `json:"requests_total"`
	SuccessesTotal  int64         `json:"successes_total"`
	FailuresTotal   int64         `json:"failures_total"`
	CostTotal       float64       `json:"cost_total"`
	LatencySamples  int           `json:"latency_samples"`
	P50             time.Duration `json:"p50"`
	P95             time.Duration `json:"p95"`
	P99             time.Duration `json:"p99"`
	LastOutcomeTime time.Time     `json:"last_outcome_time,omitempty"`
}

// SuccessRate returns successes/requests, or 1 with no history.
func (s ProviderStats) SuccessRate() float64 {
	if s.RequestsTotal == 0 {
		return 1
	}
	return float64(s.SuccessesTotal) / float64(s.RequestsTotal)
}

// AvgCost returns the mean cost of successful calls, or 0 with none.
func (s ProviderStats) AvgCost() float64 {
	if s.SuccessesTotal == 0 {
		return 0
	}
	return s.CostTotal / float64(s.SuccessesTotal)
}

type stats struct {
	mu        sync.Mutex
	requests  int64
	successes int64
	failures  int64
	cost      float64
	latency   *Reservoir
	last      time.Time
}

// Tracker is an arena of per-provider stats, each with its own lock.
type Tracker struct {
	reservoirSize int
	clock         func() time.Time

	mu        sync.RWMutex
	providers map[string]*stats
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithReservoirSize sets how many latency samples each provider keeps.
func WithReservoirSize(n int) Option {
	return func(t *Tracker) { t.reservoirSize = n }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		reservoirSize: DefaultReservoirSize,
		clock:         time.Now,
		providers:     make(map[string]*stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(provider string) *stats {
	t.mu.RLock()
	s, ok := t.providers[provider]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.providers[provider]; ok {
		return s
	}
	s = &stats{latency: NewReservoir(t.reservoirSize)}
	t.providers[provider] = s
	return s
}

// RecordOutcome records one provider attempt. Cost is counted for successes only.
func (t *Tracker) RecordOutcome(provider string, success bool, latency time.Duration, cost float64) {
	s := t.get(provider)
	now := t.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if success {
		s.successes++
		s.cost += cost
	} else {
		s.failures++
	}
	s.latency.Add(latency)
	s.last = now
}

// Snapshot copies provider's counters under its lock and computes percentiles
// afterwards, so writers are held only for the copy.
func (t *Tracker) Snapshot(provider string) ProviderStats {
	t.mu.RLock()
	s, ok := t.providers[provider]
	t.mu.RUnlock()
	out := ProviderStats{Provider: provider}
	if !ok {
		return out
	}

	s.mu.Lock()
	out.RequestsTotal = s.requests
	out.SuccessesTotal = s.successes
	out.FailuresTotal = s.failures
	out.CostTotal = s.cost
	out.LastOutcomeTime = s.last
	samples := s.latency.Copy()
	s.mu.Unlock()

	out.LatencySamples = len(samples)
	out.P50 = Percentile(samples, 50)
	out.P95 = Percentile(samples, 95)
	out.P99 = Percentile(samples, 99)
	return out
}

// All returns snapshots for every provider seen, sorted by ID.
func (t *Tracker) All() []ProviderStats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.providers))
	for id := range t.providers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	out := make([]ProviderStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Snapshot(id))
	}
	return out
}
