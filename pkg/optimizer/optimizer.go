// Package optimizer ranks providers by a composite cost / latency / reliability
// / quality score and plans fallback order when a provider fails.
package optimizer

import (
	"sort"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/analytics"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
)

// Provider is the static description of a backend used for ranking.
type Provider struct {
	ID string `json:"id"`
	// Cost is the declared maximum cost per call, used until history exists.
	Cost float64 `json:"cost"`
	// Quality in [0,1]; higher is preferred.
	Quality float64 `json:"quality"`
}

// Weights scale each score term. Lower scores rank first.
type Weights struct {
	Cost    float64 `json:"cost" yaml:"cost"`
	Latency float64 `json:"latency" yaml:"latency"`
	Failure float64 `json:"failure" yaml:"failure"`
	Quality float64 `json:"quality" yaml:"quality"`
}

// DefaultWeights favours cheap, reliable providers.
func DefaultWeights() Weights {
	return Weights{Cost: 0.4, Latency: 0.2, Failure: 0.3, Quality: 0.1}
}

// neutralLatency is the normalised latency assumed for a provider with no samples.
const neutralLatency = 0.5

// BudgetView reports budget state per provider.
type BudgetView interface {
	Check(provider string) budget.Status
}

// BreakerView reports whether a provider's circuit refuses traffic.
// It must not claim a half-open probe.
type BreakerView interface {
	IsOpen(provider string) bool
}

// StatsView supplies provider history.
type StatsView interface {
	Snapshot(provider string) analytics.ProviderStats
}

// Exclusion reasons.
const (
	ExcludedBudget  = "budget"
	ExcludedCircuit = "circuit_open"
)

// Ranked is one eligible provider with its score.
type Ranked struct {
	Provider Provider `json:"provider"`
	Score    float64  `json:"score"`
}

// Ranking is the result of Select.
type Ranking struct {
	Ordered  []Ranked          `json:"ordered"`
	Excluded map[string]string `json:"excluded,omitempty"`
}

// IDs returns the ranked provider IDs.
func (r Ranking) IDs() []string {
	out := make([]string, len(r.Ordered))
	for i, c := range r.Ordered {
		out[i] = c.Provider.ID
	}
	return out
}

// AllBudgetExcluded reports whether every provider was dropped for budget.
func (r Ranking) AllBudgetExcluded() bool {
	if len(r.Ordered) > 0 || len(r.Excluded) == 0 {
		return false
	}
	for _, why := range r.Excluded {
		if why != ExcludedBudget {
			return false
		}
	}
	return true
}

// Optimizer ranks providers. It holds no mutable state of its own.
type Optimizer struct {
	weights  Weights
	budget   BudgetView
	breakers BreakerView
	stats    StatsView
}

func New(weights Weights, b BudgetView, br BreakerView, s StatsView) *Optimizer {
	return &Optimizer{weights: weights, budget: b, breakers: br, stats: s}
}

type features struct {
	p       Provider
	cost    float64
	latency time.Duration
	hasLat  bool
	success float64
}

// Select drops providers that are hard-exceeded or circuit-open and orders the
// rest by ascending score, ties broken by ascending ID.
func (o *Optimizer) Select(providers []Provider) Ranking {
	r := Ranking{Excluded: make(map[string]string)}

	var feats []features
	for _, p := range providers {
		if o.budget != nil && o.budget.Check(p.ID).HardExceeded {
			r.Excluded[p.ID] = ExcludedBudget
			continue
		}
		if o.breakers != nil && o.breakers.IsOpen(p.ID) {
			r.Excluded[p.ID] = ExcludedCircuit
			continue
		}
		f := features{p: p, cost: p.Cost, success: 1}
		if o.stats != nil {
			s := o.stats.Snapshot(p.ID)
			if s.SuccessesTotal > 0 {
				f.cost = s.AvgCost()
			}
			if s.LatencySamples > 0 {
				f.latency, f.hasLat = s.P95, true
			}
			f.success = s.SuccessRate()
		}
		feats = append(feats, f)
	}

	var maxCost float64
	var maxLat time.Duration
	for _, f := range feats {
		if f.cost > maxCost {
			maxCost = f.cost
		}
		if f.hasLat && f.latency > maxLat {
			maxLat = f.latency
		}
	}

	for _, f := range feats {
		normCost := 0.0
		if maxCost > 0 {
			normCost = f.cost / maxCost
		}
		normLat := neutralLatency
		if f.hasLat {
			normLat = 0
			if maxLat > 0 {
				normLat = float64(f.latency) / float64(maxLat)
			}
		}
		score := o.weights.Cost*normCost +
			o.weights.Latency*normLat +
			o.weights.Failure*(1-f.success) -
			o.weights.Quality*f.p.Quality
		r.Ordered = append(r.Ordered, Ranked{Provider: f.p, Score: score})
	}

	sort.SliceStable(r.Ordered, func(i, j int) bool {
		a, b := r.Ordered[i], r.Ordered[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return a.Provider.ID < b.Provider.ID
	})
	return r
}

// PlanFallback returns the remaining candidates after failed, in their
// existing order, dropping every provider already tried in this request and
// any whose breaker is now open.
func PlanFallback(failed string, candidates []string, tried map[string]bool, isOpen func(string) bool) []string {
	out := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if id == failed || tried[id] || seen[id] {
			continue
		}
		if isOpen != nil && isOpen(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
