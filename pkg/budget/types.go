// Package budget enforces spend ceilings with fail-closed, reject-before-apply
// semantics. A charge that would cross the hard limit is refused and nothing is
// applied; the accounting period rolls over lazily on the next call.
package budget

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrBudgetExceeded is returned when a charge would cross a hard limit.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Amount is a monetary value in micro-units of the configured currency.
// Integer math keeps accumulation exact.
type Amount int64

// Unit is one whole currency unit.
const Unit Amount = 1_000_000

// FromFloat converts a decimal amount (e.g. 4.25) to micro-units.
func FromFloat(v float64) Amount {
	return Amount(math.Round(v * float64(Unit)))
}

// Float returns the amount in whole currency units.
func (a Amount) Float() float64 {
	return float64(a) / float64(Unit)
}

func (a Amount) String() string {
	return strconv.FormatFloat(a.Float(), 'f', -1, 64)
}

// Period is the accounting window after which spend resets.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Start returns the beginning of the period containing t, in UTC.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	if p == PeriodMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Limits configures a Tracker. They are fixed for the life of the process.
type Limits struct {
	// Hard is the global ceiling for one period. Zero means nothing may be spent.
	Hard Amount `json:"hard" yaml:"hard"`
	// SoftRatio marks the advisory threshold as a fraction of Hard (default 0.95).
	SoftRatio float64 `json:"soft_ratio" yaml:"soft_ratio"`
	// Period selects the accounting window (default daily).
	Period Period `json:"period" yaml:"period"`
	// ProviderCaps optionally bounds individual providers inside the global limit.
	ProviderCaps map[string]Amount `json:"provider_caps,omitempty" yaml:"provider_caps,omitempty"`
}

func (l Limits) withDefaults() Limits {
	if l.SoftRatio <= 0 || l.SoftRatio > 1 {
		l.SoftRatio = 0.95
	}
	if l.Period == "" {
		l.Period = PeriodDaily
	}
	caps := make(map[string]Amount, len(l.ProviderCaps))
	for k, v := range l.ProviderCaps {
		caps[k] = v
	}
	l.ProviderCaps = caps
	return l
}

// Validate reports configuration errors.
func (l Limits) Validate() error {
	if l.Hard < 0 {
		return fmt.Errorf("budget: hard limit must not be negative")
	}
	if l.Period != "" && l.Period != PeriodDaily && l.Period != PeriodMonthly {
		return fmt.Errorf("budget: unknown period %q", l.Period)
	}
	for p, c := range l.ProviderCaps {
		if c < 0 {
			return fmt.Errorf("budget: cap for %s must not be negative", p)
		}
	}
	return nil
}

// Usage carries token counts reported by a provider.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// SpendRecord is the per-provider accumulation for the current period.
type SpendRecord struct {
	Provider     string `json:"provider"`
	Spent        Amount `json:"spent"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Status is the read-only view returned by Check.
type Status struct {
	OK           bool      `json:"ok"`
	SoftExceeded bool      `json:"soft_exceeded"`
	HardExceeded bool      `json:"hard_exceeded"`
	Spent        Amount    `json:"spent"`
	Held         Amount    `json:"held"`
	Limit        Amount    `json:"limit"`
	Provider     string    `json:"provider,omitempty"`
	ProviderCap  Amount    `json:"provider_cap,omitempty"`
	ProviderUsed Amount    `json:"provider_used"`
	PeriodStart  time.Time `json:"period_start"`
}

// Remaining returns how much can still be charged globally, ignoring holds.
func (s Status) Remaining() Amount {
	r := s.Limit - s.Spent
	if r < 0 {
		return 0
	}
	return r
}

// Snapshot is the persisted state of a Tracker.
type Snapshot struct {
	PeriodStart time.Time              `json:"period_start"`
	Spent       Amount                 `json:"spent"`
	Providers   map[string]SpendRecord `json:"providers"`
}
