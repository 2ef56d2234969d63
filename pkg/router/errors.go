package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/budget"
)

var (
	// ErrNoProvidersAvailable means selection left no candidate at all.
	ErrNoProvidersAvailable = errors.New("no providers available")
	// ErrProvidersExhausted means every candidate was tried and failed.
	ErrProvidersExhausted = errors.New("all providers degraded")
)

// Kind tells a caller why a dispatch ended without a response.
type Kind string

const (
	KindBudgetExhausted Kind = "budget_exhausted"
	KindAllDegraded     Kind = "all_degraded"
	KindNoProviders     Kind = "no_providers"
	KindGateRejected    Kind = "gate_rejected"
)

// Attempt records one provider tried during a dispatch.
type Attempt struct {
	Provider  string `json:"provider"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`

	err error
}

// Err returns the attempt's error, or nil if it succeeded.
func (a Attempt) Err() error { return a.err }

// DispatchError is the terminal error of a dispatch.
type DispatchError struct {
	Kind        Kind              `json:"kind"`
	Fingerprint string            `json:"fingerprint"`
	Attempts    []Attempt         `json:"attempts,omitempty"`
	Excluded    map[string]string `json:"excluded,omitempty"`

	causes []error
}

func newDispatchError(kind Kind, fp string, attempts []Attempt, excluded map[string]string, causes ...error) *DispatchError {
	for _, a := range attempts {
		if a.err != nil {
			causes = append(causes, a.err)
		}
	}
	return &DispatchError{Kind: kind, Fingerprint: fp, Attempts: attempts, Excluded: excluded, causes: causes}
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dispatch %s", e.Kind)
	switch e.Kind {
	case KindBudgetExhausted:
		b.WriteString(": budget exhausted")
	case KindAllDegraded:
		b.WriteString(": all providers degraded")
	case KindNoProviders:
		b.WriteString(": no providers available")
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %s", a.Provider, a.Error)
	}
	if e.Kind == KindGateRejected && len(e.causes) > 0 {
		fmt.Fprintf(&b, ": %v", e.causes[0])
	}
	return b.String()
}

// Unwrap exposes the sentinel for the kind plus every attempt error.
func (e *DispatchError) Unwrap() []error { return e.causes }

// Retryable reports whether the same request may succeed later without a
// configuration change. Degraded providers recover; an exhausted budget only
// recovers at the next period and a gate rejection never does.
func (e *DispatchError) Retryable() bool {
	return e.Kind == KindAllDegraded
}

// onlyBudget reports whether every attempt was refused by the budget.
func onlyBudget(attempts []Attempt) bool {
	if len(attempts) == 0 {
		return false
	}
	for _, a := range attempts {
		if !errors.Is(a.err, budget.ErrBudgetExceeded) {
			return false
		}
	}
	return true
}
