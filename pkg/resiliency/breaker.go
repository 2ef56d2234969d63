// Package resiliency isolates failing providers behind per-provider circuit
// breakers. Recovery is lazy: Allow moves an OPEN breaker to HALF_OPEN once the
// recovery timeout has elapsed, so no timer goroutine is needed.
package resiliency

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrProviderUnavailable is returned when a provider's circuit is open.
var ErrProviderUnavailable = errors.New("provider unavailable: circuit open")

// State is a breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// legal lists every permitted transition.
var legal = map[State][]State{
	StateClosed:   {StateOpen},
	StateOpen:     {StateHalfOpen},
	StateHalfOpen: {StateClosed, StateOpen},
}

func canTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Settings configures breakers.
type Settings struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// DefaultSettings returns a threshold of 5 failures and a 30s recovery timeout.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = d.RecoveryTimeout
	}
	return s
}

// TransitionFunc observes state changes. It is called with the breaker lock held
// and must not call back into the breaker.
type TransitionFunc func(name string, from, to State)

// CircuitBreaker implements the CLOSED / OPEN / HALF_OPEN state machine for one
// provider.
type CircuitBreaker struct {
	mu                  sync.Mutex
	name                string
	settings            Settings
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	generation          uint64 // bumped on every transition

	clock        func() time.Time
	logger       *slog.Logger
	onTransition TransitionFunc
}

func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	return &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
		clock:    time.Now,
		logger:   slog.Default().With("component", "circuit_breaker"),
	}
}

// transition moves to the target state, refusing anything outside the table.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if !canTransition(from, to) {
		// unreachable from the public methods; kept as a hard guard
		panic(fmt.Sprintf("resiliency: illegal transition %s -> %s for %s", from, to, cb.name))
	}
	cb.state = to
	cb.generation++
	if to == StateOpen {
		cb.openedAt = cb.clock()
	}
	if to != StateHalfOpen {
		cb.probeInFlight = false
	}
	cb.logger.Warn("circuit transition", "provider", cb.name, "from", from, "to", to,
		"consecutive_failures", cb.consecutiveFailures)
	if cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
}

// Permit is handed out by Allow and must be passed back with the call's
// result. It ties the result to the breaker state the call was admitted under.
type Permit struct {
	generation uint64
	probe      bool
}

// Probe reports whether the permit is the single HALF_OPEN probe.
func (p Permit) Probe() bool { return p.probe }

// Allow reports whether a call may be sent. In HALF_OPEN exactly one caller is
// granted the probe; everyone else is refused until the probe settles.
func (cb *CircuitBreaker) Allow() (Permit, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return Permit{generation: cb.generation}, true
	case StateOpen:
		if cb.clock().Sub(cb.openedAt) < cb.settings.RecoveryTimeout {
			return Permit{}, false
		}
		cb.transition(StateHalfOpen)
		cb.probeInFlight = true
		return Permit{generation: cb.generation, probe: true}, true
	case StateHalfOpen:
		if cb.probeInFlight {
			return Permit{}, false
		}
		cb.probeInFlight = true
		return Permit{generation: cb.generation, probe: true}, true
	}
	return Permit{}, false
}

// stale reports whether p was issued under an earlier state. Stale results
// never move the breaker: only the current probe settles HALF_OPEN.
func (cb *CircuitBreaker) stale(p Permit) bool {
	if p.generation != cb.generation {
		cb.logger.Debug("ignoring result admitted under an earlier state", "provider", cb.name,
			"permit_generation", p.generation, "generation", cb.generation, "state", cb.state)
		return true
	}
	return false
}

// Success resets the failure counter and closes a half-open breaker when p
// is its probe.
func (cb *CircuitBreaker) Success(p Permit) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stale(p) {
		return
	}
	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen && p.probe {
		cb.transition(StateClosed)
	}
}

// Failure counts a failure. A failed probe reopens immediately; a closed breaker
// opens once the threshold is reached.
func (cb *CircuitBreaker) Failure(p Permit) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stale(p) {
		if cb.state == StateOpen {
			cb.consecutiveFailures++
		}
		return
	}
	cb.consecutiveFailures++
	switch cb.state {
	case StateHalfOpen:
		if p.probe {
			cb.transition(StateOpen)
		}
	case StateClosed:
		if cb.consecutiveFailures >= cb.settings.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// BreakerSnapshot is a point-in-time copy of a breaker.
type BreakerSnapshot struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
	Generation          uint64    `json:"generation"`
}

// Snapshot reports the current state. An OPEN breaker whose timeout has
// elapsed is still reported OPEN until the next Allow.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Provider:            cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		ProbeInFlight:       cb.probeInFlight,
		Generation:          cb.generation,
	}
}

// IsOpen reports whether the breaker currently refuses traffic, without
// claiming a probe.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return cb.clock().Sub(cb.openedAt) < cb.settings.RecoveryTimeout
	case StateHalfOpen:
		return cb.probeInFlight
	}
	return false
}
