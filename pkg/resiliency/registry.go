package resiliency

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is an arena of breakers indexed by provider ID. Breakers are
// created on first use and each carries its own lock, so contention stays
// per provider.
type Registry struct {
	settings     Settings
	clock        func() time.Time
	logger       *slog.Logger
	onTransition TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithTransitionHook registers an observer for state changes (metrics).
func WithTransitionHook(fn TransitionFunc) RegistryOption {
	return func(r *Registry) { r.onTransition = fn }
}

func NewRegistry(settings Settings, opts ...RegistryOption) *Registry {
	r := &Registry{
		settings: settings.withDefaults(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "circuit_breaker"),
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for provider, creating it if needed.
func (r *Registry) Breaker(provider string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, r.settings)
	cb.clock = r.clock
	cb.logger = r.logger
	cb.onTransition = r.onTransition
	r.breakers[provider] = cb
	return cb
}

// Allow asks provider's breaker for a permit. The permit goes back with the
// result through OnSuccess or OnFailure.
func (r *Registry) Allow(provider string) (Permit, bool) { return r.Breaker(provider).Allow() }

func (r *Registry) OnSuccess(provider string, p Permit) { r.Breaker(provider).Success(p) }

func (r *Registry) OnFailure(provider string, p Permit) { r.Breaker(provider).Failure(p) }

// IsOpen reports whether provider is currently refusing traffic.
func (r *Registry) IsOpen(provider string) bool { return r.Breaker(provider).IsOpen() }

// Snapshot returns every known breaker sorted by provider.
func (r *Registry) Snapshot() []BreakerSnapshot {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
