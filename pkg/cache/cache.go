package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultTTL applies when Put is given a non-positive ttl.
const DefaultTTL = time.Hour

// EventRecorder receives hit / miss / integrity events (metrics).
type EventRecorder interface {
	RecordCacheEvent(ctx context.Context, kind string)
}

// Stats are cumulative counters.
type Stats struct {
	Hits                int64 `json:"hits"`
	Misses              int64 `json:"misses"`
	IntegrityViolations int64 `json:"integrity_violations"`
	Expired             int64 `json:"expired"`
	Promotions          int64 `json:"promotions"`
	SlowTierErrors      int64 `json:"slow_tier_errors"`
	Evictions           int64 `json:"evictions"`
}

// Cache is the two-tier integrity cache.
type Cache struct {
	key        []byte
	fast       *LRUTier
	slow       Tier
	defaultTTL time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	events     EventRecorder

	hits, misses, violations, expired, promotions, slowErrors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithSlowTier sets the persistent tier. Without one the cache is single-tier.
func WithSlowTier(t Tier) Option { return func(c *Cache) { c.slow = t } }

// WithFastCapacity sets the LRU capacity.
func WithFastCapacity(n int) Option { return func(c *Cache) { c.fast = NewLRUTier(n) } }

// WithDefaultTTL sets the TTL used when Put receives none.
func WithDefaultTTL(d time.Duration) Option { return func(c *Cache) { c.defaultTTL = d } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(c *Cache) { c.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithEvents registers a metrics sink.
func WithEvents(r EventRecorder) Option { return func(c *Cache) { c.events = r } }

// New creates a cache that tags entries with key (at least 32 bytes).
func New(key []byte, opts ...Option) (*Cache, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("cache: MAC key must be at least 32 bytes, got %d", len(key))
	}
	c := &Cache{
		key:        append([]byte(nil), key...),
		fast:       NewLRUTier(DefaultFastCapacity),
		defaultTTL: DefaultTTL,
		clock:      time.Now,
		logger:     slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) event(ctx context.Context, kind string) {
	if c.events != nil {
		c.events.RecordCacheEvent(ctx, kind)
	}
}

// Get returns the payload cached under fingerprint. Expired entries and
// entries whose tag does not verify are purged and reported as misses.
func (c *Cache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	if e, _ := c.fast.Get(ctx, fingerprint); e != nil {
		if payload, ok := c.accept(ctx, e, c.fast.Name()); ok {
			c.hits.Add(1)
			c.event(ctx, "hit")
			return payload, true
		}
	} else if c.slow != nil {
		e, err := c.slow.Get(ctx, fingerprint)
		switch {
		case errors.Is(err, ErrIntegrityViolation):
			c.violation(ctx, fingerprint, c.slow.Name(), err)
		case err != nil:
			c.slowErrors.Add(1)
			c.logger.WarnContext(ctx, "slow tier read failed", "tier", c.slow.Name(), "fingerprint", fingerprint, "error", err)
		case e != nil:
			if payload, ok := c.accept(ctx, e, c.slow.Name()); ok {
				_ = c.fast.Set(ctx, e)
				c.promotions.Add(1)
				c.hits.Add(1)
				c.event(ctx, "hit")
				return payload, true
			}
		}
	}
	c.misses.Add(1)
	c.event(ctx, "miss")
	return nil, false
}

// accept verifies and expiry-checks e, purging it on failure.
func (c *Cache) accept(ctx context.Context, e *Entry, tier string) ([]byte, bool) {
	if !verifyTag(c.key, e) {
		c.violation(ctx, e.Fingerprint, tier, ErrIntegrityViolation)
		return nil, false
	}
	if e.Expired(c.clock()) {
		c.expired.Add(1)
		c.purge(ctx, e.Fingerprint)
		return nil, false
	}
	return e.Payload, true
}

func (c *Cache) violation(ctx context.Context, fingerprint, tier string, err error) {
	c.violations.Add(1)
	c.event(ctx, "integrity_violation")
	c.logger.ErrorContext(ctx, "cache integrity violation, entry purged",
		"tier", tier, "fingerprint", fingerprint, "error", err)
	c.purge(ctx, fingerprint)
}

func (c *Cache) purge(ctx context.Context, fingerprint string) {
	_ = c.fast.Delete(ctx, fingerprint)
	if c.slow == nil {
		return
	}
	if err := c.slow.Delete(ctx, fingerprint); err != nil {
		c.slowErrors.Add(1)
		c.logger.WarnContext(ctx, "slow tier delete failed", "tier", c.slow.Name(), "fingerprint", fingerprint, "error", err)
	}
}

// Put tags payload and stores it in both tiers. A slow-tier failure is logged
// and returned; the fast tier still holds the entry.
func (c *Cache) Put(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.clock()
	e := &Entry{
		Fingerprint: fingerprint,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   now,
		TTL:         ttl,
	}
	e.Tag = computeTag(c.key, e.Fingerprint, e.CreatedAt, e.TTL, e.Payload)

	_ = c.fast.Set(ctx, e)
	if c.slow != nil {
		if err := c.slow.Set(ctx, e); err != nil {
			c.slowErrors.Add(1)
			c.logger.WarnContext(ctx, "slow tier write failed", "tier", c.slow.Name(), "fingerprint", fingerprint, "error", err)
			return fmt.Errorf("cache: slow tier %s: %w", c.slow.Name(), err)
		}
	}
	return nil
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:                c.hits.Load(),
		Misses:              c.misses.Load(),
		IntegrityViolations: c.violations.Load(),
		Expired:             c.expired.Load(),
		Promotions:          c.promotions.Load(),
		SlowTierErrors:      c.slowErrors.Load(),
		Evictions:           c.fast.Evictions(),
	}
}
