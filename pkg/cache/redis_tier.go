package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/canonicalize"
	"github.com/redis/go-redis/v9"
)

// RedisTier is a shared slow tier. Values are JCS-encoded entries and Redis
// expires them at CreatedAt+TTL.
type RedisTier struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRedisTier wraps an existing client. Keys are "<prefix><fingerprint>".
func NewRedisTier(client redis.UniversalClient, prefix string) *RedisTier {
	if prefix == "" {
		prefix = "sigmaguard:cache:"
	}
	return &RedisTier{client: client, prefix: prefix, clock: time.Now}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	raw, err := t.client.Get(ctx, t.prefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%w: undecodable redis value", ErrIntegrityViolation)
	}
	return &e, nil
}

func (t *RedisTier) Set(ctx context.Context, e *Entry) error {
	remaining := e.CreatedAt.Add(e.TTL).Sub(t.clock())
	if remaining <= 0 {
		return nil
	}
	raw, err := canonicalize.JCS(e)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.prefix+e.Fingerprint, raw, remaining).Err()
}

func (t *RedisTier) Delete(ctx context.Context, fingerprint string) error {
	return t.client.Del(ctx, t.prefix+fingerprint).Err()
}
