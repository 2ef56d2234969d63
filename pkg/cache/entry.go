// Package cache is a two-tier response cache keyed by request fingerprint.
// Every entry carries an HMAC tag; an entry that fails verification is
// treated as a miss and purged from both tiers.
package cache

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// ErrIntegrityViolation marks an entry whose tag does not verify.
var ErrIntegrityViolation = errors.New("cache integrity violation")

// Entry is one cached response.
type Entry struct {
	Fingerprint string        `json:"fingerprint"`
	Payload     []byte        `json:"payload"`
	Tag         []byte        `json:"tag"`
	CreatedAt   time.Time     `json:"created_at"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether now is past CreatedAt+TTL.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Tag = append([]byte(nil), e.Tag...)
	return &c
}

// computeTag returns HMAC-SHA256 over the length-prefixed fingerprint, the
// creation time, the TTL and the length-prefixed payload.
func computeTag(key []byte, fingerprint string, createdAt time.Time, ttl time.Duration, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(fingerprint)))
	mac.Write(n[:])
	mac.Write([]byte(fingerprint))
	binary.BigEndian.PutUint64(n[:], uint64(createdAt.UnixNano()))
	mac.Write(n[:])
	binary.BigEndian.PutUint64(n[:], uint64(ttl))
	mac.Write(n[:])
	binary.BigEndian.PutUint64(n[:], uint64(len(payload)))
	mac.Write(n[:])
	mac.Write(payload)
	return mac.Sum(nil)
}

func verifyTag(key []byte, e *Entry) bool {
	want := computeTag(key, e.Fingerprint, e.CreatedAt, e.TTL, e.Payload)
	return hmac.Equal(want, e.Tag)
}

// Tier is one level of the cache. Get returns (nil, nil) on a miss.
type Tier interface {
	Name() string
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fingerprint string) error
}
