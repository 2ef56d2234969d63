// Package archive exports verified ledger segments to durable object storage.
// A segment is JCS-encoded, sealed with an HMAC, and addressed by the hash of
// its last entry, so re-archiving the same head is idempotent.
package archive

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/canonicalize"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
)

// SegmentFormat identifies the encoding.
const SegmentFormat = "sigmaguard.ledger.segment/v1"

// ErrBadSeal is returned when a segment's seal does not verify.
var ErrBadSeal = errors.New("archive: segment seal does not verify")

// Segment is a contiguous, verified run of ledger entries.
type Segment struct {
	Format    string         `json:"format"`
	From      uint64         `json:"from"`
	To        uint64         `json:"to"`
	PrevHash  string         `json:"prev_hash"`
	HeadHash  string         `json:"head_hash"`
	CreatedAt time.Time      `json:"created_at"`
	Entries   []ledger.Entry `json:"entries"`
	Seal      string         `json:"seal,omitempty"`
}

func seal(key []byte, s *Segment) (string, error) {
	unsealed := *s
	unsealed.Seal = ""
	raw, err := canonicalize.JCS(unsealed)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Encode seals s and returns its JCS encoding.
func Encode(key []byte, s *Segment) ([]byte, error) {
	var err error
	if s.Seal, err = seal(key, s); err != nil {
		return nil, fmt.Errorf("archive: seal segment: %w", err)
	}
	return canonicalize.JCS(s)
}

// Decode parses data, checks the seal and re-verifies the chain inside it.
func Decode(key []byte, data []byte) (*Segment, error) {
	var s Segment
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("archive: decode segment: %w", err)
	}
	if s.Format != SegmentFormat {
		return nil, fmt.Errorf("archive: unknown segment format %q", s.Format)
	}
	want, err := seal(key, &s)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(want), []byte(s.Seal)) {
		return nil, ErrBadSeal
	}
	prev := s.PrevHash
	for i := range s.Entries {
		e := &s.Entries[i]
		h, err := ledger.ComputeHash(e)
		if err != nil {
			return nil, err
		}
		if e.PrevHash != prev || h != e.ThisHash || e.SequenceNo != s.From+uint64(i) {
			return nil, fmt.Errorf("%w: archived entry %d", ledger.ErrChainBroken, e.SequenceNo)
		}
		prev = e.ThisHash
	}
	if prev != s.HeadHash {
		return nil, fmt.Errorf("%w: archived head mismatch", ledger.ErrChainBroken)
	}
	return &s, nil
}

// Build verifies the ledger and returns the entries from sequence number from
// through the current head. A broken chain is never archived.
func Build(ctx context.Context, l *ledger.Ledger, from uint64, now time.Time) (*Segment, error) {
	if _, err := l.VerifyChain(ctx); err != nil {
		return nil, fmt.Errorf("archive: refusing to archive: %w", err)
	}
	n := l.Len()
	if from == 0 {
		from = 1
	}
	if from > n {
		return nil, fmt.Errorf("archive: nothing to archive after entry %d (ledger has %d)", from-1, n)
	}
	entries := l.Entries(from, int(n-from+1))
	return &Segment{
		Format:    SegmentFormat,
		From:      from,
		To:        entries[len(entries)-1].SequenceNo,
		PrevHash:  entries[0].PrevHash,
		HeadHash:  entries[len(entries)-1].ThisHash,
		CreatedAt: now.UTC(),
		Entries:   entries,
	}, nil
}
