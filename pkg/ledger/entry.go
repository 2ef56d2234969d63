package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/canonicalize"
)

// ErrChainBroken reports a hash chain that does not verify.
var ErrChainBroken = errors.New("ledger chain broken")

// GenesisHash is the prev_hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Event types written by the dispatch pipeline.
const (
	EventDispatchSuccess   = "dispatch_success"
	EventDispatchExhausted = "dispatch_exhausted"
	EventDispatchRejected  = "dispatch_rejected"
	EventDispatchBlocked   = "dispatch_blocked"
	EventGateVerdict       = "gate_verdict"
)

// Decisions.
const (
	DecisionAdmit  = "admit"
	DecisionReject = "reject"
)

// Entry is one immutable ledger record.
type Entry struct {
	ID         string          `json:"id"`
	SequenceNo uint64          `json:"sequence_no"`
	Timestamp  time.Time       `json:"timestamp"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Decision   string          `json:"decision"`
	PrevHash   string          `json:"prev_hash"`
	ThisHash   string          `json:"this_hash"`
}

// hashBody is the canonical content covered by this_hash.
type hashBody struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Decision   string          `json:"decision"`
	Timestamp  time.Time       `json:"timestamp"`
	SequenceNo uint64          `json:"sequence_no"`
	EventType  string          `json:"event_type"`
}

// ComputeHash returns sha256(prev_hash ‖ JCS(body)) in hex.
func ComputeHash(e *Entry) (string, error) {
	body, err := canonicalize.JCS(hashBody{
		ID:         e.ID,
		Payload:    e.Payload,
		Decision:   e.Decision,
		Timestamp:  e.Timestamp,
		SequenceNo: e.SequenceNo,
		EventType:  e.EventType,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry %d: %w", e.SequenceNo, err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	return canonicalize.JCS(e)
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// checkLink verifies e against the expected predecessor hash and sequence.
func checkLink(e *Entry, prevHash string, seq uint64) error {
	if e.SequenceNo != seq {
		return fmt.Errorf("%w: entry %d has sequence_no %d", ErrChainBroken, seq, e.SequenceNo)
	}
	if e.PrevHash != prevHash {
		return fmt.Errorf("%w: entry %d prev_hash %s, expected %s", ErrChainBroken, seq, e.PrevHash, prevHash)
	}
	computed, err := ComputeHash(e)
	if err != nil {
		return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, seq, err)
	}
	if computed != e.ThisHash {
		return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, seq)
	}
	return nil
}
