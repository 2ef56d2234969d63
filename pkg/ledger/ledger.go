// Package ledger is the write-once audit trail. Every entry is hash-chained
// to its predecessor and written to a durable append-only log before the
// in-memory head advances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/canonicalize"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
	"github.com/google/uuid"
)

// Ledger is an append-only, hash-chained log over a store.AppendLog.
type Ledger struct {
	log    store.AppendLog
	clock  func() time.Time
	logger *slog.Logger

	writeMu sync.Mutex // single writer

	mu       sync.RWMutex
	entries  []Entry // arena indexed by sequence_no-1
	offsets  []int64
	headHash string

	broken atomic.Bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// Report summarises a verification pass.
type Report struct {
	Entries  uint64 `json:"entries"`
	HeadHash string `json:"head_hash"`
	// FirstBad is the first sequence number that failed, zero when valid.
	FirstBad uint64 `json:"first_bad,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Valid reports whether the pass found no break.
func (r Report) Valid() bool { return r.FirstBad == 0 && r.Error == "" }

// Verify replays log and checks every link. On a break it returns the entries
// that did verify, a report naming the first bad sequence, and an error
// wrapping ErrChainBroken.
func Verify(ctx context.Context, log store.AppendLog) ([]Entry, []int64, Report, error) {
	n, err := log.Len(ctx)
	if err != nil {
		return nil, nil, Report{Error: err.Error()}, fmt.Errorf("ledger: log length: %w", err)
	}
	entries := make([]Entry, 0, n)
	offsets := make([]int64, 0, n)
	prev := GenesisHash
	for off := int64(0); off < n; off++ {
		seq := uint64(off) + 1
		fail := func(err error) ([]Entry, []int64, Report, error) {
			rep := Report{Entries: uint64(len(entries)), HeadHash: prev, FirstBad: seq, Error: err.Error()}
			return entries, offsets, rep, err
		}
		raw, err := log.Read(ctx, off)
		if err != nil {
			if missing(err) {
				return fail(fmt.Errorf("%w: entry %d unreadable: %w", ErrChainBroken, seq, err))
			}
			return fail(fmt.Errorf("ledger: read entry %d: %w", seq, err))
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return fail(fmt.Errorf("%w: entry %d undecodable: %v", ErrChainBroken, seq, err))
		}
		if err := checkLink(e, prev, seq); err != nil {
			return fail(err)
		}
		entries = append(entries, *e)
		offsets = append(offsets, off)
		prev = e.ThisHash
	}
	return entries, offsets, Report{Entries: uint64(len(entries)), HeadHash: prev}, nil
}

// missing reports whether a read below Len failed because the record is gone
// or damaged rather than because the store is unreachable.
func missing(err error) bool {
	return errors.Is(err, store.ErrCorrupt) || errors.Is(err, store.ErrOutOfRange) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Open replays log, verifies the chain and recovers the head. A broken chain
// is refused.
func Open(ctx context.Context, log store.AppendLog, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		log:      log,
		clock:    time.Now,
		logger:   slog.Default().With("component", "ledger"),
		headHash: GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}

	entries, offsets, rep, err := Verify(ctx, log)
	if err != nil {
		l.logger.ErrorContext(ctx, "ledger failed verification on open", "first_bad", rep.FirstBad, "error", err)
		return nil, err
	}
	l.entries = entries
	l.offsets = offsets
	l.headHash = rep.HeadHash
	l.logger.InfoContext(ctx, "ledger opened", "entries", rep.Entries, "head", rep.HeadHash)
	return l, nil
}

// Append writes a new entry. payload is canonicalised with JCS. The in-memory
// head only advances after the log write succeeds.
func (l *Ledger) Append(ctx context.Context, eventType string, payload any, decision string) (*Entry, error) {
	if l.broken.Load() {
		return nil, fmt.Errorf("ledger: refusing append: %w", ErrChainBroken)
	}
	body, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	seq := uint64(len(l.entries)) + 1
	prev := l.headHash
	l.mu.RUnlock()

	e := &Entry{
		ID:         uuid.NewString(),
		SequenceNo: seq,
		Timestamp:  l.clock().UTC(),
		EventType:  eventType,
		Payload:    body,
		Decision:   decision,
		PrevHash:   prev,
	}
	if e.ThisHash, err = ComputeHash(e); err != nil {
		return nil, err
	}
	raw, err := encodeEntry(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode entry %d: %w", seq, err)
	}

	off, err := l.log.Append(ctx, raw)
	if err != nil {
		l.logger.ErrorContext(ctx, "ledger append failed", "sequence_no", seq, "event_type", eventType, "error", err)
		return nil, fmt.Errorf("ledger: durable write of entry %d: %w", seq, err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, *e)
	l.offsets = append(l.offsets, off)
	l.headHash = e.ThisHash
	l.mu.Unlock()

	out := *e
	return &out, nil
}

// VerifyChain re-reads every entry from the durable log and checks the chain,
// so out-of-band changes to stored bytes are detected. A break marks the
// ledger broken until restart; later appends are refused.
func (l *Ledger) VerifyChain(ctx context.Context) (Report, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_, _, rep, err := Verify(ctx, l.log)
	if err == nil {
		l.mu.RLock()
		want, head := uint64(len(l.entries)), l.headHash
		l.mu.RUnlock()
		if rep.Entries != want || rep.HeadHash != head {
			err = fmt.Errorf("%w: store holds %d entries ending %s, memory holds %d ending %s",
				ErrChainBroken, rep.Entries, rep.HeadHash, want, head)
			rep.FirstBad = rep.Entries + 1
			rep.Error = err.Error()
		}
	}
	if err != nil {
		if errors.Is(err, ErrChainBroken) {
			l.broken.Store(true)
		}
		l.logger.ErrorContext(ctx, "ledger chain verification failed", "first_bad", rep.FirstBad, "error", err)
		return rep, err
	}
	return rep, nil
}

// Broken reports whether a verification has failed since open.
func (l *Ledger) Broken() bool { return l.broken.Load() }

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Len returns the number of entries.
func (l *Ledger) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Get returns the entry with sequence number seq.
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledger: entry %d not found", seq)
	}
	e := l.entries[seq-1]
	return &e, nil
}

// Entries returns up to limit entries starting at sequence number from.
func (l *Ledger) Entries(from uint64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.entries)) || limit <= 0 {
		return []Entry{}
	}
	end := from - 1 + uint64(limit)
	if end > uint64(len(l.entries)) {
		end = uint64(len(l.entries))
	}
	out := make([]Entry, end-(from-1))
	copy(out, l.entries[from-1:end])
	return out
}
