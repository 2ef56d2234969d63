package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/canonicalize"
	"github.com/danielgonzagat/peninaocubo-sub002/pkg/store"
)

// logRecord is what LogTier appends: a put carries the entry, a delete is a
// tombstone.
type logRecord struct {
	Op    string `json:"op"`
	Entry *Entry `json:"entry,omitempty"`
	Key   string `json:"key,omitempty"`
}

const (
	opPut    = "put"
	opDelete = "del"
)

// LogTier is a persistent tier over an append-only log. An in-memory index
// maps fingerprints to the offset of their latest record.
type LogTier struct {
	log store.AppendLog

	mu    sync.RWMutex
	index map[string]int64
}

// OpenLogTier rebuilds the index by replaying log. Unreadable records are
// skipped; the entries they held become misses.
func OpenLogTier(ctx context.Context, log store.AppendLog) (*LogTier, error) {
	t := &LogTier{log: log, index: make(map[string]int64)}
	n, err := log.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: log length: %w", err)
	}
	for off := int64(0); off < n; off++ {
		raw, err := log.Read(ctx, off)
		if err != nil {
			if errors.Is(err, store.ErrCorrupt) {
				continue
			}
			return nil, fmt.Errorf("cache: replay offset %d: %w", off, err)
		}
		var rec logRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		switch rec.Op {
		case opPut:
			if rec.Entry != nil {
				t.index[rec.Entry.Fingerprint] = off
			}
		case opDelete:
			delete(t.index, rec.Key)
		}
	}
	return t, nil
}

func (t *LogTier) Name() string { return "log" }

func (t *LogTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	t.mu.RLock()
	off, ok := t.index[fingerprint]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	raw, err := t.log.Read(ctx, off)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
		}
		return nil, err
	}
	var rec logRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Entry == nil || rec.Entry.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%w: undecodable record at offset %d", ErrIntegrityViolation, off)
	}
	return rec.Entry, nil
}

func (t *LogTier) append(ctx context.Context, rec logRecord) (int64, error) {
	raw, err := canonicalize.JCS(rec)
	if err != nil {
		return 0, err
	}
	return t.log.Append(ctx, raw)
}

func (t *LogTier) Set(ctx context.Context, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, err := t.append(ctx, logRecord{Op: opPut, Entry: e})
	if err != nil {
		return fmt.Errorf("cache: append entry: %w", err)
	}
	t.index[e.Fingerprint] = off
	return nil
}

func (t *LogTier) Delete(ctx context.Context, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[fingerprint]; !ok {
		return nil
	}
	if _, err := t.append(ctx, logRecord{Op: opDelete, Key: fingerprint}); err != nil {
		return fmt.Errorf("cache: append tombstone: %w", err)
	}
	delete(t.index, fingerprint)
	return nil
}
