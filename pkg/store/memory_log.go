package store

import (
	"context"
	"sync"
)

// MemoryLog implements AppendLog in memory. It is durable only for the life of
// the process and is meant for tests and ephemeral deployments.
type MemoryLog struct {
	mu      sync.RWMutex
	records [][]byte
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(ctx context.Context, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.records = append(m.records, cp)
	return int64(len(m.records) - 1), nil
}

func (m *MemoryLog) Read(ctx context.Context, offset int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if offset < 0 || offset >= int64(len(m.records)) {
		return nil, ErrOutOfRange
	}
	rec := m.records[offset]
	cp := make([]byte, len(rec))
	copy(cp, rec)
	return cp, nil
}

func (m *MemoryLog) Len(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
