package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory.
// Thread-safe via RWMutex.
type MemoryStorage struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return nil, nil // nothing saved yet is not an error
	}
	return cloneSnapshot(s.snap), nil
}

func (s *MemoryStorage) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = cloneSnapshot(snap)
	return nil
}

func cloneSnapshot(in *Snapshot) *Snapshot {
	out := &Snapshot{
		PeriodStart: in.PeriodStart,
		Spent:       in.Spent,
		Providers:   make(map[string]SpendRecord, len(in.Providers)),
	}
	for k, v := range in.Providers {
		out.Providers[k] = v
	}
	return out
}
