package cache

import (
	"container/list"
	"context"
	"sync"
)

// DefaultFastCapacity bounds the in-process tier.
const DefaultFastCapacity = 1024

// LRUTier is a capacity-bounded in-memory tier with least-recently-used
// eviction.
type LRUTier struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List // front = most recent
	items     map[string]*list.Element
	evictions int64
}

func NewLRUTier(capacity int) *LRUTier {
	if capacity <= 0 {
		capacity = DefaultFastCapacity
	}
	return &LRUTier{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (t *LRUTier) Name() string { return "lru" }

func (t *LRUTier) Get(_ context.Context, fingerprint string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[fingerprint]
	if !ok {
		return nil, nil
	}
	t.order.MoveToFront(el)
	return el.Value.(*Entry).clone(), nil
}

func (t *LRUTier) Set(_ context.Context, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.items[e.Fingerprint]; ok {
		el.Value = e.clone()
		t.order.MoveToFront(el)
		return nil
	}
	t.items[e.Fingerprint] = t.order.PushFront(e.clone())
	for t.order.Len() > t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.items, oldest.Value.(*Entry).Fingerprint)
		t.evictions++
	}
	return nil
}

func (t *LRUTier) Delete(_ context.Context, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.items[fingerprint]; ok {
		t.order.Remove(el)
		delete(t.items, fingerprint)
	}
	return nil
}

// Len returns the number of entries held.
func (t *LRUTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Evictions returns how many entries were dropped for capacity.
func (t *LRUTier) Evictions() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictions
}

// mutate applies fn to the stored entry. Test hook for simulating tampering.
func (t *LRUTier) mutate(fingerprint string, fn func(*Entry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[fingerprint]
	if ok {
		fn(el.Value.(*Entry))
	}
	return ok
}
