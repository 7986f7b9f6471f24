package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMemoryCapacity is the soft key bound of a MemoryStore.
const DefaultMemoryCapacity = 100_000

type cell struct {
	mu     sync.Mutex
	entry  Entry
	exists bool
	dead   bool
}

// MemoryStore keeps entries in process. Each key has its own lock so
// different identities never contend.
type MemoryStore struct {
	cells    sync.Map // string -> *cell
	size     atomic.Int64
	capacity int64
}

// NewMemoryStore creates a store that asks for a forced sweep once it holds
// more than capacity keys. capacity <= 0 uses DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: int64(capacity)}
}

// Update applies fn to the key's entry under the key's lock.
func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	for {
		v, ok := s.cells.Load(key)
		if !ok {
			var loaded bool
			v, loaded = s.cells.LoadOrStore(key, &cell{})
			if !loaded {
				s.size.Add(1)
			}
		}
		c := v.(*cell)
		c.mu.Lock()
		if c.dead {
			// Swept between Load and Lock; start over with a fresh cell.
			c.mu.Unlock()
			continue
		}
		next, write := fn(c.entry, c.exists)
		if write {
			c.entry = next
			c.exists = true
		}
		c.mu.Unlock()
		return nil
	}
}

// Sweep removes entries whose window ended at or before now.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	s.cells.Range(func(k, v any) bool {
		c := v.(*cell)
		c.mu.Lock()
		if c.exists && !now.Before(c.entry.WindowResetAt) {
			c.dead = true
			if s.cells.CompareAndDelete(k, c) {
				s.size.Add(-1)
				removed++
			}
		}
		c.mu.Unlock()
		return true
	})
	return removed, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	return int(s.size.Load())
}

// OverCapacity reports whether the soft bound is exceeded.
func (s *MemoryStore) OverCapacity() bool {
	return s.size.Load() > s.capacity
}
