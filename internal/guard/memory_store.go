package guard

import (
	"sync"
	"time"
)

// windowEntry is one live fixed-window counter.
type windowEntry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the process-local CounterStore: a mutex-guarded map with
// opportunistic eviction of expired windows during lookups, so memory stays
// bounded without a background sweeper goroutine.
//
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry

	lookupN uint64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*windowEntry)}
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(key string, now time.Time, window time.Duration) (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Opportunistic cleanup after a threshold of lookups. Run it before
	// touching the requested entry so an expired window for this very key is
	// evicted rather than refreshed.
	s.lookupN++
	if s.lookupN >= 5000 {
		for k, e := range s.windows {
			if !now.Before(e.resetAt) {
				delete(s.windows, k)
			}
		}
		s.lookupN = 0
	}

	e, ok := s.windows[key]
	if !ok || !now.Before(e.resetAt) {
		e = &windowEntry{count: 0, resetAt: now.Add(window)}
		s.windows[key] = e
	}
	e.count++
	return e.count, e.resetAt
}
