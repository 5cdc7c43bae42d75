package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pruneThreshold is the number of tracked keys above which elapsed windows
// are dropped on the next Incr
const pruneThreshold = 4096

// window ends at a fixed time chosen by the limiter that opened it
type window struct {
	end   time.Time
	count int64
}

// MemoryStore keeps windows in process memory
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Incr implements Store
func (m *MemoryStore) Incr(_ context.Context, key string, length time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if len(m.windows) > pruneThreshold {
		for k, w := range m.windows {
			if !now.Before(w.end) {
				delete(m.windows, k)
			}
		}
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.end) {
		w = &window{end: now.Add(length)}
		m.windows[key] = w
	}
	w.count++

	return w.count, w.end.Sub(now), nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}
