package ratelimit

import (
	"context"
	"sync"
	"time"
)

// nowUTC is swapped out in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps counters in process memory. Suitable for a single
// instance; multi-instance deployments should use the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowCounter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: map[string]*windowCounter{}}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := nowUTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &windowCounter{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}
