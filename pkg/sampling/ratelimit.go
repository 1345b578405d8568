package sampling

import (
	"sync"
	"time"
)

// slidingWindow is a per-key sliding window rate limiter. Allow records the
// attempt timestamp when admitted.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

func (w *slidingWindow) Allow(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	recent := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= w.limit {
		w.hits[key] = recent
		return false
	}
	w.hits[key] = append(recent, now)
	return true
}
