package http

import (
	"sync"
	"time"
)

// rateLimiter counts requests per key in fixed windows.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]int
	started  time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	if limit <= 0 {
		return &rateLimiter{limit: 0}
	}
	return &rateLimiter{
		limit:    limit,
		window:   time.Minute,
		now:      time.Now,
		counters: make(map[string]int),
	}
}

func (r *rateLimiter) allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.started) >= r.window {
		clear(r.counters)
		r.started = now
	}
	r.counters[key]++
	return r.counters[key] <= r.limit
}
