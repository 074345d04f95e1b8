package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps a connection at limit events per sliding window.
//
// It keeps the times of the last limit accepted events in a ring; an event is
// admitted when the oldest of them has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int // index of the oldest accepted event once the ring is full
	filled int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs use the gateway defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at now is admitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < len(r.ring) {
		r.ring[r.filled] = now
		r.filled++
		return true
	}

	if now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}

// RetryAfter returns how long until the next event at now would be admitted.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < len(r.ring) {
		return 0
	}
	if d := r.window - now.Sub(r.ring[r.next]); d > 0 {
		return d
	}
	return 0
}
