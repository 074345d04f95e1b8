package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside the window must be rejected")
	}
	if got := rl.RetryAfter(t0.Add(200 * time.Millisecond)); got != 800*time.Millisecond {
		t.Fatalf("RetryAfter=%v want 800ms", got)
	}
	if !rl.Allow(t0.Add(1000 * time.Millisecond)) {
		t.Fatalf("event once the first one left the window must pass")
	}
	if rl.Allow(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("second event at 100ms is still inside the window")
	}
	if !rl.Allow(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after the second one expired must pass")
	}
}

func TestRateLimiterRejectedEventsDoNotCount(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !rl.Allow(t0) {
		t.Fatalf("first event must pass")
	}
	for i := 1; i < 10; i++ {
		if rl.Allow(t0.Add(time.Duration(i) * 50 * time.Millisecond)) {
			t.Fatalf("event %d inside the window must be rejected", i)
		}
	}
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("rejected events must not extend the window")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("limit=%d window=%v", len(rl.ring), rl.window)
	}
	if got := rl.RetryAfter(time.Now()); got != 0 {
		t.Fatalf("fresh limiter RetryAfter=%v", got)
	}
}
