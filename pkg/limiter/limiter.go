package limiter

import (
	"context"
	"sync"
	"time"
)

// DurationLimiter allows an operation to run at most limit times per duration.
// Used for the gateway send budget and the REST gateway lookup.
type DurationLimiter struct {
	mu sync.Mutex

	limit    int32
	duration time.Duration

	resetsAt  time.Time
	available int32
}

// NewDurationLimiter creates a DurationLimiter allowing limit calls per duration.
func NewDurationLimiter(limit int32, duration time.Duration) *DurationLimiter {
	return &DurationLimiter{
		limit:    limit,
		duration: duration,
	}
}

// Lock blocks until a slot is available and consumes it, or returns the
// context error if ctx is cancelled while waiting.
func (l *DurationLimiter) Lock(ctx context.Context) error {
	for {
		l.mu.Lock()

		now := time.Now()

		if now.After(l.resetsAt) {
			l.resetsAt = now.Add(l.duration)
			l.available = l.limit
		}

		if l.available > 0 {
			l.available--
			l.mu.Unlock()

			return nil
		}

		wait := time.Until(l.resetsAt)
		l.mu.Unlock()

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset starts a fresh window with a full budget.
func (l *DurationLimiter) Reset() {
	l.mu.Lock()
	l.resetsAt = time.Now().Add(l.duration)
	l.available = l.limit
	l.mu.Unlock()
}
