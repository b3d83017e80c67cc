package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/typeflow/typeflow/runtime/flowerrors"
)

// Window is the rate-limit accounting period.
const Window = time.Minute

type (
	// RateLimiter admits or rejects a request against a per-key sliding
	// window. A returned *flowerrors.RateLimitError carries the retry-after
	// duration and window reset time the 429 response needs.
	RateLimiter interface {
		Allow(ctx context.Context, key string, limit int) error
	}

	// MemoryLimiter is an in-process sliding-window limiter. Suitable for
	// single-node deployments and tests; multi-node deployments use the
	// Redis-backed limiter.
	MemoryLimiter struct {
		now func() time.Time

		mu      sync.Mutex
		windows map[string][]time.Time
	}
)

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{now: time.Now, windows: map[string][]time.Time{}}
}

// Allow records the request when under the limit, or rejects it with the time
// until the oldest in-window request expires. A zero limit disables limiting.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)
	kept := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.windows[key] = kept

	if len(kept) >= limit {
		reset := kept[0].Add(Window)
		return &flowerrors.RateLimitError{
			RetryAfter: reset.Sub(now),
			Reset:      reset,
		}
	}
	l.windows[key] = append(kept, now)
	return nil
}
