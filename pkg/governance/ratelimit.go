package governance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimiter admits or rejects one action for key within limit.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit RateLimit) (allowed bool, count int, err error)
}

// MemoryRateLimiter is an in-process sliding window limiter.
type MemoryRateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryRateLimiter creates an empty limiter. A nil clock uses time.Now.
func NewMemoryRateLimiter(now func() time.Time) *MemoryRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimiter{hits: make(map[string][]time.Time), now: now}
}

// Allow drops hits older than the window and admits the action when fewer
// than limit.Max remain. Rejected actions are not counted.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, limit RateLimit) (bool, int, error) {
	if limit.Max <= 0 {
		return true, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-limit.Window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit.Max {
		l.hits[key] = hits
		return false, len(hits), nil
	}
	hits = append(hits, now)
	l.hits[key] = hits
	return true, len(hits), nil
}

// FallbackRateLimiter uses primary and switches to secondary for any call
// where primary fails.
type FallbackRateLimiter struct {
	primary   RateLimiter
	secondary RateLimiter
	logger    *slog.Logger
}

// NewFallbackRateLimiter wraps primary with an in-memory secondary when
// secondary is nil.
func NewFallbackRateLimiter(primary, secondary RateLimiter, logger *slog.Logger) *FallbackRateLimiter {
	if secondary == nil {
		secondary = NewMemoryRateLimiter(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRateLimiter{primary: primary, secondary: secondary, logger: logger}
}

// Allow implements RateLimiter.
func (f *FallbackRateLimiter) Allow(ctx context.Context, key string, limit RateLimit) (bool, int, error) {
	if f.primary != nil {
		ok, n, err := f.primary.Allow(ctx, key, limit)
		if err == nil {
			return ok, n, nil
		}
		f.logger.WarnContext(ctx, "guard.ratelimit.fallback", slog.String("error", err.Error()))
	}
	return f.secondary.Allow(ctx, key, limit)
}
