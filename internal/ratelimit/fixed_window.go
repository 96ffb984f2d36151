package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/graklabs/grakgate/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm
// over a counter store. The bucket key is the identifier plus the window
// start, so counters from past windows age out on their own TTL.
type FixedWindowLimiter struct {
	store  store.Store
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(s store.Store, limit int, window time.Duration, logger *zap.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FixedWindowLimiter{
		store:  s,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter. The counter is incremented atomically before
// the limit comparison: overcounting on rejection is harmless because the
// bucket resets at the window boundary, while a read-then-write check would
// admit two racing requests on the last slot.
func (l *FixedWindowLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	windowStart := l.windowStart(now)
	windowKey := "fw:" + key + ":" + strconv.FormatInt(windowStart.UnixNano(), 10)

	// Buckets expire one hour after the window closes; the store sweep
	// evicts them to bound memory.
	expiration := l.window + time.Hour

	count, err := l.store.IncrementWithExpiry(ctx, windowKey, int64(n), expiration)
	if err != nil {
		return nil, err
	}

	allowed := count <= int64(l.limit)

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := windowStart.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// windowStart returns the start time of the window containing t.
func (l *FixedWindowLimiter) windowStart(t time.Time) time.Time {
	windowNanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}

// GetLimit implements Limiter.
func (l *FixedWindowLimiter) GetLimit(key string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	now := time.Now()
	windowStart := l.windowStart(now)
	windowKey := "fw:" + key + ":" + strconv.FormatInt(windowStart.UnixNano(), 10)

	if err := l.store.Delete(ctx, windowKey); err != nil {
		l.logger.Warn("failed to delete window counter", zap.Error(err))
		return err
	}

	return nil
}

var _ Limiter = (*FixedWindowLimiter)(nil)
