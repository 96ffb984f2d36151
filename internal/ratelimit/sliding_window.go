package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlidingWindowLimiter implements the sliding window rate limiting
// algorithm with an ordered timestamp log per identifier. It enforces the
// limit exactly: a request is admitted only if fewer than limit requests
// landed within the trailing window.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	logger *zap.Logger

	windows sync.Map
}

// windowState is the per-identifier timestamp log.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(limit int, window time.Duration, logger *zap.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter. Eviction, the limit check, and the append all
// happen under the per-identifier lock, so two racing requests cannot both
// take the last slot.
func (l *SlidingWindowLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := time.Now()
	ws := l.state(key)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	l.evictExpired(ws, now)

	count := len(ws.requests)
	allowed := count+n <= l.limit
	if allowed {
		for i := 0; i < n; i++ {
			ws.requests = append(ws.requests, now)
		}
		count += n
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.resetAfter(ws, now),
		RetryAfter: l.retryAfter(ws, now, count, n, allowed),
	}, nil
}

// state retrieves or creates the timestamp log for a key.
func (l *SlidingWindowLimiter) state(key string) *windowState {
	value, _ := l.windows.LoadOrStore(key, &windowState{})
	return value.(*windowState)
}

// evictExpired drops log entries older than the window.
func (l *SlidingWindowLimiter) evictExpired(ws *windowState, now time.Time) {
	cutoff := now.Add(-l.window)
	valid := ws.requests[:0]
	for _, t := range ws.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ws.requests = valid
}

// resetAfter is the time until the oldest logged request leaves the window.
func (l *SlidingWindowLimiter) resetAfter(ws *windowState, now time.Time) time.Duration {
	if len(ws.requests) == 0 {
		return l.window
	}

	resetAfter := ws.requests[0].Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}
	return resetAfter
}

// retryAfter is the time until enough entries expire for a request of size
// n to fit.
func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now time.Time, count, n int, allowed bool) time.Duration {
	if allowed || len(ws.requests) == 0 {
		return 0
	}

	excess := count + n - l.limit
	if excess <= 0 || excess > len(ws.requests) {
		return 0
	}

	retryAfter := ws.requests[excess-1].Add(l.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter
}

// GetLimit implements Limiter.
func (l *SlidingWindowLimiter) GetLimit(key string) *Limit {
	return &Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	l.windows.Delete(key)
	return nil
}

// Cleanup removes identifier logs whose entries have all expired.
func (l *SlidingWindowLimiter) Cleanup() {
	cutoff := time.Now().Add(-l.window)

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()

		stale := true
		for _, t := range ws.requests {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			l.windows.Delete(key)
		}

		ws.mu.Unlock()
		return true
	})
}

var _ Limiter = (*SlidingWindowLimiter)(nil)
