package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenBucketLimiter implements the token bucket rate limiting algorithm.
// Tokens refill continuously at the configured rate and each request
// consumes one; the bucket capacity bounds the burst size.
type TokenBucketLimiter struct {
	rate   float64 // tokens per second
	burst  int     // bucket capacity
	logger *zap.Logger

	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// bucket is the per-identifier token state.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucketLimiter creates a new token bucket rate limiter. A
// background sweep evicts buckets idle past the TTL; call Close when done.
func NewTokenBucketLimiter(rate float64, burst int, logger *zap.Logger) *TokenBucketLimiter {
	return NewTokenBucketLimiterWithTTL(rate, burst, 5*time.Minute, 10*time.Minute, logger)
}

// NewTokenBucketLimiterWithTTL creates a token bucket limiter with custom
// sweep settings.
func NewTokenBucketLimiterWithTTL(rate float64, burst int, cleanupInterval, bucketTTL time.Duration, logger *zap.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &TokenBucketLimiter{
		rate:            rate,
		burst:           burst,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		bucketTTL:       bucketTTL,
		stopCleanup:     make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// sweepLoop runs the periodic eviction of idle buckets.
func (l *TokenBucketLimiter) sweepLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(l.bucketTTL)
		case <-l.stopCleanup:
			return
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter. Refill and consumption happen under the
// per-bucket lock, so the token count never goes negative under load.
func (l *TokenBucketLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := time.Now()

	value, _ := l.buckets.LoadOrStore(key, &bucket{
		tokens:     float64(l.burst),
		lastRefill: now,
	})
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastRefill = now

	allowed := b.tokens >= float64(n)
	if allowed {
		b.tokens -= float64(n)
	}

	remaining := int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := l.durationForTokens(float64(l.burst) - b.tokens)

	var retryAfter time.Duration
	if !allowed {
		retryAfter = l.durationForTokens(float64(n) - b.tokens)
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.burst,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// durationForTokens converts a token deficit to refill time.
func (l *TokenBucketLimiter) durationForTokens(tokens float64) time.Duration {
	if tokens <= 0 || l.rate <= 0 {
		return 0
	}
	return time.Duration(tokens / l.rate * float64(time.Second))
}

// GetLimit implements Limiter.
func (l *TokenBucketLimiter) GetLimit(key string) *Limit {
	return &Limit{
		Requests: int(l.rate),
		Window:   time.Second,
		Burst:    l.burst,
	}
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	l.buckets.Delete(key)
	return nil
}

// Cleanup removes buckets idle longer than maxAge.
func (l *TokenBucketLimiter) Cleanup(maxAge time.Duration) {
	now := time.Now()

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastRefill) > maxAge {
			l.buckets.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}

var _ Limiter = (*TokenBucketLimiter)(nil)
