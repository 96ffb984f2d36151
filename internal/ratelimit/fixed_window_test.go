package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graklabs/grakgate/internal/ratelimit/store"
)

func newFixedWindow(t *testing.T, limit int, window time.Duration) *FixedWindowLimiter {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	return NewFixedWindowLimiter(s, limit, window, nil)
}

func TestFixedWindowLimiter_AllowsUpToLimit(t *testing.T) {
	limiter := newFixedWindow(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "user_a")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
	}

	result, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Minute)
}

func TestFixedWindowLimiter_IndependentIdentifiers(t *testing.T) {
	limiter := newFixedWindow(t, 1, time.Minute)
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user_b")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "user_b has its own bucket")
}

func TestFixedWindowLimiter_WindowRollover(t *testing.T) {
	limiter := newFixedWindow(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	time.Sleep(60 * time.Millisecond)

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "new window resets the counter")
}

func TestFixedWindowLimiter_NoDoubleSpendUnderConcurrency(t *testing.T) {
	const limit = 10
	limiter := newFixedWindow(t, limit, time.Minute)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup

	wg.Add(limit * 3)
	for i := 0; i < limit*3; i++ {
		go func() {
			defer wg.Done()
			result, err := limiter.Allow(ctx, "user_a")
			if assert.NoError(t, err) && result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestFixedWindowLimiter_Reset(t *testing.T) {
	limiter := newFixedWindow(t, 1, time.Minute)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)

	require.NoError(t, limiter.Reset(ctx, "user_a"))

	result, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindowLimiter_GetLimit(t *testing.T) {
	limiter := newFixedWindow(t, 7, time.Minute)

	limit := limiter.GetLimit("any")
	require.NotNil(t, limit)
	assert.Equal(t, 7, limit.Requests)
	assert.Equal(t, time.Minute, limit.Window)
}
