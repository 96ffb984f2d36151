package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter_BurstThenRefill(t *testing.T) {
	// Capacity 2, one token every 50ms.
	limiter := NewTokenBucketLimiter(20, 2, nil)
	defer limiter.Close()

	ctx := context.Background()

	// Two immediate calls drain the bucket 2 -> 1 -> 0.
	result, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)

	// The third fails while the bucket is empty.
	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))

	// After one refill interval a single token is available again.
	time.Sleep(60 * time.Millisecond)

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestTokenBucketLimiter_CapacityCapsRefill(t *testing.T) {
	limiter := NewTokenBucketLimiter(100, 3, nil)
	defer limiter.Close()

	ctx := context.Background()

	// Let it refill well past capacity.
	_, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Only capacity tokens are available, not capacity + elapsed*rate.
	result, err := limiter.AllowN(ctx, "user_a", 3)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestTokenBucketLimiter_GetLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter(10, 5, nil)
	defer limiter.Close()

	limit := limiter.GetLimit("any")
	require.NotNil(t, limit)
	assert.Equal(t, 5, limit.Burst)
}

func TestTokenBucketLimiter_Reset(t *testing.T) {
	limiter := NewTokenBucketLimiter(0.001, 1, nil)
	defer limiter.Close()

	ctx := context.Background()

	result, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, "user_a"))

	result, err = limiter.Allow(ctx, "user_a")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "reset restores a full bucket")
}

func TestTokenBucketLimiter_Cleanup(t *testing.T) {
	limiter := NewTokenBucketLimiter(10, 5, nil)
	defer limiter.Close()

	ctx := context.Background()
	_, err := limiter.Allow(ctx, "user_a")
	require.NoError(t, err)

	limiter.Cleanup(0)

	_, loaded := limiter.buckets.Load("user_a")
	assert.False(t, loaded)
}

func TestTokenBucketLimiter_CloseIdempotent(t *testing.T) {
	limiter := NewTokenBucketLimiter(10, 5, nil)
	assert.NoError(t, limiter.Close())
	assert.NoError(t, limiter.Close())
}
