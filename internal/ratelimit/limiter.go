// Package ratelimit implements admission control for the authentication
// core. It supports fixed window, sliding window, and token bucket
// strategies over per-identifier counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Limiter defines the interface for a single rate limiting strategy.
type Limiter interface {
	// Allow checks if a single request is allowed for the given key.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks if n requests are allowed for the given key.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// GetLimit returns the limit configuration for the given key.
	GetLimit(key string) *Limit

	// Reset resets the rate limit state for the given key.
	Reset(ctx context.Context, key string) error
}

// Limit represents rate limit configuration.
type Limit struct {
	// Requests is the maximum number of requests allowed in the window.
	Requests int

	// Window is the time window for the rate limit.
	Window time.Duration

	// Burst is the maximum burst size (for token bucket).
	Burst int
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the rate limit resets.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// Algorithm represents the rate limiting algorithm type.
type Algorithm string

const (
	// AlgorithmFixedWindow divides time into fixed windows and counts
	// requests within each. Bounded boundary bursts are accepted by design.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow keeps an ordered timestamp log per identifier
	// and enforces the limit exactly over a rolling window.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmTokenBucket refills tokens at a fixed rate and consumes one
	// per request, allowing controlled bursts up to the bucket capacity.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// Valid reports whether the algorithm is one of the supported strategies.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket:
		return true
	}
	return false
}

// Config holds the admission policy for one identifier class. Strategy is
// part of the config, so callers with per-key policies (API keys carry
// their own) pass it on every check.
type Config struct {
	// Algorithm is the rate limiting algorithm to use.
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`

	// Requests is the maximum number of requests allowed in the window.
	Requests int `yaml:"requests" json:"requests"`

	// Window is the time window for the rate limit.
	Window time.Duration `yaml:"window" json:"window"`

	// Burst is the maximum burst size (token bucket capacity).
	Burst int `yaml:"burst" json:"burst"`
}

// Validate checks the config for values no limiter can honor.
func (c *Config) Validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
	if c.Requests <= 0 {
		return errors.New("requests must be positive")
	}
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	if c.Algorithm == AlgorithmTokenBucket && c.Burst <= 0 {
		return errors.New("token bucket requires a positive burst")
	}
	return nil
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgorithmFixedWindow,
		Requests:  60,
		Window:    time.Minute,
		Burst:     10,
	}
}

// NoopLimiter is a rate limiter that always allows requests.
type NoopLimiter struct{}

// NewNoopLimiter creates a new noop limiter.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (l *NoopLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// AllowN implements Limiter.
func (l *NoopLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	return l.Allow(ctx, key)
}

// GetLimit implements Limiter.
func (l *NoopLimiter) GetLimit(key string) *Limit {
	return nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(ctx context.Context, key string) error {
	return nil
}
