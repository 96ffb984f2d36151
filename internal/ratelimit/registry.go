package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/graklabs/grakgate/internal/ratelimit/store"
)

// Registry is the admission-control entry point. Strategy is part of the
// per-check config, so identifiers with individual policies (API keys carry
// their own) share one registry; limiter instances are cached per policy.
type Registry struct {
	store   store.Store
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	limiters map[string]Limiter
}

// RegistryOption is a functional option for the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics for the registry.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates a new limiter registry over the given counter store.
func NewRegistry(s store.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    s,
		logger:   zap.NewNop(),
		limiters: make(map[string]Limiter),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Check runs one admission check for the identifier under the given
// policy. The counter mutation is applied before the decision is returned
// and is never rolled back, even if the caller's request is cancelled
// afterwards.
func (r *Registry) Check(ctx context.Context, identifier string, cfg *Config) (*Result, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	limiter, err := r.limiterFor(cfg)
	if err != nil {
		return nil, err
	}

	result, err := limiter.Allow(ctx, identifier)
	if err != nil {
		return nil, err
	}

	r.metrics.RecordDecision(cfg.Algorithm, result.Allowed)
	if !result.Allowed {
		r.logger.Info("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.String("limit_type", string(cfg.Algorithm)),
			zap.Int("current_rate", result.Limit-result.Remaining),
			zap.Int("limit", result.Limit),
		)
	}

	return result, nil
}

// Reset clears the identifier's counters under the given policy.
func (r *Registry) Reset(ctx context.Context, identifier string, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	limiter, err := r.limiterFor(cfg)
	if err != nil {
		return err
	}

	return limiter.Reset(ctx, identifier)
}

// limiterFor returns the cached limiter for a policy, creating it on first
// use.
func (r *Registry) limiterFor(cfg *Config) (Limiter, error) {
	key := policyKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters[key]; ok {
		return limiter, nil
	}

	limiter, err := r.newLimiter(cfg)
	if err != nil {
		return nil, err
	}

	r.limiters[key] = limiter
	r.metrics.SetActiveLimiters(len(r.limiters))

	return limiter, nil
}

// newLimiter instantiates the strategy named by the config.
func (r *Registry) newLimiter(cfg *Config) (Limiter, error) {
	switch cfg.Algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindowLimiter(r.store, cfg.Requests, cfg.Window, r.logger), nil

	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(cfg.Requests, cfg.Window, r.logger), nil

	case AlgorithmTokenBucket:
		rate := float64(cfg.Requests) / cfg.Window.Seconds()
		return NewTokenBucketLimiter(rate, cfg.Burst, r.logger), nil

	default:
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", cfg.Algorithm)
	}
}

// Sweep runs one maintenance pass over cached limiters, evicting stale
// sliding-window logs. Token buckets and store counters clean themselves.
func (r *Registry) Sweep() {
	r.mu.Lock()
	limiters := make([]Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	for _, l := range limiters {
		if sw, ok := l.(*SlidingWindowLimiter); ok {
			sw.Cleanup()
		}
	}
}

// Close releases all limiter resources and the underlying store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.limiters {
		if tb, ok := l.(*TokenBucketLimiter); ok {
			_ = tb.Close()
		}
	}
	r.limiters = make(map[string]Limiter)

	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// policyKey builds the cache key for a policy.
func policyKey(cfg *Config) string {
	return string(cfg.Algorithm) + ":" +
		strconv.Itoa(cfg.Requests) + ":" +
		cfg.Window.String() + ":" +
		strconv.Itoa(cfg.Burst)
}

// RetrySeconds converts a retry-after duration to whole seconds, rounding
// up so clients never retry early.
func RetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}
