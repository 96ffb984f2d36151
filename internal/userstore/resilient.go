package userstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/graklabs/grakgate/internal/observability"
)

// ErrStoreUnavailable indicates the backing store timed out or the
// circuit is open. Callers degrade to an authentication failure instead
// of hanging a request on a sick backend.
var ErrStoreUnavailable = errors.New("user store unavailable")

// defaultCallTimeout bounds every call to the wrapped store.
const defaultCallTimeout = 2 * time.Second

// ResilientStore wraps a Store with a per-call timeout and a circuit
// breaker. Lookup misses are normal traffic and never count as failures.
type ResilientStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  observability.Logger
}

// ResilientOption is a functional option for the wrapper.
type ResilientOption func(*ResilientStore)

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(timeout time.Duration) ResilientOption {
	return func(s *ResilientStore) {
		s.timeout = timeout
	}
}

// WithResilientLogger sets the logger.
func WithResilientLogger(logger observability.Logger) ResilientOption {
	return func(s *ResilientStore) {
		s.logger = logger
	}
}

// NewResilientStore wraps a store with timeout and circuit breaker
// protection.
func NewResilientStore(inner Store, opts ...ResilientOption) *ResilientStore {
	s := &ResilientStore{
		inner:   inner,
		timeout: defaultCallTimeout,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "userstore",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("user store circuit state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Not-found is a real answer from a healthy backend.
			return err == nil || errors.Is(err, ErrUserNotFound)
		},
	})

	return s
}

// execute runs fn under the breaker with the call timeout applied.
func (s *ResilientStore) execute(ctx context.Context, fn func(ctx context.Context) (*User, error)) (*User, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return fn(callCtx)
	})

	switch {
	case err == nil:
		return result.(*User), nil
	case errors.Is(err, ErrUserNotFound):
		return nil, ErrUserNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.logger.Warn("user store circuit open, rejecting lookup")
		return nil, ErrStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("user store call timed out", observability.Duration("timeout", s.timeout))
		return nil, ErrStoreUnavailable
	default:
		return nil, err
	}
}

// GetByID implements Store.
func (s *ResilientStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.execute(ctx, func(ctx context.Context) (*User, error) {
		return s.inner.GetByID(ctx, id)
	})
}

// GetByUsername implements Store.
func (s *ResilientStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.execute(ctx, func(ctx context.Context) (*User, error) {
		return s.inner.GetByUsername(ctx, username)
	})
}

// GetByEmail implements Store.
func (s *ResilientStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.execute(ctx, func(ctx context.Context) (*User, error) {
		return s.inner.GetByEmail(ctx, email)
	})
}

// UpdateLastLogin implements Store. Best-effort from the caller's point of
// view; it still routes through the breaker so a sick backend trips it.
func (s *ResilientStore) UpdateLastLogin(ctx context.Context, id string, when time.Time) error {
	_, err := s.execute(ctx, func(ctx context.Context) (*User, error) {
		return nil, s.inner.UpdateLastLogin(ctx, id, when)
	})
	return err
}

var _ Store = (*ResilientStore)(nil)
