package userstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowStore blocks until its context dies.
type slowStore struct{}

func (slowStore) GetByID(ctx context.Context, id string) (*User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowStore) UpdateLastLogin(ctx context.Context, id string, when time.Time) error {
	<-ctx.Done()
	return ctx.Err()
}

// failingStore always errors.
type failingStore struct{}

var errBackendDown = errors.New("backend down")

func (failingStore) GetByID(ctx context.Context, id string) (*User, error) {
	return nil, errBackendDown
}

func (failingStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return nil, errBackendDown
}

func (failingStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return nil, errBackendDown
}

func (failingStore) UpdateLastLogin(ctx context.Context, id string, when time.Time) error {
	return errBackendDown
}

func TestResilientStore_PassesThrough(t *testing.T) {
	inner := NewMemoryStore()
	require.NoError(t, inner.Add(testUser("u1", "alice")))

	s := NewResilientStore(inner)
	ctx := context.Background()

	user, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResilientStore_TimeoutDegrades(t *testing.T) {
	s := NewResilientStore(slowStore{}, WithCallTimeout(10*time.Millisecond))

	start := time.Now()
	_, err := s.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResilientStore_CircuitOpensAfterFailures(t *testing.T) {
	s := NewResilientStore(failingStore{})
	ctx := context.Background()

	// Feed the breaker enough failures to trip it.
	for i := 0; i < 6; i++ {
		_, err := s.GetByID(ctx, "u1")
		assert.Error(t, err)
	}

	_, err := s.GetByID(ctx, "u1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestResilientStore_NotFoundDoesNotTrip(t *testing.T) {
	inner := NewMemoryStore()
	s := NewResilientStore(inner)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := s.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrUserNotFound)
	}
}
