package apikey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graklabs/grakgate/internal/ratelimit"
	"github.com/graklabs/grakgate/internal/ratelimit/store"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(&Config{MaxKeysPerUser: 3}, NewMemoryStore(), opts...)
}

func createRequest() *CreateRequest {
	return &CreateRequest{
		Name:   "ci pipeline",
		Scopes: []string{"read:data", "write:data"},
	}
}

func TestManager_CreateAndValidate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	resp, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RawKey)
	assert.True(t, resp.Key.IsActive)
	assert.Equal(t, "user-1", resp.Key.UserID)
	assert.NotEqual(t, resp.RawKey, resp.Key.KeyHash)

	key, err := m.Validate(ctx, resp.RawKey)
	require.NoError(t, err)
	assert.Equal(t, resp.Key.ID, key.ID)
	assert.Equal(t, []string{"read:data", "write:data"}, key.Scopes)
}

func TestManager_CreateRequiresScopes(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), "user-1", &CreateRequest{Name: "scopeless"})
	assert.ErrorIs(t, err, ErrNoScopes)
}

func TestManager_CreateEnforcesQuota(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, "user-1", createRequest())
		require.NoError(t, err)
	}

	_, err := m.Create(ctx, "user-1", createRequest())
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Another user has their own quota.
	_, err = m.Create(ctx, "user-2", createRequest())
	assert.NoError(t, err)
}

func TestManager_RevokedKeyFreesQuota(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var last *CreateResponse
	for i := 0; i < 3; i++ {
		resp, err := m.Create(ctx, "user-1", createRequest())
		require.NoError(t, err)
		last = resp
	}

	require.NoError(t, m.Revoke(ctx, "user-1", last.Key.ID))

	_, err := m.Create(ctx, "user-1", createRequest())
	assert.NoError(t, err)
}

func TestManager_ValidateRejectsUnknownAndEmpty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = m.Validate(ctx, "grak_definitely-not-a-key")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestManager_ValidateRejectsRevoked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	resp, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, "user-1", resp.Key.ID))

	_, err = m.Validate(ctx, resp.RawKey)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestManager_ValidateRejectsExpired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	req := createRequest()
	expires := time.Now().Add(10 * time.Millisecond)
	req.ExpiresAt = &expires

	resp, err := m.Create(ctx, "user-1", req)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = m.Validate(ctx, resp.RawKey)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestManager_ValidateUpdatesUsage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	resp, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	_, err = m.Validate(ctx, resp.RawKey)
	require.NoError(t, err)
	_, err = m.Validate(ctx, resp.RawKey)
	require.NoError(t, err)

	key, err := m.store.GetByID(ctx, resp.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), key.UsageCount)
	assert.NotNil(t, key.LastUsedAt)
}

func TestManager_ValidateEnforcesKeyRateLimit(t *testing.T) {
	limits := ratelimit.NewRegistry(store.NewMemoryStore())
	t.Cleanup(func() { _ = limits.Close() })

	m := newTestManager(t, WithRateLimits(limits))
	ctx := context.Background()

	req := createRequest()
	req.RateLimit = &ratelimit.Config{
		Algorithm: ratelimit.AlgorithmFixedWindow,
		Requests:  2,
		Window:    time.Minute,
	}

	resp, err := m.Create(ctx, "user-1", req)
	require.NoError(t, err)

	_, err = m.Validate(ctx, resp.RawKey)
	require.NoError(t, err)
	_, err = m.Validate(ctx, resp.RawKey)
	require.NoError(t, err)

	_, err = m.Validate(ctx, resp.RawKey)
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, resp.Key.ID, rle.KeyID)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
}

func TestManager_Rotate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	rotated, err := m.Rotate(ctx, "user-1", created.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Key.ID, rotated.Key.ID)
	assert.NotEqual(t, created.RawKey, rotated.RawKey)

	// The old raw is dead, the new one works, identity is unchanged.
	_, err = m.Validate(ctx, created.RawKey)
	assert.ErrorIs(t, err, ErrInvalidKey)

	key, err := m.Validate(ctx, rotated.RawKey)
	require.NoError(t, err)
	assert.Equal(t, created.Key.ID, key.ID)
	assert.Equal(t, created.Key.Scopes, key.Scopes)
}

func TestManager_RotateChecksOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	_, err = m.Rotate(ctx, "user-2", created.Key.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = m.Rotate(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestManager_RevokeChecksOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Revoke(ctx, "user-2", created.Key.ID), ErrNotOwner)
	assert.ErrorIs(t, m.Revoke(ctx, "user-1", "missing"), ErrKeyNotFound)

	require.NoError(t, m.Revoke(ctx, "user-1", created.Key.ID))
	// Idempotent.
	assert.NoError(t, m.Revoke(ctx, "user-1", created.Key.ID))
}

func TestManager_RevokeBatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)
	b, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	n, err := m.RevokeBatch(ctx, RevokeFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = m.Validate(ctx, a.RawKey)
	assert.ErrorIs(t, err, ErrKeyRevoked)
	_, err = m.Validate(ctx, b.RawKey)
	assert.ErrorIs(t, err, ErrKeyRevoked)

	_, err = m.RevokeBatch(ctx, RevokeFilter{})
	assert.Error(t, err)
}

func TestManager_ListForUserHidesHashes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "user-1", createRequest())
	require.NoError(t, err)

	keys, err := m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].KeyHash)
	assert.NotEmpty(t, keys[0].Prefix)
}

func TestManager_Sweep(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	req := createRequest()
	past := time.Now().Add(-time.Minute)
	req.ExpiresAt = &past

	// Bypass the manager so an already-expired key lands in the store.
	key := &Key{
		ID:        "dead",
		KeyHash:   HashKey("dead-raw"),
		UserID:    "user-1",
		Scopes:    req.Scopes,
		IsActive:  true,
		CreatedAt: past,
		ExpiresAt: req.ExpiresAt,
	}
	require.NoError(t, m.store.Create(ctx, key))

	assert.Equal(t, 1, m.Sweep(ctx))
}

func TestRateLimitedError_Message(t *testing.T) {
	err := &RateLimitedError{KeyID: "k1", RetryAfter: 3 * time.Second}
	assert.Contains(t, err.Error(), "k1")
	assert.True(t, errors.As(error(err), new(*RateLimitedError)))
}

// slowStore adds latency to the quota-relevant operations so an unguarded
// check-then-insert would interleave.
type slowStore struct {
	Store
	delay time.Duration
}

func (s *slowStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	time.Sleep(s.delay)
	return s.Store.CountActiveForUser(ctx, userID)
}

func (s *slowStore) Create(ctx context.Context, key *Key) error {
	time.Sleep(s.delay)
	return s.Store.Create(ctx, key)
}

func TestManager_CreateQuotaUnderConcurrency(t *testing.T) {
	m := NewManager(&Config{MaxKeysPerUser: 2}, &slowStore{
		Store: NewMemoryStore(),
		delay: 5 * time.Millisecond,
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, "user-1", createRequest())
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrQuotaExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), succeeded.Load())

	active, err := m.store.CountActiveForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestManager_RevokeBatchByFilter(t *testing.T) {
	m := NewManager(&Config{MaxKeysPerUser: 20}, NewMemoryStore())
	ctx := context.Background()

	mk := func(userID string, req *CreateRequest) *Key {
		created, err := m.Create(ctx, userID, req)
		require.NoError(t, err)
		return created.Key
	}

	inTenant := mk("user-1", &CreateRequest{Name: "a", TenantID: "acme", Scopes: []string{"read:data"}})
	mk("user-2", &CreateRequest{Name: "b", TenantID: "acme", Scopes: []string{"write:data"}})
	outside := mk("user-3", &CreateRequest{Name: "c", TenantID: "other", Scopes: []string{"read:data"}})

	t.Run("tenant only", func(t *testing.T) {
		n, err := m.RevokeBatch(ctx, RevokeFilter{TenantID: "acme"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := m.store.GetByID(ctx, inTenant.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		got, err = m.store.GetByID(ctx, outside.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	})

	t.Run("scope", func(t *testing.T) {
		mk("user-4", &CreateRequest{Name: "d", TenantID: "acme", Scopes: []string{"admin:all"}})
		n, err := m.RevokeBatch(ctx, RevokeFilter{TenantID: "acme", Scope: "admin:all"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("workspace", func(t *testing.T) {
		key := mk("user-5", &CreateRequest{Name: "e", WorkspaceID: "ws-1", Scopes: []string{"read:data"}})
		n, err := m.RevokeBatch(ctx, RevokeFilter{WorkspaceID: "ws-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := m.store.GetByID(ctx, key.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
	})

	t.Run("created range excludes", func(t *testing.T) {
		key := mk("user-6", &CreateRequest{Name: "f", TenantID: "late", Scopes: []string{"read:data"}})
		n, err := m.RevokeBatch(ctx, RevokeFilter{
			TenantID:      "late",
			CreatedBefore: key.CreatedAt.Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = m.RevokeBatch(ctx, RevokeFilter{
			TenantID:     "late",
			CreatedAfter: key.CreatedAt.Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("status", func(t *testing.T) {
		mk("user-7", &CreateRequest{Name: "g", TenantID: "exp", Scopes: []string{"read:data"}})
		n, err := m.RevokeBatch(ctx, RevokeFilter{TenantID: "exp", Status: FilterStatusExpired})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = m.RevokeBatch(ctx, RevokeFilter{TenantID: "exp", Status: FilterStatusActive})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := m.RevokeBatch(ctx, RevokeFilter{TenantID: "acme", Status: "sleepy"})
		assert.ErrorContains(t, err, "status")
	})
}
