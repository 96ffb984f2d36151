package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, config *Config, opts ...ManagerOption) *Manager {
	t.Helper()

	if config == nil {
		config = &Config{
			MaxSessionsPerUser:  3,
			TTL:                 time.Hour,
			IdleTimeout:         30 * time.Minute,
			SuspiciousThreshold: 3,
			RenewalWindow:       5 * time.Minute,
		}
	}

	m := NewManager(config, NewMemoryStore(), opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", &CreateRequest{
		DeviceInfo: "laptop",
		IPAddress:  "10.0.0.1",
		UserAgent:  "curl/8",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, created.Status)
	assert.Equal(t, "user-1", created.UserID)

	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
}

func TestManager_GetUnknownReturnsNil(t *testing.T) {
	m := newTestManager(t, nil)

	got, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManager_CapacityEvictsLeastRecentlyActive(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	second, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	third, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	// Touch the first session so the second becomes least recently
	// active: eviction is LRU, not FIFO.
	time.Sleep(5 * time.Millisecond)
	_, err = m.UpdateActivity(ctx, first.ID, "", "")
	require.NoError(t, err)

	fourth, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	got, err := m.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, id := range []string{first.ID, third.ID, fourth.ID} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}

	sessions, err := m.store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	active := 0
	for _, s := range sessions {
		if s.Status == StatusActive {
			active++
		}
	}
	assert.Equal(t, 3, active)
}

func TestManager_CapacityIsPerUser(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, "user-1", nil)
		require.NoError(t, err)
	}

	s, err := m.Create(ctx, "user-2", nil)
	require.NoError(t, err)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestManager_GetLazilyExpiresTTL(t *testing.T) {
	m := newTestManager(t, &Config{
		MaxSessionsPerUser:  3,
		TTL:                 10 * time.Millisecond,
		IdleTimeout:         time.Hour,
		SuspiciousThreshold: 3,
		RenewalWindow:       time.Millisecond,
	})
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := m.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestManager_GetLazilyExpiresIdle(t *testing.T) {
	m := newTestManager(t, &Config{
		MaxSessionsPerUser:  3,
		TTL:                 time.Hour,
		IdleTimeout:         10 * time.Millisecond,
		SuspiciousThreshold: 3,
		RenewalWindow:       time.Minute,
	})
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManager_UpdateActivitySlidesExpiry(t *testing.T) {
	m := newTestManager(t, &Config{
		MaxSessionsPerUser:  3,
		TTL:                 time.Hour,
		IdleTimeout:         time.Hour,
		SuspiciousThreshold: 3,
		// A window wider than the TTL makes every update renew.
		RenewalWindow: 2 * time.Hour,
	})
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	originalExpiry := s.ExpiresAt

	time.Sleep(5 * time.Millisecond)

	updated, err := m.UpdateActivity(ctx, s.ID, "", "")
	require.NoError(t, err)
	assert.True(t, updated.ExpiresAt.After(originalExpiry))
}

func TestManager_UpdateActivityFarFromExpiryDoesNotRenew(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	updated, err := m.UpdateActivity(ctx, s.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, s.ExpiresAt.Unix(), updated.ExpiresAt.Unix())
}

func TestManager_UpdateActivityUnknownSession(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.UpdateActivity(context.Background(), "missing", "", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_IPChangeFlagsAnomaly(t *testing.T) {
	var flagged []string
	m := newTestManager(t, nil, WithAnomalyHook(func(s *Session, reason string) {
		flagged = append(flagged, reason)
	}))
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", &CreateRequest{IPAddress: "10.0.0.1", UserAgent: "curl/8"})
	require.NoError(t, err)

	updated, err := m.UpdateActivity(ctx, s.ID, "10.0.0.2", "curl/8")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.SuspiciousCount)
	assert.Equal(t, "10.0.0.2", updated.IPAddress)
	assert.Equal(t, []string{"ip address changed"}, flagged)

	// The current request is never failed by anomaly handling.
	assert.Equal(t, StatusActive, updated.Status)
}

func TestManager_ThresholdAutoRevokes(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(nil, store)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", &CreateRequest{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	ips := []string{"10.0.0.2", "10.0.0.3", "10.0.0.4"}
	var last *Session
	for _, ip := range ips {
		last, err = m.UpdateActivity(ctx, s.ID, ip, "")
		require.NoError(t, err)
	}

	// The crossing request completes with the session marked suspicious.
	assert.Equal(t, 3, last.SuspiciousCount)
	assert.Equal(t, StatusSuspicious, last.Status)

	// The next observation finishes the transition to revoked.
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, stored.Status)
}

func TestManager_SuspiciousSessionIsRevocable(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(nil, store)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", &CreateRequest{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	s.Status = StatusSuspicious
	require.NoError(t, store.Update(ctx, s))

	ok, err := m.Revoke(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, stored.Status)
}

func TestManager_RevokeIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	revoked, err := m.Revoke(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = m.Revoke(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = m.Revoke(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestManager_RevokeUserSessionsExcept(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	keep, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	drop1, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	drop2, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	n, err := m.RevokeUserSessions(ctx, "user-1", keep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.Get(ctx, keep.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	for _, id := range []string{drop1.ID, drop2.ID} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestManager_Cleanup(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	live, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	revoked, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	_, err = m.Revoke(ctx, revoked.ID)
	require.NoError(t, err)

	expired, err := m.Create(ctx, "user-2", nil)
	require.NoError(t, err)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, m.store.Update(ctx, expired))

	n, err := m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestManager_ListForUser(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	second, err := m.Create(ctx, "user-1", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "user-2", nil)
	require.NoError(t, err)

	_, err = m.Revoke(ctx, second.ID)
	require.NoError(t, err)

	live, err := m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, first.ID, live[0].ID)
}

// slowSessionStore adds latency to the operations the capacity check and
// activity updates compose, so unguarded read-modify-write would
// interleave.
type slowSessionStore struct {
	Store
	delay time.Duration
}

func (s *slowSessionStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	time.Sleep(s.delay)
	return s.Store.ListByUser(ctx, userID)
}

func (s *slowSessionStore) Save(ctx context.Context, session *Session) error {
	time.Sleep(s.delay)
	return s.Store.Save(ctx, session)
}

func (s *slowSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, id)
}

func (s *slowSessionStore) Update(ctx context.Context, session *Session) error {
	time.Sleep(s.delay)
	return s.Store.Update(ctx, session)
}

func TestManager_CapHoldsUnderConcurrentLogins(t *testing.T) {
	m := NewManager(&Config{
		MaxSessionsPerUser:  2,
		TTL:                 time.Hour,
		IdleTimeout:         30 * time.Minute,
		SuspiciousThreshold: 3,
		RenewalWindow:       5 * time.Minute,
	}, &slowSessionStore{Store: NewMemoryStore(), delay: 5 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, "user-1", &CreateRequest{DeviceInfo: "laptop"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live, err := m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestManager_ActivityUpdatesDoNotLoseAnomalies(t *testing.T) {
	store := &slowSessionStore{Store: NewMemoryStore(), delay: 2 * time.Millisecond}
	m := NewManager(&Config{
		MaxSessionsPerUser:  5,
		TTL:                 time.Hour,
		IdleTimeout:         30 * time.Minute,
		SuspiciousThreshold: 100,
		RenewalWindow:       time.Minute,
	}, store)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", &CreateRequest{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	// Every update presents a distinct IP, so each one must land exactly
	// one anomaly increment.
	const updates = 10
	var wg sync.WaitGroup
	for i := 0; i < updates; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.UpdateActivity(ctx, s.ID, fmt.Sprintf("10.0.1.%d", n), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, updates, stored.SuspiciousCount)
}
