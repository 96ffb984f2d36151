package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graklabs/grakgate/internal/observability"
)

// AnomalyHook is called when activity on a session is flagged as
// suspicious. The hook runs on the request path and must not block.
type AnomalyHook func(session *Session, reason string)

// CreateRequest carries the request context captured at login.
type CreateRequest struct {
	DeviceInfo     string
	IPAddress      string
	UserAgent      string
	RefreshTokenID string
}

// Manager drives the session lifecycle over a Store.
type Manager struct {
	config  *Config
	store   Store
	logger  observability.Logger
	metrics *Metrics
	anomaly AnomalyHook

	// userLocks serializes the capacity check against the insert per
	// user; sessionLocks serializes read-modify-write activity updates
	// per session.
	userLocks    stripedLocks
	sessionLocks stripedLocks
}

// stripedLocks maps keys onto a fixed set of mutexes. Contention across
// stripes is acceptable; a missed critical section is not.
type stripedLocks [64]sync.Mutex

func (l *stripedLocks) get(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l[h.Sum32()%uint32(len(l))]
}

// ManagerOption is a functional option for the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerMetrics sets the metrics.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithAnomalyHook sets the suspicious activity callback.
func WithAnomalyHook(hook AnomalyHook) ManagerOption {
	return func(m *Manager) {
		m.anomaly = hook
	}
}

// NewManager creates a session manager over the given store.
func NewManager(config *Config, store Store, opts ...ManagerOption) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSessionsPerUser <= 0 {
		config.MaxSessionsPerUser = DefaultConfig().MaxSessionsPerUser
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.SuspiciousThreshold <= 0 {
		config.SuspiciousThreshold = DefaultConfig().SuspiciousThreshold
	}
	if config.RenewalWindow <= 0 {
		config.RenewalWindow = DefaultConfig().RenewalWindow
	}

	m := &Manager{
		config: config,
		store:  store,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Create opens a new session. When the user is at the concurrency cap,
// the least-recently-active session is revoked to make room, so the user
// never exceeds the cap and never gets locked out by it.
func (m *Manager) Create(ctx context.Context, userID string, req *CreateRequest) (*Session, error) {
	if req == nil {
		req = &CreateRequest{}
	}

	// The eviction scan and the save must be one critical section, or two
	// concurrent logins both slip under the cap.
	lock := m.userLocks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.evictForCapacity(ctx, userID); err != nil {
		m.metrics.RecordOperation("create", "error")
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		DeviceInfo:     req.DeviceInfo,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		CreatedAt:      now,
		LastActivity:   now,
		ExpiresAt:      now.Add(m.config.TTL),
		Status:         StatusActive,
		RefreshTokenID: req.RefreshTokenID,
	}

	if err := m.store.Save(ctx, session); err != nil {
		m.metrics.RecordOperation("create", "error")
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.metrics.RecordOperation("create", "success")
	m.logger.Info("session created",
		observability.String("session_id", session.ID),
		observability.String("user_id", userID),
		observability.String("ip", req.IPAddress),
	)
	return session, nil
}

// evictForCapacity revokes least-recently-active sessions until the user
// is below the cap.
func (m *Manager) evictForCapacity(ctx context.Context, userID string) error {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}

	now := time.Now()
	active := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status == StatusActive && !m.isExpired(s, now) {
			active = append(active, s)
		}
	}

	for len(active) >= m.config.MaxSessionsPerUser {
		oldest := active[0]
		for _, s := range active[1:] {
			if s.LastActivity.Before(oldest.LastActivity) {
				oldest = s
			}
		}

		oldest.Status = StatusRevoked
		if err := m.store.Update(ctx, oldest); err != nil {
			return fmt.Errorf("evict session: %w", err)
		}

		m.metrics.RecordOperation("evict", "success")
		m.logger.Info("session evicted at capacity",
			observability.String("session_id", oldest.ID),
			observability.String("user_id", userID),
		)

		next := active[:0]
		for _, s := range active {
			if s.ID != oldest.ID {
				next = append(next, s)
			}
		}
		active = next
	}

	return nil
}

func (m *Manager) isExpired(s *Session, now time.Time) bool {
	return now.After(s.ExpiresAt) || now.Sub(s.LastActivity) > m.config.IdleTimeout
}

// Get returns the session if it is active and within its expiry and idle
// bounds. A session past either bound is expired on the spot, so a stale
// session is never returned ahead of the sweep.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	session, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	// A session flagged suspicious stops serving immediately; its first
	// observation after the flag completes the transition to revoked.
	if session.Status == StatusSuspicious {
		session.Status = StatusRevoked
		if err := m.store.Update(ctx, session); err != nil {
			m.logger.Warn("suspicious session revocation failed",
				observability.String("session_id", id),
				observability.Error(err),
			)
		}
		m.metrics.RecordOperation("auto_revoke", "success")
		return nil, nil
	}

	if session.Status != StatusActive {
		return nil, nil
	}

	if m.isExpired(session, time.Now()) {
		session.Status = StatusExpired
		if err := m.store.Update(ctx, session); err != nil {
			m.logger.Warn("lazy session expiry failed",
				observability.String("session_id", id),
				observability.Error(err),
			)
		}
		m.metrics.RecordOperation("expire", "lazy")
		return nil, nil
	}

	return session, nil
}

// UpdateActivity records activity on a session: it slides the expiry when
// the session is close to it, and flags IP or user agent changes as
// anomalies. Anomaly handling never fails the current request; crossing
// the threshold marks the session suspicious, and the next observation
// revokes it.
func (m *Manager) UpdateActivity(ctx context.Context, id, ip, userAgent string) (*Session, error) {
	// One update at a time per session, or concurrent updates lose
	// anomaly increments.
	lock := m.sessionLocks.get(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	now := time.Now()
	session.LastActivity = now

	if time.Until(session.ExpiresAt) <= m.config.RenewalWindow {
		session.ExpiresAt = now.Add(m.config.TTL)
		m.metrics.RecordOperation("renew", "success")
	}

	if ip != "" && session.IPAddress != "" && ip != session.IPAddress {
		m.flag(session, "ip address changed")
		session.IPAddress = ip
	}
	if userAgent != "" && session.UserAgent != "" && userAgent != session.UserAgent {
		m.flag(session, "user agent changed")
		session.UserAgent = userAgent
	}

	// Crossing the threshold marks the session suspicious. The current
	// request still completes; the next one finds the session gone.
	if session.Status == StatusActive && session.SuspiciousCount >= m.config.SuspiciousThreshold {
		session.Status = StatusSuspicious
		m.metrics.RecordOperation("flag_suspicious", "success")
		m.logger.Warn("session flagged suspicious after repeated anomalies",
			observability.String("session_id", session.ID),
			observability.String("user_id", session.UserID),
			observability.Int("suspicious_count", session.SuspiciousCount),
		)
	}

	if err := m.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	return session, nil
}

// flag records one anomaly on the session.
func (m *Manager) flag(session *Session, reason string) {
	session.SuspiciousCount++
	m.metrics.RecordOperation("anomaly", "flagged")
	m.logger.Warn("suspicious session activity",
		observability.String("session_id", session.ID),
		observability.String("user_id", session.UserID),
		observability.String("reason", reason),
		observability.Int("suspicious_count", session.SuspiciousCount),
	)
	if m.anomaly != nil {
		m.anomaly(session, reason)
	}
}

// ListForUser returns the user's active, unexpired sessions.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}

	now := time.Now()
	live := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		if session.Status != StatusActive || m.isExpired(session, now) {
			continue
		}
		live = append(live, session)
	}
	return live, nil
}

// Revoke ends a session. Returns false when the session is absent or
// already inactive; revoking twice is a safe no-op. Suspicious sessions
// are still revocable so an operator can close them out explicitly.
func (m *Manager) Revoke(ctx context.Context, id string) (bool, error) {
	session, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if session.Status != StatusActive && session.Status != StatusSuspicious {
		return false, nil
	}

	session.Status = StatusRevoked
	if err := m.store.Update(ctx, session); err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}

	m.metrics.RecordOperation("revoke", "success")
	m.logger.Info("session revoked",
		observability.String("session_id", id),
		observability.String("user_id", session.UserID),
	)
	return true, nil
}

// RevokeUserSessions revokes every active session for the user except the
// given one. Used at password change to force re-authentication
// everywhere else.
func (m *Manager) RevokeUserSessions(ctx context.Context, userID, exceptID string) (int, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}

	revoked := 0
	for _, session := range sessions {
		if session.ID == exceptID || session.Status != StatusActive {
			continue
		}
		session.Status = StatusRevoked
		if err := m.store.Update(ctx, session); err != nil {
			return revoked, fmt.Errorf("update session: %w", err)
		}
		revoked++
	}

	m.metrics.RecordOperation("revoke_all", "success")
	m.logger.Info("user sessions revoked",
		observability.String("user_id", userID),
		observability.Int("revoked", revoked),
	)
	return revoked, nil
}

// Cleanup removes sessions that are no longer active or are past their
// bounds. Returns the number removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	now := time.Now()

	removed, err := m.store.DeleteWhere(ctx, func(s *Session) bool {
		return s.Status == StatusActive && !m.isExpired(s, now)
	})
	if err != nil {
		return removed, fmt.Errorf("session cleanup: %w", err)
	}

	if removed > 0 {
		m.logger.Debug("expired sessions removed", observability.Int("count", removed))
	}
	m.metrics.RecordSweep(removed)
	return removed, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
