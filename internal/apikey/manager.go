package apikey

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/ratelimit"
)

// Manager errors. Validation outcomes are plain sentinel returns, not
// exceptional conditions; callers branch on them.
var (
	// ErrInvalidKey indicates the raw key is empty, malformed, or
	// unknown.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrKeyRevoked indicates the key exists but has been deactivated.
	ErrKeyRevoked = errors.New("api key revoked")

	// ErrKeyExpired indicates the key exists but is past its expiry.
	ErrKeyExpired = errors.New("api key expired")

	// ErrNoScopes indicates a create request with an empty scope list.
	ErrNoScopes = errors.New("api key requires at least one scope")

	// ErrQuotaExceeded indicates the per-user active key quota is full.
	ErrQuotaExceeded = errors.New("api key quota exceeded")

	// ErrNotOwner indicates the caller does not own the key.
	ErrNotOwner = errors.New("api key not owned by caller")
)

// RateLimitedError is returned when a key's own rate limit rejects the
// request. RetryAfter tells the caller when the next attempt can succeed.
type RateLimitedError struct {
	KeyID      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("api key %s rate limited, retry after %s", e.KeyID, e.RetryAfter)
}

// DefaultMaxKeysPerUser is the active-key quota applied when the config
// leaves it unset.
const DefaultMaxKeysPerUser = 10

// Config holds manager configuration.
type Config struct {
	// MaxKeysPerUser caps active, unexpired keys per user.
	MaxKeysPerUser int `yaml:"maxKeysPerUser" json:"maxKeysPerUser"`
}

// CreateRequest describes a new key.
type CreateRequest struct {
	Name        string            `json:"name"`
	TenantID    string            `json:"tenant_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Scopes      []string          `json:"scopes"`
	RateLimit   *ratelimit.Config `json:"rate_limit,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// CreateResponse carries the stored key and the raw secret. RawKey is the
// only time the secret leaves the manager.
type CreateResponse struct {
	Key    *Key   `json:"key"`
	RawKey string `json:"raw_key"`
}

// RevokeFilter status values.
const (
	FilterStatusActive  = "active"
	FilterStatusExpired = "expired"
)

// RevokeFilter selects keys for admin batch revocation. Empty fields
// match everything; at least one of UserID, TenantID, or WorkspaceID must
// be set so the selection is always bounded.
type RevokeFilter struct {
	UserID      string
	TenantID    string
	WorkspaceID string

	// Status narrows by key state: FilterStatusActive for keys still
	// within their expiry, FilterStatusExpired for keys past it. Empty
	// matches both.
	Status string

	// Scope keeps only keys granted the exact scope string.
	Scope string

	// CreatedAfter and CreatedBefore bound the creation time. Zero values
	// leave the bound open.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f RevokeFilter) matches(key *Key) bool {
	if f.UserID != "" && key.UserID != f.UserID {
		return false
	}
	if f.TenantID != "" && key.TenantID != f.TenantID {
		return false
	}
	if f.WorkspaceID != "" && key.WorkspaceID != f.WorkspaceID {
		return false
	}
	switch f.Status {
	case FilterStatusActive:
		if key.IsExpired() {
			return false
		}
	case FilterStatusExpired:
		if !key.IsExpired() {
			return false
		}
	}
	if f.Scope != "" {
		found := false
		for _, s := range key.Scopes {
			if s == f.Scope {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && key.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && key.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// Manager drives the API key lifecycle over a Store, delegating per-key
// rate limiting to the shared registry.
type Manager struct {
	config  *Config
	store   Store
	limits  *ratelimit.Registry
	logger  observability.Logger
	metrics *Metrics

	// creates serializes the quota check against the insert per user.
	creates stripedLocks
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

// WithRateLimits sets the rate limit registry consulted per key.
func WithRateLimits(limits *ratelimit.Registry) ManagerOption {
	return func(m *Manager) {
		m.limits = limits
	}
}

// NewManager creates an API key manager over the given store.
func NewManager(config *Config, store Store, opts ...ManagerOption) *Manager {
	if config == nil {
		config = &Config{}
	}
	if config.MaxKeysPerUser <= 0 {
		config.MaxKeysPerUser = DefaultMaxKeysPerUser
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

// Create mints a new key for the user. The raw secret appears only in the
// response; the store keeps the hash.
func (m *Manager) Create(ctx context.Context, userID string, req *CreateRequest) (*CreateResponse, error) {
	if len(req.Scopes) == 0 {
		m.metrics.RecordOperation("create", "validation_error")
		return nil, ErrNoScopes
	}

	// The count and the insert must be one critical section, or two
	// concurrent creates both pass the quota check.
	lock := m.creates.get(userID)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.store.CountActiveForUser(ctx, userID)
	if err != nil {
		m.metrics.RecordOperation("create", "error")
		return nil, fmt.Errorf("count active keys: %w", err)
	}
	if active >= m.config.MaxKeysPerUser {
		m.metrics.RecordOperation("create", "quota_exceeded")
		m.logger.Warn("api key quota exceeded",
			observability.String("user_id", userID),
			observability.Int("active_keys", active),
			observability.Int("quota", m.config.MaxKeysPerUser),
		)
		return nil, ErrQuotaExceeded
	}

	raw, prefix, hash, err := Generate()
	if err != nil {
		m.metrics.RecordOperation("create", "error")
		return nil, err
	}

	key := &Key{
		ID:          uuid.NewString(),
		Name:        req.Name,
		KeyHash:     hash,
		Prefix:      prefix,
		UserID:      userID,
		TenantID:    req.TenantID,
		WorkspaceID: req.WorkspaceID,
		Scopes:      append([]string(nil), req.Scopes...),
		RateLimit:   req.RateLimit,
		IsActive:    true,
		CreatedAt:   time.Now(),
		ExpiresAt:   req.ExpiresAt,
	}

	if err := m.store.Create(ctx, key); err != nil {
		m.metrics.RecordOperation("create", "error")
		return nil, fmt.Errorf("store api key: %w", err)
	}

	m.metrics.RecordOperation("create", "success")
	m.logger.Info("api key created",
		observability.String("key_id", key.ID),
		observability.String("user_id", userID),
		observability.String("prefix", prefix),
	)

	return &CreateResponse{Key: key, RawKey: raw}, nil
}

// Validate checks a raw key end to end: hash lookup, active and expiry
// state, then the key's own rate limit. On success the usage counters are
// updated best-effort; a failed touch never fails the request.
func (m *Manager) Validate(ctx context.Context, raw string) (*Key, error) {
	if raw == "" {
		m.metrics.RecordOperation("validate", "invalid")
		return nil, ErrInvalidKey
	}

	key, err := m.store.GetByHash(ctx, HashKey(raw))
	if errors.Is(err, ErrKeyNotFound) {
		m.metrics.RecordOperation("validate", "invalid")
		return nil, ErrInvalidKey
	}
	if err != nil {
		m.metrics.RecordOperation("validate", "error")
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	if !key.IsActive {
		m.metrics.RecordOperation("validate", "revoked")
		return nil, ErrKeyRevoked
	}
	if key.IsExpired() {
		m.metrics.RecordOperation("validate", "expired")
		return nil, ErrKeyExpired
	}

	if m.limits != nil {
		result, err := m.limits.Check(ctx, "apikey:"+key.ID, key.RateLimit)
		if err != nil {
			m.metrics.RecordOperation("validate", "error")
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !result.Allowed {
			m.metrics.RecordOperation("validate", "rate_limited")
			return nil, &RateLimitedError{KeyID: key.ID, RetryAfter: result.RetryAfter}
		}
	}

	if err := m.store.Touch(ctx, key.ID, time.Now()); err != nil {
		m.logger.Warn("api key usage update failed",
			observability.String("key_id", key.ID),
			observability.Error(err),
		)
	}

	m.metrics.RecordOperation("validate", "success")
	return key, nil
}

// Rotate swaps the key's secret while keeping its identity, scopes, and
// metadata. The old raw stops validating the moment the new hash lands.
func (m *Manager) Rotate(ctx context.Context, userID, keyID string) (*CreateResponse, error) {
	key, err := m.store.GetByID(ctx, keyID)
	if err != nil {
		m.metrics.RecordOperation("rotate", "not_found")
		return nil, err
	}
	if key.UserID != userID {
		m.metrics.RecordOperation("rotate", "forbidden")
		return nil, ErrNotOwner
	}
	if !key.IsActive {
		m.metrics.RecordOperation("rotate", "revoked")
		return nil, ErrKeyRevoked
	}

	raw, prefix, hash, err := Generate()
	if err != nil {
		m.metrics.RecordOperation("rotate", "error")
		return nil, err
	}

	key.KeyHash = hash
	key.Prefix = prefix
	if err := m.store.Update(ctx, key); err != nil {
		m.metrics.RecordOperation("rotate", "error")
		return nil, fmt.Errorf("update api key: %w", err)
	}

	m.metrics.RecordOperation("rotate", "success")
	m.logger.Info("api key rotated",
		observability.String("key_id", key.ID),
		observability.String("user_id", userID),
		observability.String("prefix", prefix),
	)

	return &CreateResponse{Key: key, RawKey: raw}, nil
}

// Revoke deactivates a key owned by the user. Revoking an already-revoked
// key is a no-op.
func (m *Manager) Revoke(ctx context.Context, userID, keyID string) error {
	key, err := m.store.GetByID(ctx, keyID)
	if err != nil {
		m.metrics.RecordOperation("revoke", "not_found")
		return err
	}
	if key.UserID != userID {
		m.metrics.RecordOperation("revoke", "forbidden")
		return ErrNotOwner
	}
	if !key.IsActive {
		m.metrics.RecordOperation("revoke", "success")
		return nil
	}

	key.IsActive = false
	if err := m.store.Update(ctx, key); err != nil {
		m.metrics.RecordOperation("revoke", "error")
		return fmt.Errorf("update api key: %w", err)
	}

	m.metrics.RecordOperation("revoke", "success")
	m.logger.Info("api key revoked",
		observability.String("key_id", key.ID),
		observability.String("user_id", userID),
	)
	return nil
}

// RevokeBatch deactivates every active key matching the filter. Admin
// surface; ownership is not checked here.
func (m *Manager) RevokeBatch(ctx context.Context, filter RevokeFilter) (int, error) {
	if filter.UserID == "" && filter.TenantID == "" && filter.WorkspaceID == "" {
		return 0, errors.New("revoke filter requires a user, tenant, or workspace")
	}
	switch filter.Status {
	case "", FilterStatusActive, FilterStatusExpired:
	default:
		return 0, fmt.Errorf("unknown filter status %q", filter.Status)
	}

	keys, err := m.store.ListWhere(ctx, filter.matches)
	if err != nil {
		return 0, fmt.Errorf("list api keys: %w", err)
	}

	revoked := 0
	for _, key := range keys {
		if !key.IsActive {
			continue
		}
		key.IsActive = false
		if err := m.store.Update(ctx, key); err != nil {
			return revoked, fmt.Errorf("update api key: %w", err)
		}
		revoked++
	}

	m.logger.Info("api keys batch revoked",
		observability.String("user_id", filter.UserID),
		observability.String("tenant_id", filter.TenantID),
		observability.String("workspace_id", filter.WorkspaceID),
		observability.Int("revoked", revoked),
	)
	return revoked, nil
}

// ListForUser returns the user's keys with hashes blanked. Listings show
// prefixes only.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*Key, error) {
	keys, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	for _, key := range keys {
		key.KeyHash = ""
	}
	return keys, nil
}

// Sweep removes expired keys and returns the number removed.
func (m *Manager) Sweep(ctx context.Context) int {
	removed, err := m.store.DeleteExpired(ctx)
	if err != nil {
		m.logger.Warn("api key sweep failed", observability.Error(err))
	}
	return removed
}
