package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/graklabs/grakgate/internal/observability"
)

// minSecretLength is the minimum HMAC secret size in bytes. Shorter keys
// fail configuration validation at startup, not at first use.
const minSecretLength = 32

// Sentinel errors. Verification failures collapse to ErrInvalidToken at
// the component boundary; the precise cause is logged internally only so
// callers cannot be used as an authentication oracle. The rotation race is
// the one distinguishable failure, because the client's remedy differs: it
// must re-authenticate, not retry.
var (
	// ErrInvalidToken is the generic externally-visible verification
	// failure.
	ErrInvalidToken = errors.New("invalid token")

	// ErrRefreshTokenRevoked indicates the refresh token was already
	// consumed or revoked.
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
)

// Config holds token manager configuration.
type Config struct {
	// Secret is the HMAC signing key. Must be at least 32 bytes.
	Secret string

	// Issuer is the iss claim stamped on and required of every token.
	Issuer string

	// Audience is the aud claim stamped on and required of every token.
	Audience string

	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration
}

// Validate checks the configuration, enforcing the secret length floor.
func (c *Config) Validate() error {
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("token secret must be at least %d bytes, got %d", minSecretLength, len(c.Secret))
	}
	if c.Issuer == "" {
		return errors.New("token issuer is required")
	}
	if c.Audience == "" {
		return errors.New("token audience is required")
	}
	if c.AccessTTL <= 0 {
		return errors.New("access token TTL must be positive")
	}
	if c.RefreshTTL <= 0 {
		return errors.New("refresh token TTL must be positive")
	}
	return nil
}

// DefaultConfig returns a Config with default TTLs. The secret has no
// default; deployments must provide one.
func DefaultConfig() *Config {
	return &Config{
		Issuer:     "grakgate",
		Audience:   "grakgate-api",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
}

// Manager issues, verifies, rotates, and revokes JWTs.
type Manager struct {
	config     *Config
	refresh    RefreshStore
	blacklist  Blacklist
	principals PrincipalResolver
	logger     observability.Logger
	metrics    *Metrics
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

// WithRefreshStore sets the refresh token registry.
func WithRefreshStore(store RefreshStore) ManagerOption {
	return func(m *Manager) {
		m.refresh = store
	}
}

// WithBlacklist sets the access token blacklist.
func WithBlacklist(blacklist Blacklist) ManagerOption {
	return func(m *Manager) {
		m.blacklist = blacklist
	}
}

// WithPrincipalResolver sets the resolver used to re-read roles and
// permissions during refresh rotation.
func WithPrincipalResolver(resolver PrincipalResolver) ManagerOption {
	return func(m *Manager) {
		m.principals = resolver
	}
}

// NewManager creates a token manager. Config validation runs here, so a
// weak secret is rejected at startup.
func NewManager(config *Config, opts ...ManagerOption) (*Manager, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("token config: %w", err)
	}

	m := &Manager{
		config: config,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.refresh == nil {
		m.refresh = NewMemoryRefreshStore()
	}
	if m.blacklist == nil {
		m.blacklist = NewMemoryBlacklist()
	}

	return m, nil
}

// CreateAccessToken encodes and signs an access token for the principal.
func (m *Manager) CreateAccessToken(ctx context.Context, principal *Principal) (string, error) {
	now := time.Now()

	claims := &Claims{
		Username:    principal.Username,
		Email:       principal.Email,
		Roles:       principal.Roles,
		Permissions: principal.Permissions,
		TenantID:    principal.TenantID,
		WorkspaceID: principal.WorkspaceID,
		TokenType:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UserID,
			Issuer:    m.config.Issuer,
			Audience:  jwt.ClaimStrings{m.config.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.Secret))
	if err != nil {
		m.metrics.RecordOperation("create_access", "error")
		return "", fmt.Errorf("sign access token: %w", err)
	}

	m.metrics.RecordOperation("create_access", "success")
	return signed, nil
}

// CreateRefreshToken mints a refresh token with a unique jti and persists
// its one-time-use record.
func (m *Manager) CreateRefreshToken(ctx context.Context, userID, deviceInfo string) (string, error) {
	now := time.Now()
	jti := uuid.NewString()
	expiresAt := now.Add(m.config.RefreshTTL)

	claims := &Claims{
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.config.Issuer,
			Audience:  jwt.ClaimStrings{m.config.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.Secret))
	if err != nil {
		m.metrics.RecordOperation("create_refresh", "error")
		return "", fmt.Errorf("sign refresh token: %w", err)
	}

	record := &RefreshRecord{
		TokenID:    jti,
		UserID:     userID,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		DeviceInfo: deviceInfo,
	}
	if err := m.refresh.Save(ctx, record); err != nil {
		m.metrics.RecordOperation("create_refresh", "error")
		return "", fmt.Errorf("persist refresh record: %w", err)
	}

	m.metrics.RecordOperation("create_refresh", "success")
	return signed, nil
}

// VerifyToken checks signature, expiry, issuer, audience, and (for access
// tokens) blacklist membership. All failures surface as ErrInvalidToken.
func (m *Manager) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		m.metrics.RecordOperation("verify", "error")
		m.logger.Debug("token verification failed", observability.Error(err))
		return nil, ErrInvalidToken
	}

	if claims.TokenType == TypeAccess {
		blacklisted, err := m.blacklist.Contains(ctx, tokenString)
		if err != nil {
			m.metrics.RecordOperation("verify", "error")
			m.logger.Warn("blacklist lookup failed", observability.Error(err))
			return nil, ErrInvalidToken
		}
		if blacklisted {
			m.metrics.RecordOperation("verify", "blacklisted")
			m.logger.Debug("token is blacklisted", observability.String("sub", claims.Subject))
			return nil, ErrInvalidToken
		}
	}

	m.metrics.RecordOperation("verify", "success")
	return claims, nil
}

// parse validates the JWS and registered claims.
func (m *Manager) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	},
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithAudience(m.config.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	if claims.TokenType != TypeAccess && claims.TokenType != TypeRefresh {
		return nil, fmt.Errorf("unknown token type: %q", claims.TokenType)
	}

	return claims, nil
}

// RefreshAccessToken rotates a refresh token: the old record is consumed
// atomically and a brand-new access/refresh pair is issued. Roles and
// permissions are re-read from the principal resolver, so privilege
// changes since issuance take effect immediately. Losing the consume race
// surfaces as ErrRefreshTokenRevoked.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken, deviceInfo string) (*Pair, error) {
	claims, err := m.parse(refreshToken)
	if err != nil {
		m.metrics.RecordOperation("refresh", "error")
		m.logger.Debug("refresh token verification failed", observability.Error(err))
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TypeRefresh || claims.ID == "" {
		m.metrics.RecordOperation("refresh", "error")
		m.logger.Debug("refresh called with non-refresh token", observability.String("sub", claims.Subject))
		return nil, ErrInvalidToken
	}

	won, err := m.refresh.Consume(ctx, claims.ID)
	if err != nil {
		m.metrics.RecordOperation("refresh", "error")
		return nil, fmt.Errorf("consume refresh record: %w", err)
	}
	if !won {
		m.metrics.RecordOperation("refresh", "revoked")
		m.logger.Warn("refresh token replay or double-spend detected",
			observability.String("jti", claims.ID),
			observability.String("sub", claims.Subject),
		)
		return nil, ErrRefreshTokenRevoked
	}

	if m.principals == nil {
		m.metrics.RecordOperation("refresh", "error")
		return nil, errors.New("principal resolver not configured")
	}

	principal, err := m.principals(ctx, claims.Subject)
	if err != nil {
		m.metrics.RecordOperation("refresh", "error")
		m.logger.Warn("principal resolution failed during refresh", observability.Error(err))
		return nil, ErrInvalidToken
	}

	accessToken, err := m.CreateAccessToken(ctx, principal)
	if err != nil {
		m.metrics.RecordOperation("refresh", "error")
		return nil, err
	}

	newRefreshToken, err := m.CreateRefreshToken(ctx, principal.UserID, deviceInfo)
	if err != nil {
		m.metrics.RecordOperation("refresh", "error")
		return nil, err
	}

	m.metrics.RecordOperation("refresh", "success")
	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(m.config.AccessTTL.Seconds()),
	}, nil
}

// RevokeAccessToken inserts the token into the blacklist until its natural
// expiry. Revoking an invalid or already-revoked token is a safe no-op.
func (m *Manager) RevokeAccessToken(ctx context.Context, tokenString string) error {
	claims, err := m.parse(tokenString)
	if err != nil {
		m.logger.Debug("revoke called with unverifiable token", observability.Error(err))
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}

	if err := m.blacklist.Add(ctx, tokenString, claims.ExpiresAt.Time); err != nil {
		m.metrics.RecordOperation("revoke_access", "error")
		return fmt.Errorf("blacklist add: %w", err)
	}

	m.metrics.RecordOperation("revoke_access", "success")
	return nil
}

// IsTokenBlacklisted reports blacklist membership for a token.
func (m *Manager) IsTokenBlacklisted(ctx context.Context, tokenString string) bool {
	blacklisted, err := m.blacklist.Contains(ctx, tokenString)
	if err != nil {
		m.logger.Warn("blacklist lookup failed", observability.Error(err))
		return false
	}
	return blacklisted
}

// RevokeRefreshToken revokes a single refresh token by value. Returns
// false when the token was absent or already revoked.
func (m *Manager) RevokeRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	claims, err := m.parse(refreshToken)
	if err != nil || claims.ID == "" {
		return false, nil
	}
	return m.refresh.Revoke(ctx, claims.ID)
}

// RevokeAllForUser revokes every live refresh token for a user. Used at
// logout-everywhere and password change.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	return m.refresh.RevokeAllForUser(ctx, userID)
}

// Sweep prunes expired refresh records and blacklist entries. Returns the
// total number removed.
func (m *Manager) Sweep(ctx context.Context) int {
	removedRefresh, err := m.refresh.DeleteExpired(ctx)
	if err != nil {
		m.logger.Warn("refresh store sweep failed", observability.Error(err))
	}

	removedBlacklist, err := m.blacklist.DeleteExpired(ctx)
	if err != nil {
		m.logger.Warn("blacklist sweep failed", observability.Error(err))
	}

	return removedRefresh + removedBlacklist
}

// Close releases store resources.
func (m *Manager) Close() error {
	if err := m.refresh.Close(); err != nil {
		return err
	}
	return m.blacklist.Close()
}
