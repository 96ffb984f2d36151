package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/graklabs/grakgate/internal/apikey"
	"github.com/graklabs/grakgate/internal/audit"
	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/token"
)

// MasterKeyPrefix marks break-glass keys. It is checked before generic
// API key validation.
const MasterKeyPrefix = "grak_master_"

// masterPermissions is the full admin superset granted to the master
// principal.
var masterPermissions = []string{
	"users:all",
	"keys:all",
	"sessions:all",
	"tenants:all",
	"admin:all",
}

// Request is the request context presented for authentication. Metadata
// fields feed the audit trail; credential values never do.
type Request struct {
	Credentials Credentials
	Method      string
	Path        string
	IPAddress   string
	UserAgent   string
}

// Config holds authenticator configuration.
type Config struct {
	// MasterKey is the break-glass credential. Empty disables master
	// authentication entirely.
	MasterKey string
}

// Authenticator fuses bearer tokens, API keys, and the master key into
// one identity decision.
type Authenticator struct {
	config  *Config
	tokens  *token.Manager
	keys    *apikey.Manager
	audit   audit.Logger
	logger  observability.Logger
	metrics *Metrics
}

// Option is a functional option for the authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(a *Authenticator) {
		a.metrics = metrics
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(auditLogger audit.Logger) Option {
	return func(a *Authenticator) {
		a.audit = auditLogger
	}
}

// NewAuthenticator creates the unified authenticator.
func NewAuthenticator(config *Config, tokens *token.Manager, keys *apikey.Manager, opts ...Option) *Authenticator {
	if config == nil {
		config = &Config{}
	}

	a := &Authenticator{
		config: config,
		tokens: tokens,
		keys:   keys,
		audit:  audit.NopLogger(),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Authenticate resolves a request to an identity. Dispatch order: master
// key, then API key, then bearer token; no credential at all is an
// authentication failure. Every branch emits one audit event.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request) (*Identity, error) {
	if req == nil {
		req = &Request{}
	}

	ctx, span := observability.Tracer("auth").Start(ctx, "Authenticate")
	defer span.End()

	switch {
	case strings.HasPrefix(req.Credentials.APIKey, MasterKeyPrefix):
		return a.authenticateMaster(ctx, req)
	case req.Credentials.APIKey != "":
		return a.authenticateAPIKey(ctx, req)
	case req.Credentials.BearerToken != "":
		return a.authenticateBearer(ctx, req)
	default:
		a.metrics.RecordAttempt(string(MethodJWT), "missing")
		a.logAttempt(ctx, req, nil, audit.OutcomeFailure, "no credentials presented")
		return nil, NewAuthenticationError("Authentication required", nil)
	}
}

// authenticateMaster handles the break-glass path. Master keys bypass
// quota and scope checks, so a failed match is treated as a security
// violation rather than a routine bad credential.
func (a *Authenticator) authenticateMaster(ctx context.Context, req *Request) (*Identity, error) {
	if a.config.MasterKey == "" ||
		subtle.ConstantTimeCompare([]byte(req.Credentials.APIKey), []byte(a.config.MasterKey)) != 1 {
		a.metrics.RecordAttempt(string(MethodMaster), "failure")

		event := audit.NewEvent(audit.EventSecurityViolation, audit.OutcomeDenied)
		event.Reason = "master key mismatch"
		event.Request = auditRequest(req)
		a.audit.Log(ctx, event)

		a.logger.Warn("master key authentication failed",
			observability.String("ip", req.IPAddress),
			observability.String("path", req.Path),
		)
		return nil, NewAuthenticationError("invalid credentials", nil)
	}

	identity := &Identity{
		UserID:        "master",
		Username:      "master",
		Roles:         []string{"admin"},
		Permissions:   append([]string(nil), masterPermissions...),
		AuthMethod:    MethodMaster,
		IsMasterAdmin: true,
	}

	a.metrics.RecordAttempt(string(MethodMaster), "success")
	a.logAttempt(ctx, req, identity, audit.OutcomeSuccess, "")

	// Every master key use is a standing security event, not just a login.
	event := audit.NewEvent(audit.EventSecurityViolation, audit.OutcomeSuccess)
	event.Reason = "master key used"
	event.Subject = auditSubject(identity)
	event.Request = auditRequest(req)
	a.audit.Log(ctx, event)

	return identity, nil
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, req *Request) (*Identity, error) {
	key, err := a.keys.Validate(ctx, req.Credentials.APIKey)
	if err != nil {
		var rateLimited *apikey.RateLimitedError
		if errors.As(err, &rateLimited) {
			a.metrics.RecordAttempt(string(MethodAPIKey), "rate_limited")

			event := audit.NewEvent(audit.EventRateLimitExceeded, audit.OutcomeDenied)
			event.Subject = &audit.Subject{APIKeyID: rateLimited.KeyID, AuthMethod: string(MethodAPIKey)}
			event.Request = auditRequest(req)
			a.audit.Log(ctx, event)

			return nil, NewRateLimitError(rateLimited.RetryAfter, err)
		}

		a.metrics.RecordAttempt(string(MethodAPIKey), "failure")
		a.logAttempt(ctx, req, nil, audit.OutcomeFailure, "api key rejected")
		a.logger.Debug("api key validation failed", observability.Error(err))
		return nil, NewAuthenticationError("invalid credentials", err)
	}

	identity := &Identity{
		UserID:      key.UserID,
		AuthMethod:  MethodAPIKey,
		TenantID:    key.TenantID,
		WorkspaceID: key.WorkspaceID,
		APIKeyID:    key.ID,
		Scopes:      append([]string(nil), key.Scopes...),
	}

	a.metrics.RecordAttempt(string(MethodAPIKey), "success")

	event := audit.NewEvent(audit.EventAPIKeyUsage, audit.OutcomeSuccess)
	event.Subject = auditSubject(identity)
	event.Request = auditRequest(req)
	a.audit.Log(ctx, event)

	return identity, nil
}

func (a *Authenticator) authenticateBearer(ctx context.Context, req *Request) (*Identity, error) {
	claims, err := a.tokens.VerifyToken(ctx, req.Credentials.BearerToken)
	if err != nil {
		a.metrics.RecordAttempt(string(MethodJWT), "failure")
		a.logAttempt(ctx, req, nil, audit.OutcomeFailure, "bearer token rejected")
		return nil, NewAuthenticationError("invalid credentials", err)
	}

	// Refresh tokens never authorize requests directly.
	if claims.TokenType != token.TypeAccess {
		a.metrics.RecordAttempt(string(MethodJWT), "failure")
		a.logAttempt(ctx, req, nil, audit.OutcomeFailure, "non-access token presented")
		return nil, NewAuthenticationError("invalid credentials", nil)
	}

	identity := &Identity{
		UserID:      claims.Subject,
		Username:    claims.Username,
		Email:       claims.Email,
		Roles:       append([]string(nil), claims.Roles...),
		Permissions: append([]string(nil), claims.Permissions...),
		AuthMethod:  MethodJWT,
		TenantID:    claims.TenantID,
		WorkspaceID: claims.WorkspaceID,
	}

	a.metrics.RecordAttempt(string(MethodJWT), "success")
	a.logAttempt(ctx, req, identity, audit.OutcomeSuccess, "")
	return identity, nil
}

func (a *Authenticator) logAttempt(ctx context.Context, req *Request, identity *Identity, outcome audit.Outcome, reason string) {
	event := audit.NewEvent(audit.EventAuthenticationAttempt, outcome)
	event.Reason = reason
	event.Subject = auditSubject(identity)
	event.Request = auditRequest(req)
	a.audit.Log(ctx, event)
}

func auditSubject(identity *Identity) *audit.Subject {
	if identity == nil {
		return nil
	}
	return &audit.Subject{
		UserID:     identity.UserID,
		Username:   identity.Username,
		TenantID:   identity.TenantID,
		AuthMethod: string(identity.AuthMethod),
		APIKeyID:   identity.APIKeyID,
		SessionID:  identity.SessionID,
	}
}

func auditRequest(req *Request) *audit.Request {
	return &audit.Request{
		Method:    req.Method,
		Path:      req.Path,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
}

// RequirePermission fails with an authorization error unless the identity
// holds the permission. Master admins pass every check.
func (a *Authenticator) RequirePermission(ctx context.Context, identity *Identity, permission string) error {
	if identity.IsMasterAdmin || identity.HasPermission(permission) {
		return nil
	}
	a.logDenied(ctx, identity, "permission "+permission)
	return NewAuthorizationError("permission " + permission)
}

// RequireRole fails with an authorization error unless the identity holds
// the role.
func (a *Authenticator) RequireRole(ctx context.Context, identity *Identity, role string) error {
	if identity.IsMasterAdmin || identity.HasRole(role) {
		return nil
	}
	a.logDenied(ctx, identity, "role "+role)
	return NewAuthorizationError("role " + role)
}

// RequireScope fails with an authorization error unless the identity's
// scopes satisfy the requested one. Non-API-key identities are checked
// against permissions of the same name.
func (a *Authenticator) RequireScope(ctx context.Context, identity *Identity, requested Scope) error {
	if identity.IsMasterAdmin {
		return nil
	}
	if identity.AuthMethod == MethodAPIKey {
		if identity.HasScope(requested) {
			return nil
		}
	} else if identity.HasPermission(requested.String()) {
		return nil
	}
	a.logDenied(ctx, identity, "scope "+requested.String())
	return NewAuthorizationError("scope " + requested.String())
}

// RequireMasterAdmin fails unless the identity is the master principal.
func (a *Authenticator) RequireMasterAdmin(ctx context.Context, identity *Identity) error {
	if identity.IsMasterAdmin {
		return nil
	}
	a.logDenied(ctx, identity, "master admin")
	return NewAuthorizationError("master admin")
}

func (a *Authenticator) logDenied(ctx context.Context, identity *Identity, requirement string) {
	a.metrics.RecordDenied(requirement)

	event := audit.NewEvent(audit.EventAuthorizationFailure, audit.OutcomeDenied)
	event.Reason = "missing " + requirement
	event.Subject = auditSubject(identity)
	a.audit.Log(ctx, event)
}
