// Package auth fuses the credential types of the platform, bearer JWTs,
// API keys, and the master key, into one authorization decision. It owns
// the per-request Identity, the authenticate dispatch order, the scope
// model, and the HTTP and gRPC surfaces that enforce them.
package auth

import (
	"context"
)

// Method is the credential type an identity was established with.
type Method string

// Authentication methods.
const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
	MethodMaster Method = "master"
)

// Identity is the per-request authenticated principal. It is ephemeral
// and never persisted.
type Identity struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	AuthMethod  Method   `json:"auth_method"`
	TenantID    string   `json:"tenant_id,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	APIKeyID    string   `json:"api_key_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`

	// IsMasterAdmin marks the break-glass principal. It bypasses scope
	// and quota checks and is audited separately.
	IsMasterAdmin bool `json:"is_master_admin"`

	// Scopes apply to API key identities only.
	Scopes []string `json:"scopes,omitempty"`
}

// HasRole reports whether the identity holds the role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the identity holds the permission.
func (i *Identity) HasPermission(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// HasScope reports whether the identity's scopes satisfy the requested
// scope, honoring the "<type>:all" wildcard.
func (i *Identity) HasScope(requested Scope) bool {
	for _, s := range i.Scopes {
		granted, err := ParseScope(s)
		if err != nil {
			continue
		}
		if granted.Satisfies(requested) {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFromContext returns the identity attached to the context, if
// any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(*Identity)
	return identity, ok
}
