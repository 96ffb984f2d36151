// Package token implements the JWT access/refresh token lifecycle:
// issuance, verification, refresh rotation, and revocation via a
// blacklist. Access tokens are stateless signed artifacts; refresh tokens
// additionally carry a server-side one-time-use record keyed by jti.
package token

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the JWT claim set for both access and refresh tokens.
type Claims struct {
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	TokenType   string   `json:"type"`

	jwt.RegisteredClaims
}

// Principal is the claim source for access token issuance. The caller
// resolves it from the user store at login and again at refresh time, so
// privilege changes take effect on the next rotation.
type Principal struct {
	UserID      string
	Username    string
	Email       string
	Roles       []string
	Permissions []string
	TenantID    string
	WorkspaceID string
}

// PrincipalResolver loads the current principal for a user. Used during
// refresh rotation to re-read roles and permissions.
type PrincipalResolver func(ctx context.Context, userID string) (*Principal, error)

// Pair is an access/refresh token pair returned by login and refresh.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}
