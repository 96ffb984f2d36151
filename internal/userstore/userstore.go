// Package userstore defines the external user and role store the
// authentication core reads principals from, plus password hashing
// helpers. Production deployments back it with a directory or database;
// the in-memory implementation serves tests and bootstrap.
package userstore

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Store errors.
var (
	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists indicates a create collided with an existing user.
	ErrUserExists = errors.New("user already exists")
)

// User is an account record. PasswordHash is bcrypt; the cleartext never
// touches the store.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Roles        []string   `json:"roles"`
	Permissions  []string   `json:"permissions"`
	TenantID     string     `json:"tenant_id,omitempty"`
	WorkspaceID  string     `json:"workspace_id,omitempty"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// Clone returns a copy so callers cannot mutate store state.
func (u *User) Clone() *User {
	clone := *u
	clone.Roles = append([]string(nil), u.Roles...)
	clone.Permissions = append([]string(nil), u.Permissions...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		clone.LastLoginAt = &t
	}
	return &clone
}

// Store is the user and role source of record. Every call carries a
// context; implementations wrapping remote backends must honor its
// deadline.
type Store interface {
	// GetByID returns the user with the given id.
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByUsername returns the user with the given username.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByEmail returns the user with the given email.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdateLastLogin stamps the user's last login time.
	UpdateLastLogin(ctx context.Context, id string, when time.Time) error
}

// HashPassword derives a bcrypt hash from a cleartext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether the password matches the hash. bcrypt
// comparison is constant time per cost round.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
