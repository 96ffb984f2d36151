// Package apikey implements the API key lifecycle: generation, hashed
// storage, validation with per-key rate limiting, rotation, and
// revocation. The raw key material is returned to the caller exactly once
// at creation; only a SHA-256 hash is ever stored.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/graklabs/grakgate/internal/ratelimit"
)

const (
	// KeyPrefix marks every generated key so leaked credentials can be
	// grepped for in logs and repositories.
	KeyPrefix = "grak_"

	// keyRandomBytes is the entropy of the secret part. 32 bytes keeps
	// the key above the 256-bit floor.
	keyRandomBytes = 32

	// displayPrefixLen is how much of the raw key is kept as the display
	// prefix. Enough to recognize a key in a listing, far too little to
	// reconstruct it.
	displayPrefixLen = len(KeyPrefix) + 8
)

// Key is a stored API key. KeyHash indexes the key; the raw secret never
// appears here.
type Key struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	KeyHash     string            `json:"key_hash"`
	Prefix      string            `json:"prefix"`
	UserID      string            `json:"user_id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	Scopes      []string          `json:"scopes"`
	RateLimit   *ratelimit.Config `json:"rate_limit,omitempty"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	UsageCount  int64             `json:"usage_count"`
}

// IsExpired reports whether the key is past its expiry. Keys without an
// expiry never expire.
func (k *Key) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate store state.
func (k *Key) Clone() *Key {
	clone := *k
	clone.Scopes = append([]string(nil), k.Scopes...)
	if k.RateLimit != nil {
		rl := *k.RateLimit
		clone.RateLimit = &rl
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		clone.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		clone.LastUsedAt = &t
	}
	return &clone
}

// Generate mints new key material. It returns the raw key, its display
// prefix, and the storage hash.
func Generate() (raw, prefix, hash string, err error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}

	raw = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, raw[:displayPrefixLen], HashKey(raw), nil
}

// HashKey derives the storage hash for a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashEqual compares two key hashes in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
