package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// RefreshRecord is the server-side state for one refresh token, keyed by
// its jti. A record is consumed exactly once; after that the token is dead
// regardless of its signature validity.
type RefreshRecord struct {
	TokenID    string    `json:"token_id"`
	UserID     string    `json:"user_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	DeviceInfo string    `json:"device_info,omitempty"`
	IsRevoked  bool      `json:"is_revoked"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// RefreshStore is the registry of live refresh tokens. Implementations
// must make Consume atomic per token id: of any number of concurrent
// consumers, exactly one wins.
type RefreshStore interface {
	// Save persists a new refresh record.
	Save(ctx context.Context, record *RefreshRecord) error

	// Get returns the record for the given token id, or nil if absent.
	Get(ctx context.Context, tokenID string) (*RefreshRecord, error)

	// Consume atomically marks the record revoked and stamps its last
	// use. Returns false when the record is absent, already revoked, or
	// expired; true for the single winning caller.
	Consume(ctx context.Context, tokenID string) (bool, error)

	// Revoke marks the record revoked without consuming it. Returns false
	// if the record was absent or already revoked.
	Revoke(ctx context.Context, tokenID string) (bool, error)

	// RevokeAllForUser revokes every live record for a user and returns
	// the number revoked.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)

	// DeleteExpired removes records past their expiry and returns the
	// number removed.
	DeleteExpired(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// Blacklist is the denylist of revoked-but-unexpired access tokens.
// Entries die with the token's natural expiry.
type Blacklist interface {
	// Add inserts a token until its expiry.
	Add(ctx context.Context, token string, expiresAt time.Time) error

	// Contains reports whether the token is blacklisted.
	Contains(ctx context.Context, token string) (bool, error)

	// DeleteExpired removes entries past their expiry and returns the
	// number removed.
	DeleteExpired(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// hashToken derives the storage key for a token. Raw tokens are never
// stored, in the blacklist or anywhere else.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryRefreshStore is the in-memory RefreshStore. Suitable for tests and
// single-instance deployments; a process restart invalidates every token.
type MemoryRefreshStore struct {
	mu      sync.RWMutex
	records map[string]*RefreshRecord
}

// NewMemoryRefreshStore creates an empty in-memory refresh registry.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{records: make(map[string]*RefreshRecord)}
}

// Save implements RefreshStore.
func (s *MemoryRefreshStore) Save(ctx context.Context, record *RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.records[record.TokenID] = &clone
	return nil
}

// Get implements RefreshStore.
func (s *MemoryRefreshStore) Get(ctx context.Context, tokenID string) (*RefreshRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[tokenID]
	if !ok {
		return nil, nil
	}

	clone := *record
	return &clone, nil
}

// Consume implements RefreshStore. The check and the revocation flip are a
// single critical section, which is what makes rotation race-free: two
// near-simultaneous refresh calls with the same jti yield exactly one
// winner.
func (s *MemoryRefreshStore) Consume(ctx context.Context, tokenID string) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[tokenID]
	if !ok || record.IsRevoked || now.After(record.ExpiresAt) {
		return false, nil
	}

	record.IsRevoked = true
	record.LastUsedAt = now
	return true, nil
}

// Revoke implements RefreshStore.
func (s *MemoryRefreshStore) Revoke(ctx context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[tokenID]
	if !ok || record.IsRevoked {
		return false, nil
	}

	record.IsRevoked = true
	return true, nil
}

// RevokeAllForUser implements RefreshStore.
func (s *MemoryRefreshStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, record := range s.records {
		if record.UserID == userID && !record.IsRevoked {
			record.IsRevoked = true
			revoked++
		}
	}
	return revoked, nil
}

// DeleteExpired implements RefreshStore. Expired keys are collected before
// deletion so the write lock is not held across a full scan-and-mutate.
func (s *MemoryRefreshStore) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.RLock()
	expired := make([]string, 0)
	for id, record := range s.records {
		if now.After(record.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	removed := 0
	for _, id := range expired {
		if record, ok := s.records[id]; ok && now.After(record.ExpiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	s.mu.Unlock()

	return removed, nil
}

// Close implements RefreshStore.
func (s *MemoryRefreshStore) Close() error {
	return nil
}

// MemoryBlacklist is the in-memory Blacklist.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryBlacklist creates an empty in-memory blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time)}
}

// Add implements Blacklist. Adding an already-present token is a no-op.
func (b *MemoryBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	b.mu.Lock()
	b.entries[hashToken(token)] = expiresAt
	b.mu.Unlock()
	return nil
}

// Contains implements Blacklist. Expired entries are pruned lazily on
// lookup.
func (b *MemoryBlacklist) Contains(ctx context.Context, token string) (bool, error) {
	key := hashToken(token)

	b.mu.RLock()
	expiresAt, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		return false, nil
	}

	if time.Now().After(expiresAt) {
		b.mu.Lock()
		delete(b.entries, key)
		b.mu.Unlock()
		return false, nil
	}

	return true, nil
}

// DeleteExpired implements Blacklist.
func (b *MemoryBlacklist) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now()

	b.mu.RLock()
	expired := make([]string, 0)
	for key, expiresAt := range b.entries {
		if now.After(expiresAt) {
			expired = append(expired, key)
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	removed := 0
	for _, key := range expired {
		if expiresAt, ok := b.entries[key]; ok && now.After(expiresAt) {
			delete(b.entries, key)
			removed++
		}
	}
	b.mu.Unlock()

	return removed, nil
}

// Close implements Blacklist.
func (b *MemoryBlacklist) Close() error {
	return nil
}

var (
	_ RefreshStore = (*MemoryRefreshStore)(nil)
	_ Blacklist    = (*MemoryBlacklist)(nil)
)
