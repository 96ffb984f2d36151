package apikey

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Store errors.
var (
	// ErrKeyNotFound indicates the key does not exist in the store.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrDuplicateKey indicates a key with the same id or hash already
	// exists.
	ErrDuplicateKey = errors.New("api key already exists")
)

// Store persists API keys. Lookup by hash is the hot path and must be
// O(1); everything else is management traffic.
type Store interface {
	// Create inserts a new key.
	Create(ctx context.Context, key *Key) error

	// GetByHash returns the key with the given hash.
	GetByHash(ctx context.Context, keyHash string) (*Key, error)

	// GetByID returns the key with the given id.
	GetByID(ctx context.Context, id string) (*Key, error)

	// ListByUser returns every key owned by the user.
	ListByUser(ctx context.Context, userID string) ([]*Key, error)

	// ListWhere returns every key the predicate selects. Admin surface;
	// listings for end users go through ListByUser.
	ListWhere(ctx context.Context, match func(*Key) bool) ([]*Key, error)

	// CountActiveForUser returns the number of active, unexpired keys
	// owned by the user.
	CountActiveForUser(ctx context.Context, userID string) (int, error)

	// Update replaces the stored key, reindexing if the hash changed.
	Update(ctx context.Context, key *Key) error

	// Touch stamps last-used and bumps the usage counter.
	Touch(ctx context.Context, id string, when time.Time) error

	// DeleteExpired removes keys past their expiry and returns the
	// number removed.
	DeleteExpired(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is the in-memory Store. Keys are indexed twice, by hash for
// validation and by id for management.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*Key
	byID   map[string]*Key
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*Key),
		byID:   make(map[string]*Key),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[key.ID]; exists {
		return ErrDuplicateKey
	}
	if _, exists := s.byHash[key.KeyHash]; exists {
		return ErrDuplicateKey
	}

	clone := key.Clone()
	s.byID[clone.ID] = clone
	s.byHash[clone.KeyHash] = clone
	return nil
}

// GetByHash implements Store.
func (s *MemoryStore) GetByHash(ctx context.Context, keyHash string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key.Clone(), nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key.Clone(), nil
}

// ListByUser implements Store.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*Key, 0)
	for _, key := range s.byID {
		if key.UserID == userID {
			keys = append(keys, key.Clone())
		}
	}
	return keys, nil
}

// ListWhere implements Store.
func (s *MemoryStore) ListWhere(ctx context.Context, match func(*Key) bool) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*Key, 0)
	for _, key := range s.byID {
		if match(key) {
			keys = append(keys, key.Clone())
		}
	}
	return keys, nil
}

// CountActiveForUser implements Store.
func (s *MemoryStore) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, key := range s.byID {
		if key.UserID == userID && key.IsActive && !key.IsExpired() {
			count++
		}
	}
	return count, nil
}

// Update implements Store. The hash index moves with the key, so a
// rotation swaps the old hash for the new one in a single critical
// section: there is no window where both raws validate.
func (s *MemoryStore) Update(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}

	clone := key.Clone()
	if current.KeyHash != clone.KeyHash {
		delete(s.byHash, current.KeyHash)
	}
	s.byID[clone.ID] = clone
	s.byHash[clone.KeyHash] = clone
	return nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(ctx context.Context, id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}

	t := when
	key.LastUsedAt = &t
	key.UsageCount++
	return nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, key := range s.byID {
		if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
			delete(s.byID, id)
			delete(s.byHash, key.KeyHash)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
