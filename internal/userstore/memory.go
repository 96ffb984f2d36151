package userstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

// Add inserts a user. Usernames and emails are unique, case-insensitive.
func (s *MemoryStore) Add(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(user.Username)
	email := strings.ToLower(user.Email)

	if _, exists := s.byID[user.ID]; exists {
		return ErrUserExists
	}
	if _, exists := s.byUsername[username]; exists {
		return ErrUserExists
	}
	if email != "" {
		if _, exists := s.byEmail[email]; exists {
			return ErrUserExists
		}
	}

	clone := user.Clone()
	s.byID[clone.ID] = clone
	s.byUsername[username] = clone.ID
	if email != "" {
		s.byEmail[email] = clone.ID
	}
	return nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.Clone(), nil
}

// GetByUsername implements Store.
func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.byID[id].Clone(), nil
}

// GetByEmail implements Store.
func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.byID[id].Clone(), nil
}

// UpdateLastLogin implements Store.
func (s *MemoryStore) UpdateLastLogin(ctx context.Context, id string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}

	t := when
	user.LastLoginAt = &t
	return nil
}

var _ Store = (*MemoryStore)(nil)
