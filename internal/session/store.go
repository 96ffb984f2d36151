package session

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionNotFound indicates the session id is unknown to the store.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions. In-memory for tests and single-instance
// deployments, Redis for anything that must survive a restart.
type Store interface {
	// Save inserts a new session.
	Save(ctx context.Context, session *Session) error

	// Get returns the session with the given id, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update replaces the stored session.
	Update(ctx context.Context, session *Session) error

	// Delete removes the session. Deleting an absent session is a no-op.
	Delete(ctx context.Context, id string) error

	// ListByUser returns every stored session for the user.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)

	// DeleteWhere removes sessions the predicate selects and returns the
	// number removed. The key set is snapshotted before mutation so the
	// scan never holds a write lock over the whole table.
	DeleteWhere(ctx context.Context, keep func(*Session) bool) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is the in-memory Store. Sessions are indexed by id and by
// user for cap enforcement.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := session.Clone()
	s.sessions[clone.ID] = clone
	if s.byUser[clone.UserID] == nil {
		s.byUser[clone.UserID] = make(map[string]struct{})
	}
	s.byUser[clone.UserID][clone.ID] = struct{}{}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(id)
	return nil
}

func (s *MemoryStore) deleteLocked(id string) {
	session, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if ids := s.byUser[session.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, session.UserID)
		}
	}
}

// ListByUser implements Store.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		if session, ok := s.sessions[id]; ok {
			sessions = append(sessions, session.Clone())
		}
	}
	return sessions, nil
}

// DeleteWhere implements Store.
func (s *MemoryStore) DeleteWhere(ctx context.Context, keep func(*Session) bool) (int, error) {
	s.mu.RLock()
	doomed := make([]string, 0)
	for id, session := range s.sessions {
		if !keep(session) {
			doomed = append(doomed, id)
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	removed := 0
	for _, id := range doomed {
		if session, ok := s.sessions[id]; ok && !keep(session) {
			s.deleteLocked(id)
			removed++
		}
	}
	s.mu.Unlock()

	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
