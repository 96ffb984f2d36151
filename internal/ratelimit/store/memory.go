package store

import (
	"context"
	"sync"
	"time"
)

// entry represents a stored counter with expiration.
type entry struct {
	value      int64
	expiration time.Time
}

// MemoryStore implements Store using in-memory storage. A background
// sweeper evicts expired counters so stale fixed-window buckets do not
// accumulate; the sweep snapshots the key set before deleting to keep the
// critical section short.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*entry
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a new in-memory store with a one-minute sweep.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a new in-memory store with a
// custom sweep interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:    make(map[string]*entry),
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}

	if !e.expiration.IsZero() && time.Now().After(e.expiration) {
		delete(s.data, key)
		return 0, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	s.mu.Lock()
	s.data[key] = &entry{value: value, expiration: exp}
	s.mu.Unlock()

	return nil
}

// IncrementWithExpiry implements Store. The increment and the expiry
// assignment happen under one lock, so concurrent callers never observe a
// partially applied counter.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || (!e.expiration.IsZero() && now.After(e.expiration)) {
		var exp time.Time
		if expiration > 0 {
			exp = now.Add(expiration)
		}
		s.data[key] = &entry{value: delta, expiration: exp}
		return delta, nil
	}

	e.value += delta
	return e.value, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return nil
}

// Close implements Store. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		s.cleanup.Stop()
		close(s.done)
	})
	return nil
}

// Len returns the number of live counters. Used by tests and sweeps.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// sweepLoop periodically evicts expired counters.
func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep deletes expired entries. The expired key set is collected first so
// the lock is never held across the whole scan-and-delete in one pass.
func (s *MemoryStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	expired := make([]string, 0)
	for key, e := range s.data {
		if !e.expiration.IsZero() && now.After(e.expiration) {
			expired = append(expired, key)
		}
	}
	s.mu.Unlock()

	s.mu.Lock()
	for _, key := range expired {
		if e, ok := s.data[key]; ok && !e.expiration.IsZero() && now.After(e.expiration) {
			delete(s.data, key)
		}
	}
	s.mu.Unlock()
}
