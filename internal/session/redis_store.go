package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix  = "sessions:"
	sessionUserPrefix = "sessionsuser:"

	// sessionGrace keeps expired sessions around long enough for the
	// sweep to count them before Redis evicts the key.
	sessionGrace = time.Hour
)

// RedisStore is the Redis-backed Store. Sessions live under
// sessions:<id>; a per-user sorted set scored by last activity supports
// cap enforcement and least-recently-active eviction.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a session store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionTTL(s *Session) time.Duration {
	ttl := time.Until(s.ExpiresAt) + sessionGrace
	if ttl < sessionGrace {
		ttl = sessionGrace
	}
	return ttl
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := sessionTTL(session)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, raw, ttl)
	pipe.ZAdd(ctx, sessionUserPrefix+session.UserID, redis.Z{
		Score:  float64(session.LastActivity.UnixNano()),
		Member: session.ID,
	})
	pipe.Expire(ctx, sessionUserPrefix+session.UserID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// Update implements Store. Save already upserts and refreshes the
// activity score, so Update only adds the existence check.
func (s *RedisStore) Update(ctx context.Context, session *Session) error {
	n, err := s.client.Exists(ctx, sessionKeyPrefix+session.ID).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return s.Save(ctx, session)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	pipe.ZRem(ctx, sessionUserPrefix+session.UserID, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListByUser implements Store. Ids whose session key has been evicted are
// dropped from the index as they are discovered.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.client.ZRange(ctx, sessionUserPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			s.client.ZRem(ctx, sessionUserPrefix+userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// DeleteWhere implements Store. A cursor scan keeps memory flat on large
// session tables.
func (s *RedisStore) DeleteWhere(ctx context.Context, keep func(*Session) bool) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(sessionKeyPrefix):]
		session, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if keep(session) {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan sessions: %w", err)
	}
	return removed, nil
}

// Close implements Store. The client is shared and owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
