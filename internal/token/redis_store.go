package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	refreshKeyPrefix   = "refresh:"
	refreshUserPrefix  = "refreshuser:"
	blacklistKeyPrefix = "blacklist:"
)

// consumeScript atomically flips is_revoked on a refresh record. It
// returns 1 to the single winning caller and 0 to everyone else, which is
// the compare-and-swap the rotation race depends on.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local record = cjson.decode(raw)
if record.is_revoked then
	return 0
end
record.is_revoked = true
record.last_used_at = ARGV[1]
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(record), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(record))
end
return 1
`)

// RedisRefreshStore is the Redis-backed RefreshStore. Records live under
// refresh:<jti> with a TTL matching the token expiry; a per-user set
// indexes live jtis for bulk revocation.
type RedisRefreshStore struct {
	client *redis.Client
}

// NewRedisRefreshStore creates a refresh registry over an existing client.
func NewRedisRefreshStore(client *redis.Client) *RedisRefreshStore {
	return &RedisRefreshStore{client: client}
}

// Save implements RefreshStore.
func (s *RedisRefreshStore) Save(ctx context.Context, record *RefreshRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal refresh record: %w", err)
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return errors.New("refresh record already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshKeyPrefix+record.TokenID, raw, ttl)
	pipe.SAdd(ctx, refreshUserPrefix+record.UserID, record.TokenID)
	pipe.Expire(ctx, refreshUserPrefix+record.UserID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save refresh record: %w", err)
	}

	return nil
}

// Get implements RefreshStore.
func (s *RedisRefreshStore) Get(ctx context.Context, tokenID string) (*RefreshRecord, error) {
	raw, err := s.client.Get(ctx, refreshKeyPrefix+tokenID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh record: %w", err)
	}

	var record RefreshRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal refresh record: %w", err)
	}
	return &record, nil
}

// Consume implements RefreshStore.
func (s *RedisRefreshStore) Consume(ctx context.Context, tokenID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	won, err := consumeScript.Run(ctx, s.client, []string{refreshKeyPrefix + tokenID}, now).Int()
	if err != nil {
		return false, fmt.Errorf("consume refresh record: %w", err)
	}
	return won == 1, nil
}

// Revoke implements RefreshStore. Same compare-and-swap as Consume; only
// the bookkeeping intent differs.
func (s *RedisRefreshStore) Revoke(ctx context.Context, tokenID string) (bool, error) {
	return s.Consume(ctx, tokenID)
}

// RevokeAllForUser implements RefreshStore.
func (s *RedisRefreshStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.SMembers(ctx, refreshUserPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("list user refresh records: %w", err)
	}

	revoked := 0
	for _, id := range ids {
		won, err := s.Consume(ctx, id)
		if err != nil {
			return revoked, err
		}
		if won {
			revoked++
		}
	}

	return revoked, nil
}

// DeleteExpired implements RefreshStore. Redis TTLs already evict expired
// records; nothing to sweep.
func (s *RedisRefreshStore) DeleteExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Close implements RefreshStore. The client is shared and owned by the
// caller.
func (s *RedisRefreshStore) Close() error {
	return nil
}

// RedisBlacklist is the Redis-backed Blacklist. Entries carry a TTL equal
// to the token's remaining life, so pruning is automatic.
type RedisBlacklist struct {
	client *redis.Client
}

// NewRedisBlacklist creates a blacklist over an existing client.
func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

// Add implements Blacklist.
func (b *RedisBlacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	if err := b.client.Set(ctx, blacklistKeyPrefix+hashToken(token), 1, ttl).Err(); err != nil {
		return fmt.Errorf("blacklist add: %w", err)
	}
	return nil
}

// Contains implements Blacklist.
func (b *RedisBlacklist) Contains(ctx context.Context, token string) (bool, error) {
	n, err := b.client.Exists(ctx, blacklistKeyPrefix+hashToken(token)).Result()
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired implements Blacklist. TTL-based eviction handles it.
func (b *RedisBlacklist) DeleteExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Close implements Blacklist.
func (b *RedisBlacklist) Close() error {
	return nil
}

var (
	_ RefreshStore = (*RedisRefreshStore)(nil)
	_ Blacklist    = (*RedisBlacklist)(nil)
)
