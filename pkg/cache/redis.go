package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "listing-resolver:cache:"

// ErrInvalidEntry indicates a persisted entry could not be decoded.
var ErrInvalidEntry = errors.New("invalid cache entry")

// RedisStore persists entries in Redis, one key per entry with a Redis TTL
// matching the entry's remaining lifetime. An index set tracks the keys of
// the current snapshot.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStore) entryKey(normalizedKey string) string {
	return s.prefix + "entry:" + normalizedKey
}

// Load returns every entry referenced by the index that Redis still holds.
// Undecodable values are skipped.
func (s *RedisStore) Load(ctx context.Context) ([]Entry, error) {
	keys, err := s.redis.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.entryKey(k)
	}

	values, err := s.redis.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired in Redis or never written
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			CacheErrors.WithLabelValues("load").Inc()
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Save replaces the persisted snapshot in a single transaction. Entries whose
// TTL has already elapsed are not written.
func (s *RedisStore) Save(ctx context.Context, entries []Entry) error {
	previous, err := s.redis.SMembers(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis smembers: %w", err)
	}

	now := s.now()
	pipe := s.redis.TxPipeline()

	keep := make(map[string]struct{}, len(entries))
	pipe.Del(ctx, s.indexKey())
	for i := range entries {
		e := &entries[i]
		ttl := e.TTL(now)
		if ttl <= 0 {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		pipe.Set(ctx, s.entryKey(e.NormalizedKey), data, ttl)
		pipe.SAdd(ctx, s.indexKey(), e.NormalizedKey)
		keep[e.NormalizedKey] = struct{}{}
	}
	for _, k := range previous {
		if _, ok := keep[k]; !ok {
			pipe.Del(ctx, s.entryKey(k))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}
