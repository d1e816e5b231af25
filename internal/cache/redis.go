package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared cache backend for multi-replica deployments.
// Each entry lives in a Redis hash under a prefixed key; expiry is
// handled by Redis TTLs, so Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed cache store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "quill:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Lookup implements Store. A missing or Redis-expired hash is a miss.
func (s *RedisStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	e := &Entry{
		Key:      key,
		Response: fields["response"],
	}
	if v, err := strconv.Atoi(fields["hit_count"]); err == nil {
		e.HitCount = v
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["expires_at"]); err == nil {
		e.ExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_accessed"]); err == nil {
		e.LastAccessed = t
	}
	if e.Metadata == nil && fields["model"] != "" {
		e.Metadata = map[string]string{"model": fields["model"]}
	}
	return e, nil
}

// Put implements Store. Redis expires keys itself, so any existing hash
// is live and must not be overwritten.
func (s *RedisStore) Put(ctx context.Context, key, response string, metadata map[string]string, ttl time.Duration) error {
	now := time.Now().UTC()
	rkey := s.redisKey(key)

	exists, err := s.client.Exists(ctx, rkey).Result()
	if err != nil {
		return fmt.Errorf("check cache entry: %w", err)
	}
	if exists > 0 {
		return nil
	}

	fields := map[string]any{
		"response":   response,
		"created_at": now.Format(time.RFC3339Nano),
		"expires_at": now.Add(ttl).Format(time.RFC3339Nano),
		"hit_count":  0,
	}
	if model, ok := metadata["model"]; ok {
		fields["model"] = model
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, rkey, fields)
	pipe.Expire(ctx, rkey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// BumpHit implements Store with Redis's atomic hash increment.
func (s *RedisStore) BumpHit(ctx context.Context, key string) error {
	rkey := s.redisKey(key)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, rkey, "hit_count", 1)
	pipe.HSet(ctx, rkey, "last_accessed", time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bump cache hit: %w", err)
	}
	return nil
}

// Sweep implements Store. Redis expires entries itself.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}
