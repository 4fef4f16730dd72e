package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Memory on top of Redis. It is the distributed
// counterpart to InMemoryStore, used when fabric state must survive process
// restarts or be shared between nodes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to the Redis URL (redis://host:port/db) and
// verifies connectivity before returning.
func NewRedisStore(ctx context.Context, redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, WrapTaskError(KindDependency, "redis unreachable", err)
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (r *RedisStore) key(k string) string {
	if r.keyPrefix == "" {
		return k
	}
	return r.keyPrefix + ":" + k
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", WrapTaskError(KindDependency, "redis get failed", err)
	}
	return value, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return WrapTaskError(KindDependency, "redis set failed", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return WrapTaskError(KindDependency, "redis delete failed", err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, WrapTaskError(KindDependency, "redis exists failed", err)
	}
	return n > 0, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
