package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock implements RefreshLock using Redis SET NX with a TTL. The TTL is
// the safety window: a crashed holder's lock expires on its own.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock creates a redis-backed refresh lock from a redis URL.
func NewRedisLock(url string) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLock{client: client}, nil
}

// NewRedisLockFromClient wraps an existing client (shared with the bus and
// refresh queue).
func NewRedisLockFromClient(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (r *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := "refresh-lock:" + key
	lockData := map[string]interface{}{
		"key":      key,
		"lockedAt": time.Now().Format(time.RFC3339),
		"ttl":      ttl.String(),
	}

	data, err := json.Marshal(lockData)
	if err != nil {
		return false, err
	}

	// SET key value NX EX ttl: only set if not exists
	result, err := r.client.SetNX(ctx, lockKey, data, ttl).Result()
	if err != nil {
		return false, err
	}
	return result, nil
}

func (r *RedisLock) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, "refresh-lock:"+key).Err()
}

// Close closes the Redis connection.
func (r *RedisLock) Close() error {
	return r.client.Close()
}
