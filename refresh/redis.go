package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dossio.org/scheduler"
)

// RedisQueue is the redis-backed refresh queue. Tasks are pushed onto a
// list and consumed with blocking pops.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a redis queue client from a redis URL.
func NewRedisQueue(ctx context.Context, url, name string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if name == "" {
		name = "dossio-refresh"
	}
	return &RedisQueue{client: client, key: "queue:" + name}, nil
}

// NewRedisQueueFromClient wraps an existing client, used by tests.
func NewRedisQueueFromClient(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{client: client, key: "queue:" + name}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *scheduler.RefreshTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.client.RPush(ctx, q.key, string(body)).Err()
}

func (q *RedisQueue) Dequeue(timeout time.Duration) (*scheduler.RefreshTask, error) {
	// Fresh context per pop so a long-dead init context cannot poison the
	// blocking call.
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var task scheduler.RefreshTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
