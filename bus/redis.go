package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the cross-process Bus built on redis pub/sub. Delivery is
// best-effort: pub/sub drops messages for absent subscribers, which is fine
// because subscribers poll the event log as the source of truth.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a redis-backed bus from a redis URL.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func channel(jobID string) string { return "dossio:wake:" + jobID }

func (b *Redis) Wake(ctx context.Context, jobID string) error {
	return b.client.Publish(ctx, channel(jobID), "1").Err()
}

func (b *Redis) Subscribe(ctx context.Context, jobID string) (<-chan struct{}, error) {
	pubsub := b.client.Subscribe(ctx, channel(jobID))

	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg := <-ch:
				if msg == nil {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the Redis connection.
func (b *Redis) Close() error {
	return b.client.Close()
}
