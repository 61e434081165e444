// Package refresh runs background subject refreshes: the full variants of
// preview jobs and stale-while-revalidate updates. Tasks travel through a
// durable queue (redis or RabbitMQ) and are executed by a small worker pool
// under the per-subject refresh lock.
package refresh

import (
	"context"
	"time"

	"dossio.org/scheduler"
)

// Queue is the refresh task transport. Both backends serialize tasks as
// JSON and deliver at-least-once; the refresh lock makes duplicate delivery
// harmless.
type Queue interface {
	// Enqueue adds a task to the queue.
	Enqueue(ctx context.Context, task *scheduler.RefreshTask) error

	// Dequeue blocks up to timeout for the next task; (nil, nil) on
	// timeout.
	Dequeue(timeout time.Duration) (*scheduler.RefreshTask, error)

	// Close releases the queue connection.
	Close() error
}
