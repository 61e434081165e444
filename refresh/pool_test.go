package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/analysis"
	"dossio.org/scheduler"
)

type captureRunner struct {
	mu    sync.Mutex
	tasks []*scheduler.RefreshTask
	done  chan struct{}
}

func (r *captureRunner) RunRefresh(ctx context.Context, task *scheduler.RefreshTask) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func testRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(client, "test-refresh")
	t.Cleanup(func() { q.Close() })
	return q
}

// TestRedisQueueRoundtrip verifies enqueue/dequeue through redis.
func TestRedisQueueRoundtrip(t *testing.T) {
	q := testRedisQueue(t)
	ctx := context.Background()

	task := &scheduler.RefreshTask{
		UserID:     "u1",
		Source:     analysis.SourceScholar,
		SubjectKey: "id:Y-ql3zMAAAAJ",
		Input:      map[string]interface{}{"content": "Y-ql3zMAAAAJ"},
		Options:    analysis.Options{ForceRefresh: true},
		Key:        "src/scholar/id:Y-ql3zMAAAAJ/v1/h/full_report",
	}
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.SubjectKey, got.SubjectKey)
	assert.True(t, got.Options.ForceRefresh)

	// Empty queue times out with no task and no error
	got, err = q.Dequeue(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestPoolProcessesTasks verifies the pool drains the queue into the runner.
func TestPoolProcessesTasks(t *testing.T) {
	q := testRedisQueue(t)
	runner := &captureRunner{done: make(chan struct{}, 8)}

	pool := NewPool(q, runner, 2)
	pool.Start()
	defer pool.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, &scheduler.RefreshTask{
			Source:     analysis.SourceGithub,
			SubjectKey: "login:ada",
		}))
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-runner.done:
		case <-deadline:
			t.Fatal("pool did not process tasks in time")
		}
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.tasks, 3)
}
