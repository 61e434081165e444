package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dossio.org/common"
	"dossio.org/scheduler"
)

// Runner executes one refresh task. Implemented by the engine.
type Runner interface {
	RunRefresh(ctx context.Context, task *scheduler.RefreshTask) error
}

// Pool consumes the refresh queue with a fixed set of workers. Refresh work
// is deliberately small and low-priority: the default is two workers.
type Pool struct {
	queue    Queue
	runner   Runner
	workers  int
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a refresh pool.
func NewPool(queue Queue, runner Runner, workers int) *Pool {
	if workers < 1 {
		workers = 2
	}
	return &Pool{
		queue:    queue,
		runner:   runner,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	common.Logger.WithField("workers", p.workers).Info("starting refresh pool")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
}

// Stop signals the workers and waits for in-flight refreshes to finish.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	common.Logger.Info("refresh pool stopped")
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		task, err := p.queue.Dequeue(2 * time.Second)
		if err != nil {
			common.Logger.WithError(err).WithField("worker", id).Warn("refresh dequeue failed")
			select {
			case <-p.stopChan:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}

		common.Logger.WithFields(logrus.Fields{
			"worker":      id,
			"source":      task.Source,
			"subject_key": task.SubjectKey,
		}).Info("running background refresh")
		if err := p.runner.RunRefresh(context.Background(), task); err != nil {
			common.Logger.WithError(err).WithFields(logrus.Fields{
				"source":      task.Source,
				"subject_key": task.SubjectKey,
			}).Error("background refresh failed")
		}
	}
}
