// Package bus provides the optional wake-up backplane between the scheduler
// and the SSE fan-out. The event log remains the source of truth: every
// consumer re-reads the log after a wake-up, so dropped or duplicated
// signals are harmless and the system degrades to pure DB polling when no
// bus is configured.
package bus

import (
	"context"
	"sync"
)

// Bus carries "job <id> has new events" signals. Wake is best-effort and
// must never block the scheduler.
type Bus interface {
	// Wake signals that the job's event log grew.
	Wake(ctx context.Context, jobID string) error

	// Subscribe returns a channel that receives a signal whenever the job
	// wakes. The channel is closed when ctx is done. Signals may be
	// coalesced.
	Subscribe(ctx context.Context, jobID string) (<-chan struct{}, error)
}

// Inproc is the in-process Bus used when the scheduler and the SSE fan-out
// share one process.
type Inproc struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// NewInproc creates an in-process bus.
func NewInproc() *Inproc {
	return &Inproc{subs: make(map[string][]chan struct{})}
}

func (b *Inproc) Wake(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[jobID] {
		// Non-blocking: a full buffer already means a pending wake-up.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Inproc) Subscribe(ctx context.Context, jobID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		chans := b.subs[jobID]
		for i, c := range chans {
			if c == ch {
				b.subs[jobID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
