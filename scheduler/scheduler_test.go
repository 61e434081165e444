package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/analysis"
	"dossio.org/common"
	"dossio.org/config"
	"dossio.org/handler"
	"dossio.org/store"
)

type mockHandler struct {
	execute   func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error)
	validate  func(data map[string]interface{}) error
	fallback  func(hctx *handler.Context, cause error) *analysis.CardResult
	normalize func(data map[string]interface{}) map[string]interface{}
}

func (m *mockHandler) Execute(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
	if m.execute != nil {
		return m.execute(ctx, hctx)
	}
	return &analysis.CardResult{Data: map[string]interface{}{"ok": true}}, nil
}

func (m *mockHandler) Validate(data map[string]interface{}) error {
	if m.validate != nil {
		return m.validate(data)
	}
	return nil
}

func (m *mockHandler) Fallback(hctx *handler.Context, cause error) *analysis.CardResult {
	if m.fallback != nil {
		return m.fallback(hctx, cause)
	}
	return &analysis.CardResult{Data: map[string]interface{}{}, IsFallback: true}
}

func (m *mockHandler) Normalize(data map[string]interface{}) map[string]interface{} {
	if m.normalize != nil {
		return m.normalize(data)
	}
	return data
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Workers:      4,
		Groups:       map[string]int{"llm": 1},
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		CardTimeout:  2 * time.Second,
		CancelGrace:  200 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, reg *handler.Registry) (*Scheduler, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(st, reg, nil, testSchedulerConfig()), st
}

func seedJob(t *testing.T, st *store.Memory, cards []*analysis.Card) *analysis.Job {
	return seedJobWithID(t, st, "job-1", cards)
}

func seedJobWithID(t *testing.T, st *store.Memory, id string, cards []*analysis.Card) *analysis.Job {
	t.Helper()
	job := &analysis.Job{
		ID:         id,
		UserID:     "u1",
		Source:     analysis.SourceScholar,
		SubjectKey: "id:Y-ql3zMAAAAJ",
		Status:     analysis.JobRunning,
	}
	stored, created, err := st.CreateJob(context.Background(), job, "", "")
	require.NoError(t, err)
	require.True(t, created)
	for _, c := range cards {
		c.JobID = stored.ID
	}
	require.NoError(t, st.CreateCards(context.Background(), cards))
	return stored
}

func eventTypes(t *testing.T, st *store.Memory, jobID string) []analysis.EventType {
	t.Helper()
	events, err := st.After(context.Background(), jobID, 0, 1000)
	require.NoError(t, err)
	out := make([]analysis.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

// TestRunHappyPath drives a three-card graph with an internal fetch feeding
// two business cards through the job to completion.
func TestRunHappyPath(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "fetch", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			return &analysis.CardResult{
				Data:      map[string]interface{}{"pages": 3},
				Artifacts: map[string]interface{}{"raw": map[string]interface{}{"name": "Ada"}},
				Counters:  map[string]interface{}{"citations": 120},
			}, nil
		},
	})
	reg.Register(analysis.SourceScholar, "profile", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			raw, ok := hctx.Artifacts.GetMap("raw")
			require.True(t, ok, "artifact published by fetch must be visible")
			return &analysis.CardResult{Data: map[string]interface{}{"name": raw["name"]}}, nil
		},
	})
	reg.Register(analysis.SourceScholar, "summary", &mockHandler{})

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{
		{ID: "fetch", Type: "fetch", Group: "fetch", Internal: true, Status: analysis.CardPending},
		{ID: "profile", Type: "profile", Deps: []string{"fetch"}, Status: analysis.CardPending},
		{ID: "summary", Type: "summary", Group: "llm", Deps: []string{"profile"}, Status: analysis.CardPending},
	}
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, result.Status)
	assert.Equal(t, map[string]interface{}{"citations": 120}, result.Counters)

	// Internal cards stay out of the report
	assert.Contains(t, result.Report, "profile")
	assert.Contains(t, result.Report, "summary")
	assert.NotContains(t, result.Report, "fetch")
	assert.Equal(t, "Ada", result.Report["profile"].(map[string]interface{})["name"])

	// Exactly one terminal event per card, ready before started before
	// completed per card
	events, err := st.After(context.Background(), job.ID, 0, 1000)
	require.NoError(t, err)
	pos := map[string]map[analysis.EventType]int{}
	for i, ev := range events {
		if ev.CardID == "" {
			continue
		}
		if pos[ev.CardID] == nil {
			pos[ev.CardID] = map[analysis.EventType]int{}
		}
		pos[ev.CardID][ev.Type] = i
	}
	for _, id := range []string{"fetch", "profile", "summary"} {
		p := pos[id]
		assert.Less(t, p[analysis.EventCardReady], p[analysis.EventCardStarted], id)
		assert.Less(t, p[analysis.EventCardStarted], p[analysis.EventCardCompleted], id)
	}
	// Dependency order is visible in the stream
	assert.Less(t, pos["fetch"][analysis.EventCardCompleted], pos["profile"][analysis.EventCardStarted])
	assert.Less(t, pos["profile"][analysis.EventCardCompleted], pos["summary"][analysis.EventCardStarted])
}

// TestRunRetryThenSuccess verifies retryable failures consume budget and
// eventually succeed.
func TestRunRetryThenSuccess(t *testing.T) {
	var attempts int32
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "profile", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, common.NewError(common.KindUpstreamUnavailable, "flaky")
			}
			return &analysis.CardResult{Data: map[string]interface{}{"name": "Ada"}}, nil
		},
	})

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{{ID: "profile", Type: "profile", Status: analysis.CardPending}}
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, result.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))

	card, err := st.GetCard(context.Background(), job.ID, "profile")
	require.NoError(t, err)
	assert.Equal(t, 1, card.Retries)
	assert.False(t, card.Output.Meta.Fallback)
}

// TestRunValidationFallback verifies the quality gate: a payload that never
// validates ends in the fallback document and a partial job.
func TestRunValidationFallback(t *testing.T) {
	var attempts int32
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "profile", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			atomic.AddInt32(&attempts, 1)
			return &analysis.CardResult{Data: map[string]interface{}{}}, nil
		},
		validate: func(data map[string]interface{}) error {
			return common.NewError(common.KindValidationFailed, "name missing")
		},
		fallback: func(hctx *handler.Context, cause error) *analysis.CardResult {
			return &analysis.CardResult{Data: map[string]interface{}{"name": "unknown"}}
		},
	})

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{{ID: "profile", Type: "profile", Status: analysis.CardPending}}
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobPartial, result.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts), "initial attempt plus two retries")

	card, err := st.GetCard(context.Background(), job.ID, "profile")
	require.NoError(t, err)
	assert.Equal(t, analysis.CardCompleted, card.Status)
	assert.True(t, card.Output.Meta.Fallback)
	assert.Equal(t, "validation_failed", card.Output.Meta.Code)

	// The degraded payload is still in the report
	assert.Equal(t, "unknown", result.Report["profile"].(map[string]interface{})["name"])
}

// TestRunPermanentFailureSkipsDownstream verifies a dead card cascades:
// dependents are skipped with exactly one terminal event each.
func TestRunPermanentFailureSkipsDownstream(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "fetch", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			return nil, common.NewError(common.KindNotFound, "no such subject")
		},
		fallback: func(hctx *handler.Context, cause error) *analysis.CardResult {
			return nil
		},
	})
	reg.Register(analysis.SourceScholar, "profile", &mockHandler{})

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{
		{ID: "fetch", Type: "fetch", Internal: true, Status: analysis.CardPending},
		{ID: "profile", Type: "profile", Deps: []string{"fetch"}, Status: analysis.CardPending},
	}
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobFailed, result.Status, "no business output at all")

	profile, err := st.GetCard(context.Background(), job.ID, "profile")
	require.NoError(t, err)
	assert.Equal(t, analysis.CardSkipped, profile.Status)

	failures := 0
	for _, et := range eventTypes(t, st, job.ID) {
		if et == analysis.EventCardFailed {
			failures++
		}
	}
	assert.Equal(t, 2, failures, "one terminal event per dead card")
}

// TestRunGroupBudget verifies the llm group budget of one serializes llm
// cards even with free global workers.
func TestRunGroupBudget(t *testing.T) {
	var active, peak int32
	reg := handler.NewRegistry()
	llm := &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return &analysis.CardResult{Data: map[string]interface{}{"ok": true}}, nil
		},
	}
	reg.Register(analysis.SourceScholar, "a", llm)
	reg.Register(analysis.SourceScholar, "b", llm)
	reg.Register(analysis.SourceScholar, "c", llm)

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{
		{ID: "a", Type: "a", Group: "llm", Status: analysis.CardPending},
		{ID: "b", Type: "b", Group: "llm", Status: analysis.CardPending},
		{ID: "c", Type: "c", Group: "llm", Status: analysis.CardPending},
	}
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, result.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak), "llm budget is 1")
}

// TestRunGroupBudgetAcrossJobs verifies the group budgets are process-wide:
// two jobs running through one scheduler share the single llm slot.
func TestRunGroupBudgetAcrossJobs(t *testing.T) {
	var active, peak int32
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "summary", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return &analysis.CardResult{Data: map[string]interface{}{"ok": true}}, nil
		},
	})

	sched, st := newTestScheduler(t, reg)

	var wg sync.WaitGroup
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		cards := []*analysis.Card{
			{ID: id + "-summary", Type: "summary", Group: "llm", Status: analysis.CardPending},
		}
		job := seedJobWithID(t, st, id, cards)
		wg.Add(1)
		go func(job *analysis.Job, cards []*analysis.Card) {
			defer wg.Done()
			result, err := sched.Run(context.Background(), job, cards)
			assert.NoError(t, err)
			assert.Equal(t, analysis.JobCompleted, result.Status)
		}(job, cards)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&peak), "llm budget of 1 must hold across concurrent jobs")
}

// TestRunWideGraph drives many parallel cards feeding one aggregate so the
// run loop scans readiness while runners are still in flight.
func TestRunWideGraph(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "leaf", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			time.Sleep(time.Millisecond)
			return &analysis.CardResult{Data: map[string]interface{}{"id": hctx.Card.ID}}, nil
		},
	})
	reg.Register(analysis.SourceScholar, "merge", &mockHandler{})

	sched, st := newTestScheduler(t, reg)

	var cards []*analysis.Card
	var leafIDs []string
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("leaf-%d", i)
		leafIDs = append(leafIDs, id)
		cards = append(cards, &analysis.Card{ID: id, Type: "leaf", Status: analysis.CardPending})
	}
	cards = append(cards, &analysis.Card{ID: "merge", Type: "merge", Deps: leafIDs, Status: analysis.CardPending})
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, result.Status)
	assert.Len(t, result.Report, 17)
}

// TestRunPriorityOrder verifies higher priority cards start first when
// serialized by a group budget.
func TestRunPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := handler.NewRegistry()
	h := &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			mu.Lock()
			order = append(order, hctx.Card.ID)
			mu.Unlock()
			return &analysis.CardResult{Data: map[string]interface{}{"ok": true}}, nil
		},
	}
	reg.Register(analysis.SourceScholar, "low", h)
	reg.Register(analysis.SourceScholar, "high", h)

	cfg := testSchedulerConfig()
	cfg.Workers = 1
	st := store.NewMemory()
	sched := New(st, reg, nil, cfg)

	cards := []*analysis.Card{
		{ID: "low", Type: "low", Priority: 1, Status: analysis.CardPending},
		{ID: "high", Type: "high", Priority: 10, Status: analysis.CardPending},
	}
	job := seedJob(t, st, cards)

	_, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	// With one worker the first claim wins; dispatch order is priority
	// order, so "high" executes first.
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0])
}

// TestRunDeadlineFallback verifies the per-card soft deadline pushes a slow
// handler into fallback with the deadline code.
func TestRunDeadlineFallback(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "profile", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			select {
			case <-time.After(5 * time.Second):
				return &analysis.CardResult{Data: map[string]interface{}{"ok": true}}, nil
			case <-ctx.Done():
				return nil, common.WrapError(common.KindTimeout, "deadline", ctx.Err())
			}
		},
		fallback: func(hctx *handler.Context, cause error) *analysis.CardResult {
			return &analysis.CardResult{Data: map[string]interface{}{"name": ""}, PreserveEmpty: true}
		},
	})

	cfg := testSchedulerConfig()
	cfg.MaxRetries = 0
	st := store.NewMemory()
	sched := New(st, reg, nil, cfg)

	cards := []*analysis.Card{{ID: "profile", Type: "profile", Deadline: 30 * time.Millisecond, Status: analysis.CardPending}}
	job := seedJob(t, st, cards)

	result, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobPartial, result.Status)

	card, err := st.GetCard(context.Background(), job.ID, "profile")
	require.NoError(t, err)
	assert.True(t, card.Output.Meta.Fallback)
	assert.Equal(t, "deadline", card.Output.Meta.Code)
}

// TestRunCancellation verifies cooperative cancel: in-flight handlers see
// their context die and the remaining cards are skipped.
func TestRunCancellation(t *testing.T) {
	started := make(chan struct{})
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "slow", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	reg.Register(analysis.SourceScholar, "after", &mockHandler{})

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{
		{ID: "slow", Type: "slow", Status: analysis.CardPending},
		{ID: "after", Type: "after", Deps: []string{"slow"}, Status: analysis.CardPending},
	}
	job := seedJob(t, st, cards)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := sched.Run(ctx, job, cards)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCancelled, result.Status)

	after, err := st.GetCard(context.Background(), job.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, analysis.CardSkipped, after.Status)
}

// TestRunPrunesInternalCards verifies empty keys are pruned from internal
// card payloads but kept on business cards.
func TestRunPrunesInternalCards(t *testing.T) {
	payload := map[string]interface{}{"name": "Ada", "bio": "", "tags": []interface{}{}}
	reg := handler.NewRegistry()
	reg.Register(analysis.SourceScholar, "raw", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			return &analysis.CardResult{Data: payload}, nil
		},
	})
	reg.Register(analysis.SourceScholar, "profile", &mockHandler{
		execute: func(ctx context.Context, hctx *handler.Context) (*analysis.CardResult, error) {
			return &analysis.CardResult{Data: map[string]interface{}{"name": "Ada", "bio": ""}}, nil
		},
	})

	sched, st := newTestScheduler(t, reg)
	cards := []*analysis.Card{
		{ID: "raw", Type: "raw", Internal: true, Status: analysis.CardPending},
		{ID: "profile", Type: "profile", Status: analysis.CardPending},
	}
	job := seedJob(t, st, cards)

	_, err := sched.Run(context.Background(), job, cards)
	require.NoError(t, err)

	raw, err := st.GetCard(context.Background(), job.ID, "raw")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "Ada"}, raw.Output.Data)

	profile, err := st.GetCard(context.Background(), job.ID, "profile")
	require.NoError(t, err)
	assert.Contains(t, profile.Output.Data, "bio", "business cards are never pruned")
}
