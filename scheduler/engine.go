package scheduler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dossio.org/analysis"
	"dossio.org/cache"
	"dossio.org/common"
	"dossio.org/planner"
	"dossio.org/store"
)

// RefreshTask describes one background refresh of a subject. Tasks travel
// through the refresh queue and are executed by the refresh pool.
type RefreshTask struct {
	UserID     string                 `json:"user_id"`
	Source     string                 `json:"source"`
	SubjectKey string                 `json:"subject_key"`
	Input      map[string]interface{} `json:"input"`
	Options    analysis.Options       `json:"options"`

	// OriginJobID is the job whose stream receives refresh.started and
	// refresh.ended markers; empty for unattributed refreshes.
	OriginJobID string `json:"origin_job_id,omitempty"`

	// Key is the artifact cache key the refresh lock guards.
	Key string `json:"key"`
}

// Enqueuer hands refresh tasks to the background pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *RefreshTask) error
}

// Engine is the front door of the analysis core: it accepts jobs, consults
// the cache controller, plans and runs card graphs, commits completed
// reports, and coordinates cancellation and background refreshes.
type Engine struct {
	store   store.Store
	cache   *cache.Controller
	planner *planner.Planner
	sched   *Scheduler
	refresh Enqueuer

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewEngine wires the engine. The refresh enqueuer may be nil; preview jobs
// then skip their background full run.
func NewEngine(st store.Store, ctrl *cache.Controller, pl *planner.Planner, sched *Scheduler, refresh Enqueuer) *Engine {
	return &Engine{
		store:   st,
		cache:   ctrl,
		planner: pl,
		sched:   sched,
		refresh: refresh,
		running: make(map[string]context.CancelFunc),
	}
}

// Submit validates and persists a new job. With an idempotency key, a
// repeated identical request returns the stored job; a key reuse with a
// different body is a conflict. The boolean reports whether the job is new.
func (e *Engine) Submit(ctx context.Context, userID, source string, input map[string]interface{}, opts analysis.Options, idempotencyKey string) (*analysis.Job, bool, error) {
	subjectKey, err := analysis.NormalizeSubject(source, input)
	if err != nil {
		return nil, false, err
	}

	job := &analysis.Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		Source:     source,
		SubjectKey: subjectKey,
		Status:     analysis.JobQueued,
		Input:      input,
		Options:    opts,
	}

	stored, created, err := e.store.CreateJob(ctx, job, idempotencyKey, analysis.BodyHash(source, input, opts))
	if err != nil {
		return nil, false, err
	}
	if created {
		e.emit(ctx, stored.ID, analysis.EventJobCreated, "", "", map[string]interface{}{
			"source":      source,
			"subject_key": subjectKey,
		})
	}
	return stored, created, nil
}

// Execute runs a submitted job to its terminal state. The cache controller
// decides between serving the cached report, prefilling stale content before
// a full run, and running cold.
func (e *Engine) Execute(ctx context.Context, job *analysis.Job) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[job.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	lookup, err := e.cache.Lookup(runCtx, job)
	if err != nil {
		common.Logger.WithError(err).WithField("job_id", job.ID).Warn("cache lookup failed, running cold")
		lookup = &cache.Lookup{Decision: cache.RunCold, Key: e.cache.Key(job)}
	}

	if err := e.store.SetJobStatus(runCtx, job.ID, analysis.JobRunning, nil); err != nil {
		return err
	}
	job.Status = analysis.JobRunning
	e.emit(runCtx, job.ID, analysis.EventJobStarted, "", "", map[string]interface{}{
		"decision": string(lookup.Decision),
	})

	if lookup.Decision == cache.ServeCached {
		e.emitPrefill(runCtx, job, lookup.Entry.Payload)
		if err := e.store.SetJobStatus(runCtx, job.ID, analysis.JobCompleted, lookup.Entry.Payload); err != nil {
			return err
		}
		job.Status = analysis.JobCompleted
		job.Result = lookup.Entry.Payload
		e.emit(runCtx, job.ID, analysis.EventJobCompleted, "", "", map[string]interface{}{
			"from_cache": true,
		})
		return nil
	}

	if lookup.Decision == cache.PrefillAndRun {
		e.emitPrefill(runCtx, job, lookup.Entry.Payload)
	}

	cards, err := e.planner.Plan(job)
	if err != nil {
		return e.failJob(job, err)
	}
	if err := e.store.CreateCards(runCtx, cards); err != nil {
		return e.failJob(job, err)
	}

	result, err := e.sched.Run(runCtx, job, cards)
	if err != nil {
		return e.failJob(job, err)
	}

	// Terminal persistence happens on a detached context: a cancelled run
	// must still land its final status and event.
	doneCtx := context.Background()
	if err := e.store.SetJobStatus(doneCtx, job.ID, result.Status, result.Report); err != nil {
		return err
	}
	job.Status = result.Status
	job.Result = result.Report
	e.emit(doneCtx, job.ID, terminalEvent(result.Status), "", "", map[string]interface{}{
		"status": string(result.Status),
	})

	if result.Status == analysis.JobCompleted {
		if err := e.cache.Commit(doneCtx, job, result.Report, analysis.Fingerprint(result.Counters)); err != nil {
			common.Logger.WithError(err).WithField("job_id", job.ID).Warn("cache commit failed")
		}
		e.enqueueFullRun(doneCtx, job, lookup.Key)
	}
	return nil
}

// enqueueFullRun schedules the background full variant after a completed
// preview job.
func (e *Engine) enqueueFullRun(ctx context.Context, job *analysis.Job, key string) {
	if !job.Options.Preview || e.refresh == nil {
		return
	}
	opts := job.Options
	opts.Preview = false
	opts.ForceRefresh = true
	task := &RefreshTask{
		UserID:      job.UserID,
		Source:      job.Source,
		SubjectKey:  job.SubjectKey,
		Input:       job.Input,
		Options:     opts,
		OriginJobID: job.ID,
		Key:         key,
	}
	if err := e.refresh.Enqueue(ctx, task); err != nil {
		common.Logger.WithError(err).WithField("job_id", job.ID).Warn("failed to enqueue full run")
	}
}

// Cancel requests cooperative cancellation of a running or queued job. On a
// job already terminal it is a no-op.
func (e *Engine) Cancel(ctx context.Context, userID, jobID string) error {
	job, err := e.store.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	cancel, active := e.running[jobID]
	e.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	// Queued and never picked up: finalize directly.
	if err := e.store.SetJobStatus(ctx, jobID, analysis.JobCancelled, nil); err != nil {
		return err
	}
	e.emit(ctx, jobID, analysis.EventJobCancelled, "", "", map[string]interface{}{
		"status": string(analysis.JobCancelled),
	})
	return nil
}

// RunRefresh executes one background refresh task under the per-subject
// refresh lock. Concurrent refreshes of the same subject coalesce: losing
// the lock means another worker is already on it.
func (e *Engine) RunRefresh(ctx context.Context, task *RefreshTask) error {
	acquired, err := e.cache.AcquireRefresh(ctx, task.Key)
	if err != nil {
		return err
	}
	if !acquired {
		common.Logger.WithField("key", task.Key).Debug("refresh already in progress, skipping")
		return nil
	}
	defer func() {
		if err := e.cache.ReleaseRefresh(context.Background(), task.Key); err != nil {
			common.Logger.WithError(err).WithField("key", task.Key).Warn("failed to release refresh lock")
		}
	}()

	if task.OriginJobID != "" {
		e.emit(ctx, task.OriginJobID, analysis.EventRefreshStarted, "", "", map[string]interface{}{
			"key": task.Key,
		})
	}

	job, _, err := e.Submit(ctx, task.UserID, task.Source, task.Input, task.Options, "")
	var status analysis.JobStatus
	if err == nil {
		err = e.Execute(ctx, job)
		status = job.Status
	}
	if err != nil {
		common.Logger.WithError(err).WithFields(logrus.Fields{
			"source":      task.Source,
			"subject_key": task.SubjectKey,
		}).Error("background refresh failed")
		status = analysis.JobFailed
	}

	if task.OriginJobID != "" {
		e.emit(context.Background(), task.OriginJobID, analysis.EventRefreshEnded, "", "", map[string]interface{}{
			"key":    task.Key,
			"status": string(status),
		})
	}
	return err
}

// emitPrefill publishes one card.prefill event per cached card payload,
// under synthetic card ids so prefill never collides with live card events.
func (e *Engine) emitPrefill(ctx context.Context, job *analysis.Job, payload map[string]interface{}) {
	for cardType, data := range payload {
		e.emit(ctx, job.ID, analysis.EventCardPrefill, "prefill-"+cardType, cardType, map[string]interface{}{
			"data": data,
		})
	}
}

func (e *Engine) failJob(job *analysis.Job, cause error) error {
	ctx := context.Background()
	if err := e.store.SetJobStatus(ctx, job.ID, analysis.JobFailed, nil); err != nil {
		common.Logger.WithError(err).WithField("job_id", job.ID).Error("failed to persist job failure")
	}
	job.Status = analysis.JobFailed
	e.emit(ctx, job.ID, analysis.EventJobFailed, "", "", map[string]interface{}{
		"status": string(analysis.JobFailed),
		"code":   common.CodeOf(cause),
		"error":  cause.Error(),
	})
	return cause
}

func (e *Engine) emit(ctx context.Context, jobID string, t analysis.EventType, cardID, cardType string, payload map[string]interface{}) {
	e.sched.emit(ctx, jobID, t, cardID, cardType, payload)
}

func terminalEvent(status analysis.JobStatus) analysis.EventType {
	switch status {
	case analysis.JobPartial:
		return analysis.EventJobPartial
	case analysis.JobFailed:
		return analysis.EventJobFailed
	case analysis.JobCancelled:
		return analysis.EventJobCancelled
	default:
		return analysis.EventJobCompleted
	}
}
