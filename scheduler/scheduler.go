// Package scheduler executes card graphs. The scheduler drives every card
// through claim, execute, validate, retry, fallback, and persistence, emits
// the job's event stream, and decides the terminal job status from the fate
// of the business cards.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dossio.org/analysis"
	"dossio.org/bus"
	"dossio.org/common"
	"dossio.org/config"
	"dossio.org/graph"
	"dossio.org/handler"
	"dossio.org/store"
)

// RunResult is the outcome of one card graph execution.
type RunResult struct {
	// Status is the terminal job status derived from the business cards.
	Status analysis.JobStatus

	// Report maps business card types to their accepted payloads.
	Report map[string]interface{}

	// Counters is the merged fingerprint material published by resource
	// cards.
	Counters map[string]interface{}
}

// Scheduler runs card graphs against a store, a handler registry, and the
// configured concurrency budgets. The worker pool and the per-group budgets
// are process-wide: every Run draws from the same semaphores, so the llm
// budget holds across concurrently running jobs.
type Scheduler struct {
	store    store.Store
	registry *handler.Registry
	bus      bus.Bus
	cfg      config.SchedulerConfig

	globalSem chan struct{}
	groupSems map[string]chan struct{}
}

// New wires a scheduler. The bus may be nil; event consumers then rely on
// polling alone. Groups without a configured budget are unlimited.
func New(st store.Store, registry *handler.Registry, b bus.Bus, cfg config.SchedulerConfig) *Scheduler {
	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}
	groupSems := make(map[string]chan struct{}, len(cfg.Groups))
	for group, budget := range cfg.Groups {
		if budget > 0 {
			groupSems[group] = make(chan struct{}, budget)
		}
	}
	return &Scheduler{
		store:     st,
		registry:  registry,
		bus:       b,
		cfg:       cfg,
		globalSem: make(chan struct{}, workers),
		groupSems: groupSems,
	}
}

// outcome is what a card runner reports back to the run loop.
type outcome struct {
	card      *analysis.Card
	status    analysis.CardStatus
	doc       *analysis.Document
	cancelled bool
	lost      bool
}

type runState struct {
	job       *analysis.Job
	byID      map[string]*analysis.Card
	cards     []*analysis.Card
	artifacts *handler.Artifacts

	mu       sync.Mutex
	counters map[string]interface{}
}

func (r *runState) mergeCounters(c map[string]interface{}) {
	if len(c) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range c {
		r.counters[k] = v
	}
}

// Run executes a job's card graph to completion and returns the terminal
// status with the assembled report. Cancelling ctx stops dispatch, gives
// in-flight handlers the configured grace, and yields a cancelled result.
func (s *Scheduler) Run(ctx context.Context, job *analysis.Job, cards []*analysis.Card) (*RunResult, error) {
	if err := graph.ValidateDAG(cards); err != nil {
		return nil, common.WrapError(common.KindInternal, "invalid card graph", err)
	}

	state := &runState{
		job:       job,
		byID:      make(map[string]*analysis.Card, len(cards)),
		cards:     cards,
		artifacts: handler.NewArtifacts(),
		counters:  make(map[string]interface{}),
	}
	for _, c := range cards {
		state.byID[c.ID] = c
	}

	doneCh := make(chan outcome)
	pending := len(cards)
	cancelled := false

	// Dispatch walks ready cards best priority first. Ordering is strict
	// only up to the budgets: a runner parked on a full group semaphore
	// holds no ordering claim, and a freed slot goes to whichever parked
	// runner wakes first, possibly one from another job.
	dispatch := func() {
		for _, card := range s.readyCards(state) {
			card.Status = analysis.CardReady
			if err := s.store.MarkCardReady(ctx, job.ID, card.ID); err != nil {
				common.Logger.WithError(err).WithField("card_id", card.ID).Error("failed to mark card ready")
			}
			s.emit(ctx, job.ID, analysis.EventCardReady, card.ID, card.Type, nil)
			go s.runCard(ctx, state, card, doneCh)
		}
	}
	dispatch()

	for pending > 0 && !cancelled {
		select {
		case out := <-doneCh:
			pending--
			s.applyOutcome(ctx, state, out)
			if out.status == analysis.CardFailed {
				pending -= s.skipDownstream(ctx, state, out.card)
			}
			dispatch()

		case <-ctx.Done():
			cancelled = true
			pending -= s.drainCancelled(state, doneCh, pending)
		}
	}

	if cancelled {
		s.finishCancelled(state)
		return &RunResult{Status: analysis.JobCancelled, Report: s.assembleReport(state), Counters: state.counters}, nil
	}

	return &RunResult{
		Status:   s.decideStatus(state),
		Report:   s.assembleReport(state),
		Counters: state.counters,
	}, nil
}

// readyCards returns pending cards whose dependencies all completed, best
// priority first.
func (s *Scheduler) readyCards(state *runState) []*analysis.Card {
	var ready []*analysis.Card
	for _, card := range state.cards {
		if card.Status != analysis.CardPending {
			continue
		}
		ok, err := graph.Ready(card, state.byID)
		if err != nil || !ok {
			continue
		}
		ready = append(ready, card)
	}
	// Insertion sort by priority, plans are small
	for i := 1; i < len(ready); i++ {
		for j := i; j > 0 && ready[j].Priority > ready[j-1].Priority; j-- {
			ready[j], ready[j-1] = ready[j-1], ready[j]
		}
	}
	return ready
}

func (s *Scheduler) applyOutcome(ctx context.Context, state *runState, out outcome) {
	if out.cancelled {
		// finishCancelled marks the card; nothing to record here.
		return
	}
	if out.lost {
		// Another process claimed the card; its status is whatever the
		// store says. Treat as skipped locally.
		out.card.Status = analysis.CardSkipped
		return
	}
	out.card.Status = out.status
	out.card.Output = out.doc
}

// skipDownstream marks the transitive dependents of a failed card as
// skipped, each with exactly one terminal event.
func (s *Scheduler) skipDownstream(ctx context.Context, state *runState, failed *analysis.Card) int {
	skipped := 0
	for _, dep := range graph.Downstream(failed.ID, state.cards) {
		// A dependent of a failure can only be pending or already skipped:
		// its dependencies never all completed.
		if dep.Status != analysis.CardPending {
			continue
		}
		dep.Status = analysis.CardSkipped
		skipped++
		if err := s.store.FinishCard(ctx, state.job.ID, dep.ID, analysis.CardSkipped, nil, 0); err != nil {
			common.Logger.WithError(err).WithField("card_id", dep.ID).Error("failed to persist skipped card")
		}
		s.emit(ctx, state.job.ID, analysis.EventCardFailed, dep.ID, dep.Type, map[string]interface{}{
			"code":   "dependency_failed",
			"reason": failed.ID,
		})
	}
	return skipped
}

// drainCancelled waits out the cancel grace for in-flight runners and
// returns how many outcomes arrived during the grace window.
func (s *Scheduler) drainCancelled(state *runState, doneCh chan outcome, pending int) int {
	grace := s.cfg.CancelGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	drained := 0
	for drained < pending {
		select {
		case out := <-doneCh:
			s.applyOutcome(context.Background(), state, out)
			drained++
		case <-timer.C:
			return drained
		}
	}
	return drained
}

// finishCancelled marks every non-terminal card skipped after a cancel.
// Persistence uses a detached context: the run context is already dead.
func (s *Scheduler) finishCancelled(state *runState) {
	ctx := context.Background()
	for _, card := range state.cards {
		if card.Status.Terminal() {
			continue
		}
		// Retries are persisted as zero: a runner that outlived the cancel
		// grace may still be incrementing its counter.
		card.Status = analysis.CardSkipped
		if err := s.store.FinishCard(ctx, state.job.ID, card.ID, analysis.CardSkipped, nil, 0); err != nil {
			common.Logger.WithError(err).WithField("card_id", card.ID).Error("failed to persist cancelled card")
		}
		s.emit(ctx, state.job.ID, analysis.EventCardFailed, card.ID, card.Type, map[string]interface{}{
			"code": "cancelled",
		})
	}
}

// decideStatus derives the job's terminal status from the business cards:
// all clean completions mean completed, any fallback or loss means partial,
// and no business output at all means failed.
func (s *Scheduler) decideStatus(state *runState) analysis.JobStatus {
	var total, completed, degraded int
	for _, card := range state.cards {
		if card.Internal {
			continue
		}
		total++
		switch card.Status {
		case analysis.CardCompleted:
			completed++
			if card.Output != nil && card.Output.Meta.Fallback {
				degraded++
			}
		default:
			degraded++
		}
	}
	switch {
	case total == 0 || completed == 0:
		return analysis.JobFailed
	case degraded > 0:
		return analysis.JobPartial
	default:
		return analysis.JobCompleted
	}
}

// assembleReport collects accepted business payloads keyed by card type.
func (s *Scheduler) assembleReport(state *runState) map[string]interface{} {
	report := make(map[string]interface{})
	for _, card := range state.cards {
		if card.Internal || card.Status != analysis.CardCompleted || card.Output == nil {
			continue
		}
		report[card.Type] = card.Output.Data
	}
	return report
}

// runCard drives one card through the full handler lifecycle. In-memory
// card status belongs to the run loop; runCard reports transitions through
// the outcome channel and only the store sees the running state.
func (s *Scheduler) runCard(ctx context.Context, state *runState, card *analysis.Card, doneCh chan<- outcome) {
	send := func(out outcome) {
		select {
		case doneCh <- out:
		case <-time.After(30 * time.Second):
			// Run loop gone; nothing left to report to.
		}
	}

	select {
	case s.globalSem <- struct{}{}:
		defer func() { <-s.globalSem }()
	case <-ctx.Done():
		send(outcome{card: card, cancelled: true})
		return
	}

	if sem, ok := s.groupSems[card.Group]; ok {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			send(outcome{card: card, cancelled: true})
			return
		}
	}

	claimed, err := s.store.ClaimCard(ctx, state.job.ID, card.ID)
	if err != nil {
		common.Logger.WithError(err).WithField("card_id", card.ID).Error("card claim failed")
		send(outcome{card: card, status: analysis.CardFailed})
		return
	}
	if !claimed {
		send(outcome{card: card, lost: true})
		return
	}
	started := time.Now()
	s.emit(ctx, state.job.ID, analysis.EventCardStarted, card.ID, card.Type, nil)

	h, err := s.registry.Get(state.job.Source, card.Type)
	if err != nil {
		s.failCard(ctx, state, card, common.WrapError(common.KindInternal, "handler missing", err), started)
		send(outcome{card: card, status: analysis.CardFailed})
		return
	}

	emit := func(t analysis.EventType, payload map[string]interface{}) {
		s.emit(ctx, state.job.ID, t, card.ID, card.Type, payload)
	}
	hctx := handler.NewContext(state.job, card, state.artifacts, emit)

	result, execErr := s.execute(ctx, h, hctx, card)
	if result == nil {
		if ctx.Err() != nil {
			send(outcome{card: card, cancelled: true})
			return
		}
		result = h.Fallback(hctx, execErr)
		if result != nil {
			result.IsFallback = true
			if result.Code == "" {
				result.Code = common.CodeOf(execErr)
			}
		}
	}
	if result == nil {
		s.failCard(ctx, state, card, execErr, started)
		send(outcome{card: card, status: analysis.CardFailed})
		return
	}

	// Artifacts are published before pruning so a resource card's artifact
	// role survives an empty public payload.
	state.artifacts.Publish(result.Artifacts)
	state.mergeCounters(result.Counters)

	data := h.Normalize(result.Data)
	if data == nil {
		data = map[string]interface{}{}
	}
	meta := analysis.Meta{
		PreserveEmpty: result.PreserveEmpty,
		Fallback:      result.IsFallback,
		Code:          result.Code,
	}
	if analysis.Prunable(card.Internal, meta) {
		data = analysis.PruneEmpty(data)
	}
	finished := time.Now()
	meta.ContentHash = analysis.ContentHash(data)
	meta.Timing = &analysis.Timing{
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: finished.Sub(started).Milliseconds(),
	}
	doc := &analysis.Document{Data: data, Meta: meta}

	if err := s.store.FinishCard(ctx, state.job.ID, card.ID, analysis.CardCompleted, doc, card.Retries); err != nil {
		common.Logger.WithError(err).WithField("card_id", card.ID).Error("failed to persist card output")
	}
	payload := map[string]interface{}{"data": data}
	if result.IsFallback {
		payload["fallback"] = true
		payload["code"] = result.Code
	}
	s.emit(ctx, state.job.ID, analysis.EventCardCompleted, card.ID, card.Type, payload)
	send(outcome{card: card, status: analysis.CardCompleted, doc: doc})
}

// execute runs the attempt loop: execute, validate, retry with backoff while
// the failure is retryable and budget remains.
func (s *Scheduler) execute(ctx context.Context, h handler.Handler, hctx *handler.Context, card *analysis.Card) (*analysis.CardResult, error) {
	maxAttempts := 1 + s.cfg.MaxRetries
	deadline := card.Deadline
	if deadline <= 0 {
		deadline = s.cfg.TimeoutFor(card.Type)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cardCtx, cancel := context.WithTimeout(ctx, deadline)
		result, err := h.Execute(cardCtx, hctx)
		cancel()

		if err == nil && result != nil && !result.SkipValidation {
			if verr := h.Validate(result.Data); verr != nil {
				err = common.WrapError(common.KindValidationFailed, "payload rejected", verr)
			}
		}
		if err == nil && result != nil {
			return result, nil
		}
		if err == nil {
			err = common.NewError(common.KindInternal, "handler returned no result")
		}
		lastErr = err

		// A card deadline looks like context.DeadlineExceeded; only the
		// run context dying means cancellation.
		if ctx.Err() != nil {
			return nil, common.WrapError(common.KindCancelled, "run cancelled", ctx.Err())
		}
		if !common.Retryable(err) || attempt == maxAttempts-1 {
			break
		}

		card.Retries++
		backoff := s.cfg.RetryBackoff * time.Duration(attempt+1)
		common.Logger.WithFields(logrus.Fields{
			"job_id":  card.JobID,
			"card_id": card.ID,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).WithError(err).Warn("card attempt failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, common.WrapError(common.KindCancelled, "run cancelled", ctx.Err())
		}
	}
	return nil, lastErr
}

// failCard records a permanent card failure with its single terminal event.
func (s *Scheduler) failCard(ctx context.Context, state *runState, card *analysis.Card, cause error, started time.Time) {
	finished := time.Now()
	doc := &analysis.Document{
		Data: map[string]interface{}{},
		Meta: analysis.Meta{
			Code: common.CodeOf(cause),
			Timing: &analysis.Timing{
				StartedAt:  started,
				FinishedAt: finished,
				DurationMS: finished.Sub(started).Milliseconds(),
			},
		},
	}
	if err := s.store.FinishCard(ctx, state.job.ID, card.ID, analysis.CardFailed, doc, card.Retries); err != nil {
		common.Logger.WithError(err).WithField("card_id", card.ID).Error("failed to persist card failure")
	}
	s.emit(ctx, state.job.ID, analysis.EventCardFailed, card.ID, card.Type, map[string]interface{}{
		"code":  common.CodeOf(cause),
		"error": cause.Error(),
	})
}

// emit appends one event and pokes the wake-up bus. Emission never uses a
// cancelled context: terminal events must land even during teardown.
func (s *Scheduler) emit(ctx context.Context, jobID string, t analysis.EventType, cardID, cardType string, payload map[string]interface{}) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := s.store.Append(ctx, jobID, t, cardID, cardType, payload); err != nil {
		common.Logger.WithError(err).WithFields(logrus.Fields{
			"job_id": jobID,
			"event":  string(t),
		}).Error("failed to append event")
		return
	}
	if s.bus != nil {
		if err := s.bus.Wake(ctx, jobID); err != nil {
			common.Logger.WithError(err).WithField("job_id", jobID).Debug("wake-up publish failed")
		}
	}
}
