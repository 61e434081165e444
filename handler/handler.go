// Package handler defines the card handler contract. A handler implements
// the four-step lifecycle the scheduler drives for every card: Execute to
// produce the payload, Validate to gate its quality, Fallback to degrade
// gracefully when execution cannot succeed, and Normalize to canonicalize
// the accepted payload before persistence.
package handler

import (
	"context"
	"sync"

	"dossio.org/analysis"
)

// Handler executes one card type of one source. Implementations must be
// safe for concurrent use: the scheduler runs many cards at once.
type Handler interface {
	// Execute produces the card payload. Blocking work must honor ctx.
	Execute(ctx context.Context, hctx *Context) (*analysis.CardResult, error)

	// Validate checks structural quality of an Execute payload. A
	// validation error counts as a retryable failure.
	Validate(data map[string]interface{}) error

	// Fallback produces the degraded payload after retries are exhausted.
	// It must not perform network calls and must not fail.
	Fallback(hctx *Context, cause error) *analysis.CardResult

	// Normalize canonicalizes an accepted payload before persistence.
	Normalize(data map[string]interface{}) map[string]interface{}
}

// EmitFunc publishes a mid-card event into the job's stream. The scheduler
// installs it; handlers never write to the event log directly.
type EmitFunc func(eventType analysis.EventType, payload map[string]interface{})

// Context carries what a handler may see while executing one card: the job
// input, the card descriptor, the job's published artifacts, and the emit
// hook for progress and delta events.
type Context struct {
	Job       *analysis.Job
	Card      *analysis.Card
	Artifacts *Artifacts

	emit EmitFunc
}

// NewContext builds the handler context for one card execution.
func NewContext(job *analysis.Job, card *analysis.Card, artifacts *Artifacts, emit EmitFunc) *Context {
	return &Context{Job: job, Card: card, Artifacts: artifacts, emit: emit}
}

// Progress emits a card.progress event with a named stage.
func (c *Context) Progress(stage string, fields map[string]interface{}) {
	if c.emit == nil {
		return
	}
	payload := map[string]interface{}{"stage": stage}
	for k, v := range fields {
		payload[k] = v
	}
	c.emit(analysis.EventCardProgress, payload)
}

// Delta emits a card.delta event carrying a streamed text chunk.
func (c *Context) Delta(text string) {
	if c.emit == nil {
		return
	}
	c.emit(analysis.EventCardDelta, map[string]interface{}{"text": text})
}

// Append emits a card.append event carrying one incremental list item.
func (c *Context) Append(item map[string]interface{}) {
	if c.emit == nil {
		return
	}
	c.emit(analysis.EventCardAppend, map[string]interface{}{"item": item})
}

// Artifacts is the per-job store of named intra-job artifacts. Resource
// cards publish into it through CardResult.Artifacts; downstream cards read
// from it. Artifacts never cross a job boundary.
type Artifacts struct {
	mu    sync.RWMutex
	items map[string]interface{}
}

// NewArtifacts creates an empty artifact store.
func NewArtifacts() *Artifacts {
	return &Artifacts{items: make(map[string]interface{})}
}

// Get returns a published artifact by name.
func (a *Artifacts) Get(name string) (interface{}, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.items[name]
	return v, ok
}

// GetMap returns a published artifact as a document map.
func (a *Artifacts) GetMap(name string) (map[string]interface{}, bool) {
	v, ok := a.Get(name)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// Publish stores a batch of named artifacts.
func (a *Artifacts) Publish(items map[string]interface{}) {
	if len(items) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range items {
		a.items[k] = v
	}
}
