// Package analysis defines the domain model of the Dossio engine: jobs,
// cards, events, card outputs, and the identity helpers (subject keys,
// option hashes, cache keys, content hashes) shared by the planner,
// scheduler, stores, and cache controller.
package analysis

import (
	"time"
)

// JobStatus is the job lifecycle vocabulary.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CardStatus is the card lifecycle vocabulary.
type CardStatus string

const (
	CardPending   CardStatus = "pending"
	CardReady     CardStatus = "ready"
	CardRunning   CardStatus = "running"
	CardCompleted CardStatus = "completed"
	CardFailed    CardStatus = "failed"
	CardSkipped   CardStatus = "skipped"
)

// Terminal reports whether the status ends the card lifecycle.
func (s CardStatus) Terminal() bool {
	switch s {
	case CardCompleted, CardFailed, CardSkipped:
		return true
	}
	return false
}

// EventType enumerates the closed set of stream event types.
type EventType string

const (
	EventJobCreated     EventType = "job.created"
	EventJobStarted     EventType = "job.started"
	EventCardReady      EventType = "card.ready"
	EventCardStarted    EventType = "card.started"
	EventCardPrefill    EventType = "card.prefill"
	EventCardProgress   EventType = "card.progress"
	EventCardDelta      EventType = "card.delta"
	EventCardAppend     EventType = "card.append"
	EventCardCompleted  EventType = "card.completed"
	EventCardFailed     EventType = "card.failed"
	EventRefreshStarted EventType = "refresh.started"
	EventRefreshEnded   EventType = "refresh.ended"
	EventJobCompleted   EventType = "job.completed"
	EventJobPartial     EventType = "job.partial"
	EventJobFailed      EventType = "job.failed"
	EventJobCancelled   EventType = "job.cancelled"
	EventHeartbeat      EventType = "heartbeat"
)

// TerminalEvent reports whether the event type closes the stream.
func TerminalEvent(t EventType) bool {
	switch t {
	case EventJobCompleted, EventJobPartial, EventJobFailed, EventJobCancelled:
		return true
	}
	return false
}

// Options is the option bag recognized by the core. Every field has a
// literal effect; unknown client options are dropped at canonicalization.
type Options struct {
	// ForceRefresh bypasses cache read and prefill; completion still writes
	// to the cache.
	ForceRefresh bool `json:"force_refresh,omitempty"`

	// Preview plans only the fast subset of cards and enqueues the full
	// variant to the background refresh pool.
	Preview bool `json:"preview,omitempty"`

	// IncludeInternal includes internal/resource cards in snapshots.
	IncludeInternal bool `json:"include_internal,omitempty"`

	// TimeoutMS is the overall client-visible cap in sync mode; the default
	// is source-specific.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// Job represents one analysis request. A job is immutable except for
// Status, LastSeq, and Result.
type Job struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	Source     string                 `json:"source"`
	SubjectKey string                 `json:"subject_key"`
	Status     JobStatus              `json:"status"`
	Input      map[string]interface{} `json:"input"`
	Options    Options                `json:"options"`
	LastSeq    int64                  `json:"last_seq"`
	Result     map[string]interface{} `json:"result,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Card is a single unit of work belonging to one job. Resource cards
// (Internal=true) fetch and shape raw data for other cards; business cards
// are the user-visible outputs.
type Card struct {
	ID       string        `json:"id"`
	JobID    string        `json:"job_id"`
	Type     string        `json:"type"`
	Priority int           `json:"priority"`
	Group    string        `json:"group"`
	Deadline time.Duration `json:"deadline,omitempty"`
	Deps     []string      `json:"deps,omitempty"`
	Internal bool          `json:"internal"`
	Status   CardStatus    `json:"status"`
	Retries  int           `json:"retries"`
	Output   *Document     `json:"output,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event is one append-only record in a job's stream. Seq is strictly
// increasing per job with no gaps; the event log is the sole ordering
// contract observable by clients.
type Event struct {
	JobID     string                 `json:"job_id"`
	Seq       int64                  `json:"seq"`
	Type      EventType              `json:"event_type"`
	CardID    string                 `json:"card_id,omitempty"`
	CardType  string                 `json:"card_type,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Timing records card execution times inside the output meta envelope.
type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Meta is the uniform envelope attached to every card output.
type Meta struct {
	// PreserveEmpty disables pruning of empty keys for this card
	// unconditionally.
	PreserveEmpty bool `json:"preserve_empty,omitempty"`

	// Fallback marks the payload as produced by the handler's fallback path.
	Fallback bool `json:"fallback,omitempty"`

	// Code is a machine-readable tag explaining a fallback (e.g. "deadline").
	Code string `json:"code,omitempty"`

	// ContentHash is the canonical hash of Data, used for SWR supersession
	// checks.
	ContentHash string `json:"content_hash,omitempty"`

	Timing *Timing `json:"timing,omitempty"`
}

// Document is a persisted card output: the public payload plus the meta
// envelope.
type Document struct {
	Data map[string]interface{} `json:"data"`
	Meta Meta                   `json:"meta"`
}

// SubjectRun records one successful end-to-end analysis of a subject tuple.
// It is written when a cold job completes and consulted on every new request
// for the same tuple.
type SubjectRun struct {
	Source          string    `json:"source"`
	SubjectKey      string    `json:"subject_key"`
	PipelineVersion string    `json:"pipeline_version"`
	OptionsHash     string    `json:"options_hash"`
	ArtifactKey     string    `json:"artifact_key"`
	Fingerprint     string    `json:"fingerprint"`
	FreshnessUntil  time.Time `json:"freshness_until"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Artifact kinds stored in the cross-job cache.
const (
	KindFullReport = "full_report"
	KindFragment   = "fragment"
)
