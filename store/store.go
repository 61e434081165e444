// Package store persists jobs, cards, events, and idempotency records. The
// postgres implementation is authoritative; the memory implementation
// mirrors its semantics exactly and backs the engine tests and the one-shot
// CLI mode.
package store

import (
	"context"

	"dossio.org/analysis"
)

// JobStore is the persistent state interface for jobs and cards. All read
// operations that take a userID enforce ownership: a mismatch reports
// not_found, never the record.
type JobStore interface {
	// CreateJob persists a new job. When idempotencyKey is non-empty and a
	// record for (job.UserID, idempotencyKey) exists, the stored job is
	// returned unchanged if bodyHash matches, and a conflict error is
	// returned otherwise. The boolean reports whether a new job was created.
	CreateJob(ctx context.Context, job *analysis.Job, idempotencyKey, bodyHash string) (*analysis.Job, bool, error)

	// GetJob returns the job when it exists and belongs to userID.
	GetJob(ctx context.Context, userID, jobID string) (*analysis.Job, error)

	// SetJobStatus advances the job lifecycle; result may be nil.
	SetJobStatus(ctx context.Context, jobID string, status analysis.JobStatus, result map[string]interface{}) error

	// CreateCards persists the planned card list for a job.
	CreateCards(ctx context.Context, cards []*analysis.Card) error

	// ListCards returns all cards of a job.
	ListCards(ctx context.Context, jobID string) ([]*analysis.Card, error)

	// GetCard returns one card of a job.
	GetCard(ctx context.Context, jobID, cardID string) (*analysis.Card, error)

	// MarkCardReady transitions pending → ready.
	MarkCardReady(ctx context.Context, jobID, cardID string) error

	// ClaimCard compare-and-sets ready → running. Returns false when
	// another worker won the claim.
	ClaimCard(ctx context.Context, jobID, cardID string) (bool, error)

	// FinishCard records the terminal card status, output, and retry count.
	FinishCard(ctx context.Context, jobID, cardID string, status analysis.CardStatus, output *analysis.Document, retries int) error
}

// EventLog is the append-only, per-job sequenced event stream. Append
// assigns the next sequence number atomically with the insert and advances
// the job's last_seq; the log never drops, reorders, or deduplicates.
type EventLog interface {
	// Append writes one event and returns it with its assigned seq.
	Append(ctx context.Context, jobID string, typ analysis.EventType, cardID, cardType string, payload map[string]interface{}) (*analysis.Event, error)

	// After returns up to limit events with seq > after, ordered ascending.
	After(ctx context.Context, jobID string, after int64, limit int) ([]*analysis.Event, error)
}

// Store bundles the two persistence interfaces the engine needs.
type Store interface {
	JobStore
	EventLog
}
