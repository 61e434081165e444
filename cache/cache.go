// Package cache implements the cross-job artifact cache with TTL, stale
// windows, freshness fingerprints, and the cache controller policy that
// decides between serving, prefilling, and re-running a subject.
package cache

import (
	"context"
	"time"

	"dossio.org/analysis"
)

// Entry is one cached artifact with its freshness metadata.
type Entry struct {
	Key         string
	Payload     map[string]interface{}
	ContentHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Age returns how long ago the entry was written.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// Fresh reports whether the entry is within its TTL.
func (e *Entry) Fresh() bool {
	return time.Now().Before(e.ExpiresAt)
}

// ArtifactCache is the keyed blob store for completed subject reports and
// resource fragments. Writes are upserts; concurrent writers for the same
// key coordinate through the refresh lock.
type ArtifactCache interface {
	// Get returns the entry when present and unexpired, nil on miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetStale returns an entry that expired within maxStale, nil otherwise.
	GetStale(ctx context.Context, key string, maxStale time.Duration) (*Entry, error)

	// Put upserts an entry with the given TTL.
	Put(ctx context.Context, key string, payload map[string]interface{}, ttl time.Duration, contentHash string) error

	// Extend pushes an entry's expiry forward without rewriting the payload.
	// Used when a fingerprint re-check shows the upstream is unchanged.
	Extend(ctx context.Context, key string, newExpiry time.Time) error
}

// SubjectRuns records successful end-to-end analyses per
// (source, subject_key, pipeline_version, options_hash) tuple.
type SubjectRuns interface {
	Get(ctx context.Context, source, subjectKey, pipelineVersion, optionsHash string) (*analysis.SubjectRun, error)
	Put(ctx context.Context, run *analysis.SubjectRun) error
	ExtendFreshness(ctx context.Context, run *analysis.SubjectRun, until time.Time) error
}

// RefreshLock prevents two workers from concurrently re-running the same
// subject. Locks carry a safety TTL so a crashed holder cannot deadlock the
// subject forever.
type RefreshLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
