package common

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures inside the analysis engine. The vocabulary
// is closed: handlers and infrastructure map every failure onto one of these
// kinds so the scheduler can decide between retry, fallback, and job failure
// without inspecting error strings.
type ErrorKind string

const (
	// KindInputInvalid means the request failed schema or canonicalization
	// checks. Surfaced as a job creation failure; never becomes a job.
	KindInputInvalid ErrorKind = "input_invalid"

	// KindNotFound means the subject (or an owned record) could not be
	// resolved.
	KindNotFound ErrorKind = "not_found"

	// KindConflict means an idempotency key was reused with a different
	// request body.
	KindConflict ErrorKind = "conflict"

	// KindUpstreamUnavailable means a required fetcher or model failed after
	// bounded retries.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindUpstreamRatelimited means the upstream throttled us; retriable
	// with backoff, degrades to upstream_unavailable once the budget is
	// exhausted.
	KindUpstreamRatelimited ErrorKind = "upstream_ratelimited"

	// KindTimeout means a per-card soft deadline was crossed.
	KindTimeout ErrorKind = "timeout"

	// KindValidationFailed means a handler's Validate rejected the payload.
	KindValidationFailed ErrorKind = "validation_failed"

	// KindCancelled means cooperative cancellation was observed.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal covers unexpected failures inside the engine itself.
	KindInternal ErrorKind = "internal"
)

// Error is the typed error carried across engine boundaries. Code is an
// optional machine-readable tag recorded on fallback card outputs (for
// example "deadline" or "rate_limited").
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed engine error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError wraps err with an engine kind, preserving the chain for
// errors.Is/As.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithCode returns a copy of the error carrying a machine-readable code.
func (e *Error) WithCode(code string) *Error {
	clone := *e
	clone.Code = code
	return &clone
}

// KindOf extracts the kind from an error chain. Context cancellation and
// deadline errors are mapped onto the engine vocabulary; anything unknown is
// internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// CodeOf extracts the machine-readable code from an error chain. When the
// error carries no explicit code the kind itself is used, so fallback card
// outputs always have a usable tag.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch KindOf(err) {
	case KindTimeout:
		return "deadline"
	case KindUpstreamRatelimited:
		return "rate_limited"
	case KindCancelled:
		return "cancelled"
	default:
		return string(KindOf(err))
	}
}

// Retryable reports whether a failed attempt should consume retry budget and
// run again. Cancellation and invalid input never retry; rate limits and
// transient upstream failures do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamRatelimited, KindUpstreamUnavailable, KindTimeout, KindValidationFailed:
		return true
	default:
		return false
	}
}
