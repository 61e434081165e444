package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKindOf tests kind extraction from wrapped error chains
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "TypedError",
			err:  NewError(KindUpstreamUnavailable, "fetcher down"),
			want: KindUpstreamUnavailable,
		},
		{
			name: "WrappedTypedError",
			err:  fmt.Errorf("while fetching: %w", NewError(KindUpstreamRatelimited, "429")),
			want: KindUpstreamRatelimited,
		},
		{
			name: "ContextCanceled",
			err:  context.Canceled,
			want: KindCancelled,
		},
		{
			name: "DeadlineExceeded",
			err:  fmt.Errorf("call: %w", context.DeadlineExceeded),
			want: KindTimeout,
		},
		{
			name: "UnknownError",
			err:  errors.New("boom"),
			want: KindInternal,
		},
		{
			name: "Nil",
			err:  nil,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

// TestCodeOf tests machine-readable code extraction
func TestCodeOf(t *testing.T) {
	assert.Equal(t, "deadline", CodeOf(NewError(KindTimeout, "slow")))
	assert.Equal(t, "rate_limited", CodeOf(NewError(KindUpstreamRatelimited, "429")))
	assert.Equal(t, "no_profile", CodeOf(NewError(KindNotFound, "gone").WithCode("no_profile")))
	assert.Equal(t, "internal", CodeOf(errors.New("boom")))
}

// TestRetryable tests the retry classification
func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewError(KindUpstreamUnavailable, "down")))
	assert.True(t, Retryable(NewError(KindTimeout, "slow")))
	assert.True(t, Retryable(NewError(KindValidationFailed, "bad payload")))
	assert.False(t, Retryable(NewError(KindCancelled, "stop")))
	assert.False(t, Retryable(NewError(KindInputInvalid, "bad input")))
	assert.False(t, Retryable(context.Canceled))
}

// TestErrorUnwrap verifies the wrapped chain survives
func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("tcp reset")
	err := WrapError(KindUpstreamUnavailable, "fetch profile", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "upstream_unavailable")
	assert.Contains(t, err.Error(), "tcp reset")
}
