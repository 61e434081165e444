// Package llm provides the model client used by summary and assessment
// cards: a small completion interface, adapters for the Anthropic and
// OpenAI APIs, and a per-card routing table with primary/fallback models.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request is one completion request.
type Request struct {
	// System is the system prompt; optional.
	System string

	// Prompt is the user prompt.
	Prompt string

	// MaxTokens caps the completion length. Zero means the adapter default.
	MaxTokens int

	// Temperature of zero means the adapter default.
	Temperature float64
}

// Response is one completion.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client completes prompts against one provider. The model identifier is
// the provider-native id without the provider prefix.
type Client interface {
	Complete(ctx context.Context, model string, req *Request) (*Response, error)
}

// SplitModel splits a "provider/model" identifier. Model ids may themselves
// contain slashes, only the first segment is the provider.
func SplitModel(id string) (provider, model string, err error) {
	i := strings.IndexByte(id, '/')
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("bad model identifier %q, want provider/model", id)
	}
	return id[:i], id[i+1:], nil
}
