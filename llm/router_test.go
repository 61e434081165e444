package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossio.org/common"
	"dossio.org/config"
)

func TestSplitModel(t *testing.T) {
	provider, model, err := SplitModel("anthropic/claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet-4-5", model)

	_, _, err = SplitModel("claude-sonnet-4-5")
	assert.Error(t, err)
	_, _, err = SplitModel("anthropic/")
	assert.Error(t, err)
}

func TestRouterDefaultRoute(t *testing.T) {
	mock := &Mock{Reply: "summary text"}
	r := NewRouterWithProviders(config.LLMConfig{
		DefaultModel: "anthropic/claude-sonnet-4-5",
	}, map[string]Client{"anthropic": mock})

	resp, err := r.Complete(context.Background(), "summary", &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "summary text", resp.Text)
	assert.Equal(t, []string{"claude-sonnet-4-5"}, mock.Calls)
}

func TestRouterFallsOver(t *testing.T) {
	anthropic := &Mock{Fn: func(ctx context.Context, model string, req *Request) (*Response, error) {
		return nil, common.NewError(common.KindUpstreamRatelimited, "throttled")
	}}
	openai := &Mock{Reply: "from fallback"}

	r := NewRouterWithProviders(config.LLMConfig{
		Routes: map[string]config.LLMRouteConfig{
			"summary": {
				Primary:  "anthropic/claude-sonnet-4-5",
				Fallback: "openai/gpt-4o",
			},
		},
	}, map[string]Client{"anthropic": anthropic, "openai": openai})

	resp, err := r.Complete(context.Background(), "summary", &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Text)
	assert.Equal(t, []string{"claude-sonnet-4-5"}, anthropic.Calls)
	assert.Equal(t, []string{"gpt-4o"}, openai.Calls)
}

func TestRouterAttemptBudget(t *testing.T) {
	failing := &Mock{Fn: func(ctx context.Context, model string, req *Request) (*Response, error) {
		return nil, common.NewError(common.KindUpstreamUnavailable, "down")
	}}

	r := NewRouterWithProviders(config.LLMConfig{
		Routes: map[string]config.LLMRouteConfig{
			"summary": {
				Primary:     "anthropic/claude-sonnet-4-5",
				Fallback:    "anthropic/claude-haiku-4-5",
				MaxAttempts: 3,
			},
		},
	}, map[string]Client{"anthropic": failing})

	_, err := r.Complete(context.Background(), "summary", &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, common.KindUpstreamUnavailable, common.KindOf(err))
	// Third attempt re-uses the last model in the route
	assert.Equal(t, []string{"claude-sonnet-4-5", "claude-haiku-4-5", "claude-haiku-4-5"}, failing.Calls)
}

func TestRouterUnknownProvider(t *testing.T) {
	r := NewRouterWithProviders(config.LLMConfig{
		DefaultModel: "google/gemini",
	}, map[string]Client{})

	_, err := r.Complete(context.Background(), "summary", &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, common.KindInternal, common.KindOf(err))
}
