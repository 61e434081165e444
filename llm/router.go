package llm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dossio.org/common"
	"dossio.org/config"
)

// Router resolves a card type to its model route and completes against the
// primary, falling over to the fallback model while the attempt budget
// lasts.
type Router struct {
	providers map[string]Client
	cfg       config.LLMConfig
}

// NewRouter wires provider clients from the configuration. Providers
// without an API key are simply absent; routing onto one is an error.
func NewRouter(cfg config.LLMConfig) (*Router, error) {
	providers := make(map[string]Client)
	if cfg.AnthropicKey != "" {
		c, err := NewAnthropic(cfg.AnthropicKey)
		if err != nil {
			return nil, err
		}
		providers["anthropic"] = c
	}
	if cfg.OpenAIKey != "" {
		c, err := NewOpenAI(cfg.OpenAIKey)
		if err != nil {
			return nil, err
		}
		providers["openai"] = c
	}
	return &Router{providers: providers, cfg: cfg}, nil
}

// NewRouterWithProviders injects provider clients directly, used by tests.
func NewRouterWithProviders(cfg config.LLMConfig, providers map[string]Client) *Router {
	return &Router{providers: providers, cfg: cfg}
}

// candidates lists the model identifiers to try for a card type, primary
// first.
func (r *Router) candidates(cardType string) ([]string, int) {
	route, ok := r.cfg.Routes[cardType]
	if !ok {
		return []string{r.cfg.DefaultModel}, 1
	}
	models := []string{route.Primary}
	if route.Fallback != "" {
		models = append(models, route.Fallback)
	}
	maxAttempts := route.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(models)
	}
	return models, maxAttempts
}

// Complete runs the request through the card type's route. The last model
// in the route absorbs any remaining attempt budget.
func (r *Router) Complete(ctx context.Context, cardType string, req *Request) (*Response, error) {
	models, maxAttempts := r.candidates(cardType)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		idx := attempt
		if idx >= len(models) {
			idx = len(models) - 1
		}
		id := models[idx]

		provider, model, err := SplitModel(id)
		if err != nil {
			return nil, common.WrapError(common.KindInternal, "bad model route", err)
		}
		client, ok := r.providers[provider]
		if !ok {
			return nil, common.NewError(common.KindInternal, fmt.Sprintf("no client configured for provider %q", provider))
		}

		resp, err := client.Complete(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		common.Logger.WithFields(logrus.Fields{
			"card_type": cardType,
			"model":     id,
			"attempt":   attempt + 1,
		}).WithError(err).Warn("model completion failed")
	}
	return nil, lastErr
}
