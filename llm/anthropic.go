package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"dossio.org/common"
)

const anthropicDefaultMaxTokens = 2048

// MessagesClient is the subset of the Anthropic SDK used by the adapter,
// satisfied by *sdk.MessageService and by mocks.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Client on the Claude Messages API.
type Anthropic struct {
	msg MessagesClient
}

// NewAnthropic builds the adapter from an API key.
func NewAnthropic(apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{msg: &ac.Messages}, nil
}

// NewAnthropicFromMessages wraps an existing messages client, used by tests.
func NewAnthropicFromMessages(msg MessagesClient) *Anthropic {
	return &Anthropic{msg: msg}
}

func (c *Anthropic) Complete(ctx context.Context, model string, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, mapAnthropicError(err)
	}
	if msg == nil {
		return nil, common.NewError(common.KindUpstreamUnavailable, "anthropic returned no message")
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{
		Text:         text,
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func mapAnthropicError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return common.WrapError(common.KindUpstreamRatelimited, "anthropic throttled the request", err)
		case apierr.StatusCode >= 500:
			return common.WrapError(common.KindUpstreamUnavailable, fmt.Sprintf("anthropic returned %d", apierr.StatusCode), err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return common.WrapError(common.KindUpstreamUnavailable, "anthropic messages.new failed", err)
}
