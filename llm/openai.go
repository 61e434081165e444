package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"dossio.org/common"
)

// ChatClient is the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements Client on the Chat Completions API.
type OpenAI struct {
	chat ChatClient
}

// NewOpenAI builds the adapter from an API key.
func NewOpenAI(apiKey string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	return &OpenAI{chat: openai.NewClient(apiKey)}, nil
}

// NewOpenAIFromChat wraps an existing chat client, used by tests.
func NewOpenAIFromChat(chat ChatClient) *OpenAI {
	return &OpenAI{chat: chat}
}

func (c *OpenAI) Complete(ctx context.Context, model string, req *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, common.NewError(common.KindUpstreamUnavailable, "openai returned no choices")
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func mapOpenAIError(err error) error {
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		switch {
		case apierr.HTTPStatusCode == 429:
			return common.WrapError(common.KindUpstreamRatelimited, "openai throttled the request", err)
		case apierr.HTTPStatusCode >= 500:
			return common.WrapError(common.KindUpstreamUnavailable, fmt.Sprintf("openai returned %d", apierr.HTTPStatusCode), err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return common.WrapError(common.KindUpstreamUnavailable, "openai chat completion failed", err)
}
