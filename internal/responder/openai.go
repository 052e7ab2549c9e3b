package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"call-screening/internal/resilience"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient is the subset of *openai.Client used here; tests substitute a fake.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIBackend struct {
	client OpenAIClient
	model  string
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return NewOpenAIBackendWithClient(openai.NewClientWithConfig(c), cfg.Model)
}

func NewOpenAIBackendWithClient(client OpenAIClient, model string) *OpenAIBackend {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIBackend{client: client, model: model}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.Messages)+1)
	if p.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	for _, m := range p.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    msgs,
		MaxTokens:   p.MaxTokens,
		Temperature: 0.4,
	}
	if p.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
		req.Temperature = 0
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", resilience.Permanent(ErrEmptyCompletion)
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", resilience.Permanent(ErrEmptyCompletion)
	}
	return out, nil
}

// mapOpenAIError exposes the HTTP status for classification.
func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &resilience.StatusError{Service: "openai", Code: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &resilience.StatusError{Service: "openai", Code: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("openai: %w", err)
}
