package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"call-screening/internal/resilience"

	"google.golang.org/genai"
)

// GeminiModels is the subset of genai.Client.Models used here.
type GeminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type GeminiBackend struct {
	models GeminiModels
	model  string
}

func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return NewGeminiBackendWithModels(client.Models, cfg.Model), nil
}

func NewGeminiBackendWithModels(models GeminiModels, model string) *GeminiBackend {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiBackend{models: models, model: model}
}

func (b *GeminiBackend) Name() string { return "gemini" }

func (b *GeminiBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(0.4))}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p.System}}}
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
		cfg.Temperature = genai.Ptr(float32(0))
	}

	contents := make([]*genai.Content, 0, len(p.Messages))
	for _, m := range p.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Text}}})
	}

	resp, err := b.models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return "", mapGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", resilience.Permanent(ErrEmptyCompletion)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", resilience.Permanent(ErrEmptyCompletion)
	}
	return out, nil
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return &resilience.StatusError{Service: "gemini", Code: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code > 0 {
		return &resilience.StatusError{Service: "gemini", Code: apiErrPtr.Code, Err: err}
	}
	return fmt.Errorf("gemini: %w", err)
}
