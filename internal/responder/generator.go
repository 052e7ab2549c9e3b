package responder

import (
	"context"
	"errors"
	"strings"

	"call-screening/internal/calls"
	"call-screening/internal/resilience"
)

// NoSummary is written when there is nothing to summarize or summarization failed.
const NoSummary = "No summary generated"

// Generator produces the assistant's spoken lines and the end-of-call analysis.
// Output depends only on the arguments; no conversation state is kept between calls.
type Generator interface {
	GenerateGreeting(ctx context.Context, req GreetingRequest) (string, error)
	GenerateReply(ctx context.Context, userText string, history []calls.TranscriptTurn) (string, error)
	GenerateSummary(ctx context.Context, turns []calls.TranscriptTurn) (string, error)
	Classify(ctx context.Context, turns []calls.TranscriptTurn) (Classification, error)
}

// GreetingRequest carries what is known when the stream starts. PhoneNumber is
// the caller's number as reported by the carrier; it may be empty or withheld.
type GreetingRequest struct {
	OwnerID     string
	PhoneNumber string
}

type Classification struct {
	CallerName     string          `json:"caller_name"`
	Purpose        string          `json:"purpose"`
	Urgency        calls.Urgency   `json:"urgency"`
	Sentiment      calls.Sentiment `json:"sentiment"`
	ActionRequired bool            `json:"action_required"`
	FollowUpNeeded bool            `json:"follow_up_needed"`
}

func DefaultClassification() Classification {
	return Classification{Urgency: calls.UrgencyLow, Sentiment: calls.SentimentNeutral}
}

// Role is a chat role understood by every backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role Role
	Text string
}

// Prompt is a backend-neutral completion request.
type Prompt struct {
	System    string
	Messages  []Message
	JSON      bool
	MaxTokens int
}

// Completer is implemented by each model backend.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Name() string
}

var ErrEmptyCompletion = errors.New("responder: empty completion")

// Service implements Generator on top of a Completer.
type Service struct {
	backend   Completer
	formatter VoiceFormatter
}

func NewService(backend Completer, formatter VoiceFormatter) *Service {
	return &Service{backend: backend, formatter: formatter}
}

func (s *Service) Backend() string { return s.backend.Name() }

func (s *Service) GenerateGreeting(ctx context.Context, req GreetingRequest) (string, error) {
	out, err := s.backend.Complete(ctx, greetingPrompt(req))
	if err != nil {
		return "", err
	}
	return s.spoken(out)
}

func (s *Service) GenerateReply(ctx context.Context, userText string, history []calls.TranscriptTurn) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", resilience.Permanent(errors.New("responder: empty user text"))
	}
	out, err := s.backend.Complete(ctx, replyPrompt(userText, history))
	if err != nil {
		return "", err
	}
	return s.spoken(out)
}

func (s *Service) GenerateSummary(ctx context.Context, turns []calls.TranscriptTurn) (string, error) {
	if len(turns) == 0 {
		return NoSummary, nil
	}
	out, err := s.backend.Complete(ctx, summaryPrompt(turns))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(collapseWhitespace(out))
	if out == "" {
		return NoSummary, nil
	}
	return out, nil
}

func (s *Service) Classify(ctx context.Context, turns []calls.TranscriptTurn) (Classification, error) {
	if len(turns) == 0 {
		return DefaultClassification(), nil
	}
	out, err := s.backend.Complete(ctx, classifyPrompt(turns))
	if err != nil {
		return DefaultClassification(), err
	}
	return ParseClassification(out)
}

func (s *Service) spoken(raw string) (string, error) {
	text := s.formatter.Format(raw)
	if text == "" {
		return "", resilience.Permanent(ErrEmptyCompletion)
	}
	return text, nil
}
