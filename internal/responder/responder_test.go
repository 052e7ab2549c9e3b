package responder

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"call-screening/internal/calls"
	"call-screening/internal/resilience"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

type fakeOpenAI struct {
	last openai.ChatCompletionRequest
	resp string
	err  error
}

func (f *fakeOpenAI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.resp}}}}, nil
}

type countingCompleter struct {
	calls int
	out   string
}

func (c *countingCompleter) Name() string { return "counting" }
func (c *countingCompleter) Complete(context.Context, Prompt) (string, error) {
	c.calls++
	return c.out, nil
}

func TestVoiceFormatter_StripsMarkdown(t *testing.T) {
	f := NewVoiceFormatter(60)
	in := "## Hello!!\n- **Thanks** for calling [our office](https://x.example).\n* Who is `this`?"
	got := f.Format(in)
	want := "Hello! Thanks for calling our office. Who is this?"
	if got != want {
		t.Fatalf("Format() = %q, want %q", got, want)
	}
}

func TestVoiceFormatter_CapsWordsOnSentenceBoundary(t *testing.T) {
	f := NewVoiceFormatter(8)
	got := f.Format("Thanks for calling today. I will pass your message along to them shortly.")
	if got != "Thanks for calling today." {
		t.Fatalf("got %q", got)
	}

	got = f.Format("one two three four five six seven eight nine ten")
	if got != "one two three four five six seven eight." {
		t.Fatalf("got %q", got)
	}
}

func TestService_EmptyTurnsSkipModel(t *testing.T) {
	c := &countingCompleter{out: "ignored"}
	s := NewService(c, NewVoiceFormatter(60))

	sum, err := s.GenerateSummary(context.Background(), nil)
	if err != nil || sum != NoSummary {
		t.Fatalf("summary = %q, err = %v", sum, err)
	}
	cls, err := s.Classify(context.Background(), nil)
	if err != nil || cls != DefaultClassification() {
		t.Fatalf("classification = %+v, err = %v", cls, err)
	}
	if c.calls != 0 {
		t.Fatalf("expected no model calls, got %d", c.calls)
	}
}

func TestService_ReplyMapsHistoryRoles(t *testing.T) {
	fake := &fakeOpenAI{resp: "Thanks, **Sam**. What is it regarding?"}
	s := NewService(NewOpenAIBackendWithClient(fake, ""), NewVoiceFormatter(60))

	history := []calls.TranscriptTurn{
		{Speaker: calls.SpeakerAI, Text: "Hi, who is calling?", IsAI: true},
		{Speaker: calls.SpeakerCaller, Text: "It's Sam."},
	}
	got, err := s.GenerateReply(context.Background(), "I'm calling about my order", history)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if got != "Thanks, Sam. What is it regarding?" {
		t.Fatalf("reply = %q", got)
	}

	msgs := fake.last.Messages
	if len(msgs) != 4 {
		t.Fatalf("expected system + 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[1].Role != openai.ChatMessageRoleAssistant ||
		msgs[2].Role != openai.ChatMessageRoleUser || msgs[3].Content != "I'm calling about my order" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestOpenAIBackend_MapsStatusForClassification(t *testing.T) {
	fake := &fakeOpenAI{err: &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}}
	b := NewOpenAIBackendWithClient(fake, "gpt-test")

	_, err := b.Complete(context.Background(), Prompt{Messages: []Message{{Role: RoleUser, Text: "hi"}}})
	var se *resilience.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected StatusError 401, got %v", err)
	}
	if resilience.Classify(err).Category != resilience.CategoryAuthentication {
		t.Fatalf("expected authentication category")
	}
}

func TestOpenAIBackend_JSONModeForClassification(t *testing.T) {
	fake := &fakeOpenAI{resp: `{"caller_name":"Sam","purpose":"order","urgency":"HIGH","sentiment":"angry","action_required":"yes","follow_up_needed":true}`}
	s := NewService(NewOpenAIBackendWithClient(fake, ""), NewVoiceFormatter(60))

	cls, err := s.Classify(context.Background(), []calls.TranscriptTurn{{Speaker: calls.SpeakerCaller, Text: "It's urgent"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if fake.last.ResponseFormat == nil || fake.last.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("expected JSON response format")
	}
	want := Classification{CallerName: "Sam", Purpose: "order", Urgency: calls.UrgencyHigh, Sentiment: calls.SentimentNeutral, ActionRequired: true, FollowUpNeeded: true}
	if cls != want {
		t.Fatalf("classification = %+v, want %+v", cls, want)
	}
}

func TestParseClassification_FencedAndInvalid(t *testing.T) {
	cls, err := ParseClassification("```json\n{\"urgency\":\"medium\",\"sentiment\":\"negative\"}\n```")
	if err != nil || cls.Urgency != calls.UrgencyMedium || cls.Sentiment != calls.SentimentNegative {
		t.Fatalf("got %+v err=%v", cls, err)
	}

	cls, err = ParseClassification("not json")
	if err == nil || cls != DefaultClassification() {
		t.Fatalf("expected defaults and error, got %+v err=%v", cls, err)
	}
	if resilience.Classify(err).Retryable {
		t.Fatalf("parse failure must not be retried")
	}
}

type fakeGemini struct {
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	text     string
}

func (f *fakeGemini) GenerateContent(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.contents, f.config = contents, config
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
	}}}, nil
}

func TestGeminiBackend_BuildsContents(t *testing.T) {
	fake := &fakeGemini{text: "Hello there."}
	b := NewGeminiBackendWithModels(fake, "")

	out, err := b.Complete(context.Background(), Prompt{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Text: "hi"}, {Role: RoleAssistant, Text: "hello"}},
		JSON:     true,
	})
	if err != nil || out != "Hello there." {
		t.Fatalf("out = %q err = %v", out, err)
	}
	if len(fake.contents) != 2 || fake.contents[1].Role != "model" {
		t.Fatalf("unexpected contents %+v", fake.contents)
	}
	if fake.config.SystemInstruction == nil || fake.config.ResponseMIMEType != "application/json" {
		t.Fatalf("unexpected config %+v", fake.config)
	}
}

func TestGreetingPromptFollowsCallerNumber(t *testing.T) {
	known := greetingPrompt(GreetingRequest{OwnerID: "owner-1", PhoneNumber: "+15550001111"}).Messages[0].Text
	if strings.Contains(known, "call back") || !strings.Contains(known, "already known") {
		t.Fatalf("known caller number should not be asked for: %q", known)
	}
	if strings.Contains(known, "+15550001111") || strings.Contains(known, "owner-1") {
		t.Fatalf("identifiers must not leak into the spoken prompt: %q", known)
	}

	for _, withheld := range []string{"", "anonymous", " Restricted "} {
		text := greetingPrompt(GreetingRequest{OwnerID: "owner-1", PhoneNumber: withheld}).Messages[0].Text
		if !strings.Contains(text, "call back") {
			t.Fatalf("withheld number %q should ask for a callback number: %q", withheld, text)
		}
	}
}
