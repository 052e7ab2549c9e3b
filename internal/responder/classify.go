package responder

import (
	"encoding/json"
	"fmt"
	"strings"

	"call-screening/internal/calls"
	"call-screening/internal/resilience"
)

// ParseClassification decodes a model's JSON answer and normalizes every field to
// an allowed value. Undecodable output yields the defaults and a permanent error.
func ParseClassification(raw string) (Classification, error) {
	body := stripCodeFence(raw)
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var parsed struct {
		CallerName     string `json:"caller_name"`
		Purpose        string `json:"purpose"`
		Urgency        string `json:"urgency"`
		Sentiment      string `json:"sentiment"`
		ActionRequired any    `json:"action_required"`
		FollowUpNeeded any    `json:"follow_up_needed"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return DefaultClassification(), resilience.Permanent(fmt.Errorf("decode classification: %w", err))
	}

	return Classification{
		CallerName:     strings.TrimSpace(parsed.CallerName),
		Purpose:        strings.TrimSpace(parsed.Purpose),
		Urgency:        normalizeUrgency(parsed.Urgency),
		Sentiment:      normalizeSentiment(parsed.Sentiment),
		ActionRequired: truthy(parsed.ActionRequired),
		FollowUpNeeded: truthy(parsed.FollowUpNeeded),
	}, nil
}

func normalizeUrgency(v string) calls.Urgency {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high", "urgent", "critical":
		return calls.UrgencyHigh
	case "medium", "moderate", "normal":
		return calls.UrgencyMedium
	default:
		return calls.UrgencyLow
	}
}

func normalizeSentiment(v string) calls.Sentiment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "positive":
		return calls.SentimentPositive
	case "negative":
		return calls.SentimentNegative
	default:
		return calls.SentimentNeutral
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
