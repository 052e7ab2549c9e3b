package reporting

import (
	"time"

	"call-screening/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated screening metrics for one owner.
// Owner isolation: OwnerID is required.
type CallsSummaryRequest struct {
	OwnerID string    `json:"owner_id"`
	Range   TimeRange `json:"range"`
}

type CallsSummary struct {
	OwnerID string    `json:"owner_id"`
	Range   TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	ByUrgency      map[calls.Urgency]int   `json:"by_urgency"`
	BySentiment    map[calls.Sentiment]int `json:"by_sentiment"`
	ActionRequired int                     `json:"action_required"`
	FollowUpNeeded int                     `json:"follow_up_needed"`

	// NeedsAttention lists the most recent calls flagged for action or high urgency.
	NeedsAttention []CallDigest `json:"needs_attention"`

	// Lifetime counters from the owner stats row, independent of Range.
	Lifetime calls.OwnerStats `json:"lifetime"`
}

type CallDigest struct {
	CallID     string        `json:"call_id"`
	StartedAt  time.Time     `json:"started_at"`
	CallerName string        `json:"caller_name,omitempty"`
	Purpose    string        `json:"purpose,omitempty"`
	Urgency    calls.Urgency `json:"urgency"`
	Summary    string        `json:"summary"`
}
