package calls

import "time"

// CallRecord is the durable projection of one screened call.
//
// Owner invariant: OwnerID is required on every row and scopes every read.
// Version starts at 1 and is incremented on every Update.
type CallRecord struct {
	ID          string `json:"id"`
	CallSID     string `json:"call_sid"`
	OwnerID     string `json:"owner_id"`
	PhoneNumber string `json:"phone_number"`

	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`

	Transcript []TranscriptTurn `json:"transcript"`

	Summary        string    `json:"summary"`
	CallerName     string    `json:"caller_name"`
	Purpose        string    `json:"purpose"`
	Urgency        Urgency   `json:"urgency"`
	Sentiment      Sentiment `json:"sentiment"`
	ActionRequired bool      `json:"action_required"`
	FollowUpNeeded bool      `json:"follow_up_needed"`

	Status  CallStatus `json:"status"`
	Version int64      `json:"version"`
	Deleted bool       `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAI     Speaker = "ai"
)

// TranscriptTurn is append-only and persisted verbatim in order.
type TranscriptTurn struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsFinal    bool      `json:"is_final"`
	IsAI       bool      `json:"is_ai"`
	Confidence *float64  `json:"confidence,omitempty"`
}

type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// CallPatch is a partial update. Nil fields are left unchanged.
// A non-nil ExpectedVersion makes the update conditional on the stored version.
type CallPatch struct {
	EndedAt         *time.Time
	DurationSeconds *int
	Transcript      []TranscriptTurn
	Summary         *string
	CallerName      *string
	Purpose         *string
	Urgency         *Urgency
	Sentiment       *Sentiment
	ActionRequired  *bool
	FollowUpNeeded  *bool
	Status          *CallStatus

	ExpectedVersion *int64
}

func (p CallPatch) apply(r *CallRecord) {
	if p.EndedAt != nil {
		t := *p.EndedAt
		r.EndedAt = &t
	}
	if p.DurationSeconds != nil {
		r.DurationSeconds = *p.DurationSeconds
	}
	if p.Transcript != nil {
		r.Transcript = append([]TranscriptTurn(nil), p.Transcript...)
	}
	if p.Summary != nil {
		r.Summary = *p.Summary
	}
	if p.CallerName != nil {
		r.CallerName = *p.CallerName
	}
	if p.Purpose != nil {
		r.Purpose = *p.Purpose
	}
	if p.Urgency != nil {
		r.Urgency = *p.Urgency
	}
	if p.Sentiment != nil {
		r.Sentiment = *p.Sentiment
	}
	if p.ActionRequired != nil {
		r.ActionRequired = *p.ActionRequired
	}
	if p.FollowUpNeeded != nil {
		r.FollowUpNeeded = *p.FollowUpNeeded
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
}

// OwnerStats is the rolling per-owner aggregate.
type OwnerStats struct {
	OwnerID              string    `json:"owner_id"`
	TotalCalls           int64     `json:"total_calls"`
	TotalDurationSeconds int64     `json:"total_duration_seconds"`
	LastCallAt           time.Time `json:"last_call_at"`
	LastCallID           string    `json:"last_call_id"`
	UpdatedAt            time.Time `json:"updated_at"`
	Version              int64     `json:"version"`
}
