package reporting

import (
	"context"
	"errors"

	"call-screening/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const maxNeedsAttention = 10

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.OwnerID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.OwnerID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}
	lifetime, err := s.repo.OwnerStats(ctx, req.OwnerID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{
		OwnerID:        req.OwnerID,
		Range:          req.Range,
		ByUrgency:      map[calls.Urgency]int{},
		BySentiment:    map[calls.Sentiment]int{},
		NeedsAttention: make([]CallDigest, 0),
		Lifetime:       lifetime,
	}
	// rows are newest first.
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		case calls.CallStatusInProgress:
			out.InProgressCalls++
		}
		if c.Urgency != "" {
			out.ByUrgency[c.Urgency]++
		}
		if c.Sentiment != "" {
			out.BySentiment[c.Sentiment]++
		}
		if c.ActionRequired {
			out.ActionRequired++
		}
		if c.FollowUpNeeded {
			out.FollowUpNeeded++
		}
		if (c.ActionRequired || c.Urgency == calls.UrgencyHigh) && len(out.NeedsAttention) < maxNeedsAttention {
			out.NeedsAttention = append(out.NeedsAttention, CallDigest{
				CallID:     c.ID,
				StartedAt:  c.StartedAt,
				CallerName: c.CallerName,
				Purpose:    c.Purpose,
				Urgency:    c.Urgency,
				Summary:    c.Summary,
			})
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}
