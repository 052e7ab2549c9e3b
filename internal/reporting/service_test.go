package reporting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"call-screening/internal/calls"
)

func seed(t *testing.T, store calls.Store, ownerID, sid string, started time.Time, mutate func(*calls.CallRecord)) {
	t.Helper()
	rec := calls.CallRecord{
		CallSID:         sid,
		OwnerID:         ownerID,
		StartedAt:       started,
		DurationSeconds: 30,
		Status:          calls.CallStatusCompleted,
		Urgency:         calls.UrgencyLow,
		Sentiment:       calls.SentimentNeutral,
	}
	if mutate != nil {
		mutate(&rec)
	}
	if _, err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", sid, err)
	}
}

func TestReporting_OwnerIsolation(t *testing.T) {
	store := calls.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, store, "o1", "CA1", now, nil)
	seed(t, store, "o2", "CA2", now, func(r *calls.CallRecord) { r.DurationSeconds = 50 })
	svc := NewService(StoreRepo{Store: store})

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{OwnerID: "o1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.TotalDurationSeconds != 30 {
		t.Fatalf("expected only o1's call, got %+v", out)
	}
	if out.Lifetime.OwnerID != "o1" || out.Lifetime.TotalCalls != 0 {
		t.Fatalf("expected empty lifetime stats, got %+v", out.Lifetime)
	}
}

func TestReporting_AggregatesAndRange(t *testing.T) {
	store := calls.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, store, "o", "CA-old", now.Add(-48*time.Hour), nil)
	seed(t, store, "o", "CA1", now.Add(-3*time.Minute), func(r *calls.CallRecord) {
		r.Urgency, r.ActionRequired, r.CallerName = calls.UrgencyHigh, true, "Dana"
		r.DurationSeconds = 60
	})
	seed(t, store, "o", "CA2", now.Add(-2*time.Minute), func(r *calls.CallRecord) {
		r.Sentiment, r.FollowUpNeeded = calls.SentimentNegative, true
	})
	seed(t, store, "o", "CA3", now.Add(-time.Minute), func(r *calls.CallRecord) {
		r.Status = calls.CallStatusInProgress
		r.DurationSeconds = 0
	})
	if _, err := store.IncrementOwnerStats(context.Background(), "o", 90, "x"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	svc := NewService(StoreRepo{Store: store})

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{OwnerID: "o", Range: TimeRange{From: now.Add(-time.Hour), To: now}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 3 || out.CompletedCalls != 2 || out.InProgressCalls != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.TotalDurationSeconds != 90 || out.AverageDurationSeconds != 30 {
		t.Fatalf("unexpected durations: %+v", out)
	}
	if out.ByUrgency[calls.UrgencyHigh] != 1 || out.BySentiment[calls.SentimentNegative] != 1 {
		t.Fatalf("unexpected breakdowns: %+v %+v", out.ByUrgency, out.BySentiment)
	}
	if out.ActionRequired != 1 || out.FollowUpNeeded != 1 {
		t.Fatalf("unexpected flags: %+v", out)
	}
	if len(out.NeedsAttention) != 1 || out.NeedsAttention[0].CallerName != "Dana" {
		t.Fatalf("unexpected needs attention: %+v", out.NeedsAttention)
	}
	if out.Lifetime.TotalCalls != 1 {
		t.Fatalf("expected lifetime stats, got %+v", out.Lifetime)
	}
}

func TestReporting_PagesThroughLargeHistories(t *testing.T) {
	store := calls.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	for i := 0; i < pageSize+25; i++ {
		seed(t, store, "o", fmt.Sprintf("CA%d", i), now.Add(-time.Duration(i+1)*time.Second), nil)
	}
	svc := NewService(StoreRepo{Store: store})
	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{OwnerID: "o", Range: TimeRange{From: now.Add(-time.Hour), To: now}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != pageSize+25 {
		t.Fatalf("expected %d calls, got %d", pageSize+25, out.TotalCalls)
	}
}

func TestReporting_InvalidRequest(t *testing.T) {
	svc := NewService(StoreRepo{Store: calls.NewMemoryStore()})
	now := time.Now()
	for _, req := range []CallsSummaryRequest{
		{Range: TimeRange{From: now.Add(-time.Hour), To: now}},
		{OwnerID: "o"},
		{OwnerID: "o", Range: TimeRange{From: now, To: now.Add(-time.Hour)}},
	} {
		if _, err := svc.CallsSummary(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}
