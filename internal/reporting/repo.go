package reporting

import (
	"context"
	"errors"
	"time"

	"call-screening/internal/calls"
)

// Repository abstracts data access for reporting.
// Implementations must filter by owner.
type Repository interface {
	ListCalls(ctx context.Context, ownerID string, from, to time.Time) ([]calls.CallRecord, error)
	OwnerStats(ctx context.Context, ownerID string) (calls.OwnerStats, error)
}

const pageSize = 200

// StoreRepo reads reporting data straight from the call record store.
type StoreRepo struct {
	Store calls.Store
}

// ListCalls pages backwards from To until records start before From.
func (r StoreRepo) ListCalls(ctx context.Context, ownerID string, from, to time.Time) ([]calls.CallRecord, error) {
	out := make([]calls.CallRecord, 0)
	cursor := to
	for {
		page, err := r.Store.ListByOwner(ctx, ownerID, calls.ListOptions{Limit: pageSize, Before: cursor})
		if err != nil {
			return nil, err
		}
		for _, rec := range page {
			if rec.StartedAt.Before(from) {
				return out, nil
			}
			out = append(out, rec)
		}
		if len(page) < pageSize {
			return out, nil
		}
		cursor = page[len(page)-1].StartedAt
	}
}

// OwnerStats returns zero stats for owners with no calls yet.
func (r StoreRepo) OwnerStats(ctx context.Context, ownerID string) (calls.OwnerStats, error) {
	s, err := r.Store.GetOwnerStats(ctx, ownerID)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.OwnerStats{OwnerID: ownerID}, nil
	}
	return s, err
}
