package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("already exists")
)

type ListOptions struct {
	Limit int
	// Before pages backwards by StartedAt; zero means from the newest.
	Before         time.Time
	IncludeDeleted bool
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultListLimit
	case o.Limit > maxListLimit:
		return maxListLimit
	default:
		return o.Limit
	}
}

// Store persists call records and owner statistics.
//
// Update is keyed by the provider call SID. IncrementOwnerStats is an atomic
// read-modify-write that must stay correct under concurrent calls for one owner.
type Store interface {
	Create(ctx context.Context, rec CallRecord) (string, error)
	Update(ctx context.Context, callSID string, patch CallPatch) (CallRecord, error)
	Get(ctx context.Context, ownerID, id string) (CallRecord, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]CallRecord, error)

	IncrementOwnerStats(ctx context.Context, ownerID string, durationDelta int, lastCallID string) (OwnerStats, error)
	GetOwnerStats(ctx context.Context, ownerID string) (OwnerStats, error)

	SoftDelete(ctx context.Context, ownerID, id string) error
	HardDelete(ctx context.Context, ownerID, id string) error
}

func validateNew(rec CallRecord) error {
	if rec.OwnerID == "" || rec.CallSID == "" {
		return ErrInvalidArgument
	}
	if rec.DurationSeconds < 0 {
		return ErrInvalidArgument
	}
	return nil
}
