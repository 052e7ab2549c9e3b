package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, q Query) ([]Event, error)
}

// Query selects one owner's events. CallID and Type narrow it when set.
type Query struct {
	OwnerID string
	CallID  string
	Type    EventType
	Limit   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service records admin actions on owner data.
//
// Audit is internal-only; only admin and support routes read it back.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent   = errors.New("audit: invalid event")
	ErrInvalidQuery   = errors.New("audit: owner_id required")
	ErrDuplicateEvent = errors.New("audit: event already recorded")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OwnerID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// History lists audit events for one owner, newest first.
func (s *Service) History(ctx context.Context, q Query) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if q.OwnerID == "" {
		return nil, ErrInvalidQuery
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultListLimit
	case q.Limit > maxListLimit:
		q.Limit = maxListLimit
	}
	return s.repo.List(ctx, q)
}

// Actor identifies who performed an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

func (s *Service) LogHardDelete(ctx context.Context, ownerID, callID string, by Actor) error {
	return s.Append(ctx, Event{
		OwnerID:     ownerID,
		Type:        EventTypeHardDelete,
		ActorUserID: by.UserID,
		ActorRole:   by.Role,
		IPAddress:   by.IP,
		CallID:      callID,
		Message:     "call record hard deleted",
	})
}

// LogOwnerOverride records an admin acting on an owner other than their own.
func (s *Service) LogOwnerOverride(ctx context.Context, ownerID, route string, by Actor) error {
	return s.Append(ctx, Event{
		OwnerID:     ownerID,
		Type:        EventTypeOwnerOverride,
		ActorUserID: by.UserID,
		ActorRole:   by.Role,
		IPAddress:   by.IP,
		Message:     route,
	})
}
