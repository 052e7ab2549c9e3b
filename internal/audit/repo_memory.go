package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo keeps audit events in process for tests and local runs. Like the
// audit_events table it refuses to overwrite an event id.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	ids    map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{ids: map[string]struct{}{}} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[e.ID]; dup {
		return ErrDuplicateEvent
	}
	r.ids[e.ID] = struct{}{}
	r.events = append(r.events, e)
	return nil
}

// List returns the owner's events matching q, newest first.
func (r *MemoryRepo) List(ctx context.Context, q Query) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range r.events {
		if e.OwnerID != q.OwnerID {
			continue
		}
		if q.CallID != "" && e.CallID != q.CallID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
