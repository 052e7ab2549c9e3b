package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
// It enforces owner isolation on reads.
type MemoryStore struct {
	mu sync.Mutex

	records map[string]*CallRecord // key: id
	bySID   map[string]string      // call_sid -> id
	stats   map[string]*OwnerStats

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]*CallRecord{},
		bySID:   map[string]string{},
		stats:   map[string]*OwnerStats{},
		clock:   time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec CallRecord) (string, error) {
	if err := validateNew(rec); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySID[rec.CallSID]; ok {
		return "", ErrAlreadyExists
	}
	now := m.clock().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = CallStatusInProgress
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Transcript = append([]TranscriptTurn(nil), rec.Transcript...)

	cp := rec
	m.records[rec.ID] = &cp
	m.bySID[rec.CallSID] = rec.ID
	return rec.ID, nil
}

func (m *MemoryStore) Update(ctx context.Context, callSID string, patch CallPatch) (CallRecord, error) {
	if callSID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySID[callSID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	r := m.records[id]
	if patch.ExpectedVersion != nil && *patch.ExpectedVersion != r.Version {
		return CallRecord{}, ErrVersionConflict
	}
	patch.apply(r)
	r.Version++
	r.UpdatedAt = m.clock().UTC()
	return clone(*r), nil
}

func (m *MemoryStore) Get(ctx context.Context, ownerID, id string) (CallRecord, error) {
	if ownerID == "" || id == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.OwnerID != ownerID || r.Deleted {
		return CallRecord{}, ErrNotFound
	}
	return clone(*r), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]CallRecord, error) {
	if ownerID == "" {
		return nil, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CallRecord, 0)
	for _, r := range m.records {
		if r.OwnerID != ownerID {
			continue
		}
		if r.Deleted && !opts.IncludeDeleted {
			continue
		}
		if !opts.Before.IsZero() && !r.StartedAt.Before(opts.Before) {
			continue
		}
		out = append(out, clone(*r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n := opts.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) IncrementOwnerStats(ctx context.Context, ownerID string, durationDelta int, lastCallID string) (OwnerStats, error) {
	if ownerID == "" || durationDelta < 0 {
		return OwnerStats{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	s, ok := m.stats[ownerID]
	if !ok {
		s = &OwnerStats{OwnerID: ownerID}
		m.stats[ownerID] = s
	}
	s.TotalCalls++
	s.TotalDurationSeconds += int64(durationDelta)
	s.LastCallAt = now
	s.LastCallID = lastCallID
	s.UpdatedAt = now
	s.Version++
	return *s, nil
}

func (m *MemoryStore) GetOwnerStats(ctx context.Context, ownerID string) (OwnerStats, error) {
	if ownerID == "" {
		return OwnerStats{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[ownerID]
	if !ok {
		return OwnerStats{}, ErrNotFound
	}
	return *s, nil
}

func (m *MemoryStore) SoftDelete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" || id == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.OwnerID != ownerID || r.Deleted {
		return ErrNotFound
	}
	r.Deleted = true
	r.Version++
	r.UpdatedAt = m.clock().UTC()
	return nil
}

func (m *MemoryStore) HardDelete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" || id == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.bySID, r.CallSID)
	delete(m.records, id)
	return nil
}

func clone(r CallRecord) CallRecord {
	r.Transcript = append([]TranscriptTurn(nil), r.Transcript...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}
