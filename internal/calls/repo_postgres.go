package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"call-screening/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore is the production Store backed by database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) Create(ctx context.Context, rec CallRecord) (string, error) {
	if err := validateNew(rec); err != nil {
		return "", err
	}
	now := s.clock().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = CallStatusInProgress
	}
	if rec.Urgency == "" {
		rec.Urgency = UrgencyLow
	}
	if rec.Sentiment == "" {
		rec.Sentiment = SentimentNeutral
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := insertRecord(ctx, s.db, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *PostgresStore) Update(ctx context.Context, callSID string, patch CallPatch) (CallRecord, error) {
	if callSID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	var out CallRecord
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := lockRecordBySID(ctx, tx, callSID)
		if err != nil {
			return err
		}
		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != r.Version {
			return ErrVersionConflict
		}
		patch.apply(&r)
		r.Version++
		r.UpdatedAt = s.clock().UTC()
		if err := writeRecord(ctx, tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return CallRecord{}, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, ownerID, id string) (CallRecord, error) {
	if ownerID == "" || id == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	if _, err := uuid.Parse(id); err != nil {
		return CallRecord{}, ErrNotFound
	}
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
FROM call_records
WHERE owner_id = $1 AND id = $2 AND deleted = FALSE
`, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]CallRecord, error) {
	if ownerID == "" {
		return nil, ErrInvalidArgument
	}
	before := opts.Before
	if before.IsZero() {
		before = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
FROM call_records
WHERE owner_id = $1 AND started_at < $2 AND ($3 OR deleted = FALSE)
ORDER BY started_at DESC
LIMIT $4
`, ownerID, before, opts.IncludeDeleted, opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IncrementOwnerStats(ctx context.Context, ownerID string, durationDelta int, lastCallID string) (OwnerStats, error) {
	if ownerID == "" || durationDelta < 0 {
		return OwnerStats{}, ErrInvalidArgument
	}
	var out OwnerStats
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sql.Tx) error {
		now := s.clock().UTC()
		st, err := lockOwnerStats(ctx, tx, ownerID, now)
		if err != nil {
			return err
		}
		st.TotalCalls++
		st.TotalDurationSeconds += int64(durationDelta)
		st.LastCallAt = now
		st.LastCallID = lastCallID
		st.UpdatedAt = now
		st.Version++
		if err := writeOwnerStats(ctx, tx, st); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return OwnerStats{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetOwnerStats(ctx context.Context, ownerID string) (OwnerStats, error) {
	if ownerID == "" {
		return OwnerStats{}, ErrInvalidArgument
	}
	return scanStats(s.db.QueryRowContext(ctx, `
SELECT owner_id, total_calls, total_duration_seconds, last_call_at, last_call_id, updated_at, version
FROM owner_stats
WHERE owner_id = $1
`, ownerID))
}

func (s *PostgresStore) SoftDelete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" || id == "" {
		return ErrInvalidArgument
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE call_records SET deleted = TRUE, version = version + 1, updated_at = $3
WHERE owner_id = $1 AND id = $2 AND deleted = FALSE
`, ownerID, id, s.clock().UTC())
	return affectedOrNotFound(res, err)
}

func (s *PostgresStore) HardDelete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" || id == "" {
		return ErrInvalidArgument
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_records WHERE owner_id = $1 AND id = $2`, ownerID, id)
	return affectedOrNotFound(res, err)
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
