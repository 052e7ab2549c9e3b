package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NOTE: This repository assumes the schema in migrations/ is applied:
// - call_records (one row per call, UNIQUE call_sid)
// - owner_stats (one row per owner, locked FOR UPDATE on increment)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const recordColumns = `
id, call_sid, owner_id, phone_number, started_at, ended_at, duration_seconds, transcript,
summary, caller_name, purpose, urgency, sentiment, action_required, follow_up_needed,
status, version, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (CallRecord, error) {
	var (
		r          CallRecord
		endedAt    sql.NullTime
		transcript []byte
	)
	if err := s.Scan(
		&r.ID,
		&r.CallSID,
		&r.OwnerID,
		&r.PhoneNumber,
		&r.StartedAt,
		&endedAt,
		&r.DurationSeconds,
		&transcript,
		&r.Summary,
		&r.CallerName,
		&r.Purpose,
		&r.Urgency,
		&r.Sentiment,
		&r.ActionRequired,
		&r.FollowUpNeeded,
		&r.Status,
		&r.Version,
		&r.Deleted,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &r.Transcript); err != nil {
			return CallRecord{}, fmt.Errorf("decode transcript: %w", err)
		}
	}
	return r, nil
}

func encodeTranscript(turns []TranscriptTurn) (string, error) {
	if turns == nil {
		turns = []TranscriptTurn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(b), nil
}

func insertRecord(ctx context.Context, q queryer, r CallRecord) error {
	transcript, err := encodeTranscript(r.Transcript)
	if err != nil {
		return err
	}
	const stmt = `
INSERT INTO call_records (
  id, call_sid, owner_id, phone_number, started_at, ended_at, duration_seconds, transcript,
  summary, caller_name, purpose, urgency, sentiment, action_required, follow_up_needed,
  status, version, deleted, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
)
ON CONFLICT (call_sid) DO NOTHING
`
	res, err := q.ExecContext(ctx, stmt,
		r.ID,
		r.CallSID,
		r.OwnerID,
		r.PhoneNumber,
		r.StartedAt,
		nullTime(r.EndedAt),
		r.DurationSeconds,
		transcript,
		r.Summary,
		r.CallerName,
		r.Purpose,
		r.Urgency,
		r.Sentiment,
		r.ActionRequired,
		r.FollowUpNeeded,
		r.Status,
		r.Version,
		r.Deleted,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func lockRecordBySID(ctx context.Context, q queryer, callSID string) (CallRecord, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+`
FROM call_records
WHERE call_sid = $1
FOR UPDATE
`, callSID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	return r, err
}

func writeRecord(ctx context.Context, q queryer, r CallRecord) error {
	transcript, err := encodeTranscript(r.Transcript)
	if err != nil {
		return err
	}
	const stmt = `
UPDATE call_records SET
  ended_at = $2, duration_seconds = $3, transcript = $4::jsonb, summary = $5,
  caller_name = $6, purpose = $7, urgency = $8, sentiment = $9, action_required = $10,
  follow_up_needed = $11, status = $12, version = $13, updated_at = $14
WHERE id = $1
`
	_, err = q.ExecContext(ctx, stmt,
		r.ID,
		nullTime(r.EndedAt),
		r.DurationSeconds,
		transcript,
		r.Summary,
		r.CallerName,
		r.Purpose,
		r.Urgency,
		r.Sentiment,
		r.ActionRequired,
		r.FollowUpNeeded,
		r.Status,
		r.Version,
		r.UpdatedAt,
	)
	return err
}

func lockOwnerStats(ctx context.Context, q queryer, ownerID string, now time.Time) (OwnerStats, error) {
	// Ensure the row exists so concurrent first calls serialize on the same lock.
	if _, err := q.ExecContext(ctx, `
INSERT INTO owner_stats (owner_id, updated_at) VALUES ($1, $2)
ON CONFLICT (owner_id) DO NOTHING
`, ownerID, now); err != nil {
		return OwnerStats{}, err
	}

	const stmt = `
SELECT owner_id, total_calls, total_duration_seconds, last_call_at, last_call_id, updated_at, version
FROM owner_stats
WHERE owner_id = $1
FOR UPDATE
`
	return scanStats(q.QueryRowContext(ctx, stmt, ownerID))
}

func scanStats(s rowScanner) (OwnerStats, error) {
	var (
		st       OwnerStats
		lastCall sql.NullTime
	)
	if err := s.Scan(
		&st.OwnerID,
		&st.TotalCalls,
		&st.TotalDurationSeconds,
		&lastCall,
		&st.LastCallID,
		&st.UpdatedAt,
		&st.Version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OwnerStats{}, ErrNotFound
		}
		return OwnerStats{}, err
	}
	if lastCall.Valid {
		st.LastCallAt = lastCall.Time
	}
	return st, nil
}

func writeOwnerStats(ctx context.Context, q queryer, st OwnerStats) error {
	const stmt = `
UPDATE owner_stats SET
  total_calls = $2, total_duration_seconds = $3, last_call_at = $4, last_call_id = $5,
  updated_at = $6, version = $7
WHERE owner_id = $1
`
	_, err := q.ExecContext(ctx, stmt,
		st.OwnerID,
		st.TotalCalls,
		st.TotalDurationSeconds,
		st.LastCallAt,
		st.LastCallID,
		st.UpdatedAt,
		st.Version,
	)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
