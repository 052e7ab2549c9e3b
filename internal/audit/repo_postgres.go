package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepo appends to the audit_events table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	var metadata sql.NullString
	if e.Metadata != "" {
		metadata = sql.NullString{String: e.Metadata, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events
		  (id, owner_id, type, actor_user_id, actor_role, ip_address, call_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
		e.ID, e.OwnerID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress, e.CallID, e.Message, metadata, e.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, q Query) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, type, actor_user_id, actor_role, ip_address, call_id, message,
		       COALESCE(metadata::text, ''), created_at
		FROM audit_events
		WHERE owner_id = $1
		  AND ($2 = '' OR call_id = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		q.OwnerID, q.CallID, string(q.Type), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.OwnerID, &typ, &e.ActorUserID, &e.ActorRole, &e.IPAddress,
			&e.CallID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit list: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
