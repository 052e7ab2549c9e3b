package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - owner_id is the owner whose data the action touched.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID      string    `json:"id" db:"id"`
	OwnerID string    `json:"owner_id" db:"owner_id"`
	Type    EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	CallID  string `json:"call_id,omitempty" db:"call_id"`
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeHardDelete is a call record removed for good.
	EventTypeHardDelete EventType = "call_hard_delete"
	// EventTypeOwnerOverride is an admin reading another owner's data.
	EventTypeOwnerOverride EventType = "owner_override"
)
