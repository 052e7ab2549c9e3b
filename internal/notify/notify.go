package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"call-screening/internal/calls"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel for finished calls.
const DefaultChannel = "calls:completed"

// CallCompleted is published once per finished call.
type CallCompleted struct {
	OwnerID         string          `json:"owner_id"`
	CallID          string          `json:"call_id"`
	CallSID         string          `json:"call_sid"`
	PhoneNumber     string          `json:"phone_number"`
	Summary         string          `json:"summary"`
	CallerName      string          `json:"caller_name,omitempty"`
	Urgency         calls.Urgency   `json:"urgency"`
	Sentiment       calls.Sentiment `json:"sentiment"`
	ActionRequired  bool            `json:"action_required"`
	DurationSeconds int             `json:"duration_seconds"`
	EndedAt         time.Time       `json:"ended_at"`
}

// Dispatcher delivers call-completed notifications. Callers treat failures as best-effort.
type Dispatcher interface {
	Notify(ctx context.Context, ev CallCompleted) error
}

// RedisDispatcher publishes JSON events for downstream push workers.
type RedisDispatcher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisDispatcher(rdb *redis.Client, channel string) *RedisDispatcher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisDispatcher{rdb: rdb, channel: channel}
}

func (d *RedisDispatcher) Notify(ctx context.Context, ev CallCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := d.rdb.Publish(ctx, d.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", d.channel, err)
	}
	return nil
}

// LogDispatcher only logs; used when Redis is not configured and in tests.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Notify(ctx context.Context, ev CallCompleted) error {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "call completed",
		"owner_id", ev.OwnerID,
		"call_sid", ev.CallSID,
		"urgency", ev.Urgency,
		"duration_seconds", ev.DurationSeconds,
	)
	return nil
}
