package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"call-screening/internal/calls"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDispatcher_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d := NewRedisDispatcher(rdb, "")
	ev := CallCompleted{OwnerID: "o1", CallSID: "CA1", Summary: "Sam called about an order.", Urgency: calls.UrgencyHigh}
	if err := d.Notify(ctx, ev); err != nil {
		t.Fatalf("notify: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got CallCompleted
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.OwnerID != "o1" || got.Urgency != calls.UrgencyHigh {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestRedisDispatcher_ReportsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	if err := NewRedisDispatcher(rdb, "x").Notify(context.Background(), CallCompleted{OwnerID: "o1"}); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}
