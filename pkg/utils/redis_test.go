package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSlots(t *testing.T, limit int) (*miniredis.Miniredis, *CallSlots) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	slots, err := NewCallSlots(rdb, "test:slots:", limit, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return mr, slots
}

func TestCallSlots_EnforcesLimit(t *testing.T) {
	_, slots := newSlots(t, 2)
	ctx := context.Background()

	for _, sid := range []string{"CA1", "CA2"} {
		ok, err := slots.Acquire(ctx, "owner-1", sid)
		if err != nil || !ok {
			t.Fatalf("acquire %s: ok=%v err=%v", sid, ok, err)
		}
	}
	ok, err := slots.Acquire(ctx, "owner-1", "CA3")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("expected third call to be rejected")
	}

	// other owners are unaffected
	if ok, _ := slots.Acquire(ctx, "owner-2", "CA3"); !ok {
		t.Fatalf("expected owner-2 to be admitted")
	}

	if err := slots.Release(ctx, "owner-1", "CA1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := slots.Acquire(ctx, "owner-1", "CA3"); !ok {
		t.Fatalf("expected slot to be reusable after release")
	}
}

func TestCallSlots_SameCallHoldsOneSlot(t *testing.T) {
	_, slots := newSlots(t, 2)
	ctx := context.Background()

	// A retried webhook for CA1 must not take the slot CA2 needs.
	for i := 0; i < 3; i++ {
		if ok, err := slots.Acquire(ctx, "owner-1", "CA1"); err != nil || !ok {
			t.Fatalf("retry %d for CA1: ok=%v err=%v", i, ok, err)
		}
	}
	if n, _ := slots.InUse(ctx, "owner-1"); n != 1 {
		t.Fatalf("expected 1 slot in use, got %d", n)
	}
	if ok, _ := slots.Acquire(ctx, "owner-1", "CA2"); !ok {
		t.Fatalf("expected CA2 to be admitted")
	}

	// Releasing twice does not free a slot held by another call.
	_ = slots.Release(ctx, "owner-1", "CA1")
	_ = slots.Release(ctx, "owner-1", "CA1")
	if n, _ := slots.InUse(ctx, "owner-1"); n != 1 {
		t.Fatalf("expected CA2 to keep its slot, got %d in use", n)
	}
}

func TestCallSlots_UnstreamedCallsExpire(t *testing.T) {
	mr, slots := newSlots(t, 1)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	slots.now = func() time.Time { return now }

	if ok, _ := slots.Acquire(ctx, "owner-1", "CA1"); !ok {
		t.Fatalf("expected acquire")
	}
	if mr.TTL("test:slots:owner-1") <= 0 {
		t.Fatalf("expected ttl on slot key")
	}
	if ok, _ := slots.Acquire(ctx, "owner-1", "CA2"); ok {
		t.Fatalf("expected owner to be at capacity")
	}

	// CA1's stream never connected; its pending slot lapses.
	now = now.Add(time.Minute + time.Second)
	if ok, _ := slots.Acquire(ctx, "owner-1", "CA2"); !ok {
		t.Fatalf("expected expired pending slot to be reclaimed")
	}
	if ok, _ := slots.Confirm(ctx, "owner-1", "CA1"); ok {
		t.Fatalf("expected confirm of a lapsed slot to fail")
	}

	// A confirmed call keeps its slot well past the pending window.
	if ok, err := slots.Confirm(ctx, "owner-1", "CA2"); err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	now = now.Add(30 * time.Minute)
	if ok, _ := slots.Acquire(ctx, "owner-1", "CA3"); ok {
		t.Fatalf("expected confirmed call to still hold the slot")
	}
	now = now.Add(31 * time.Minute)
	if n, _ := slots.InUse(ctx, "owner-1"); n != 0 {
		t.Fatalf("expected held slot to expire after held ttl, got %d", n)
	}
}

func TestCallSlots_NilAdmitsEverything(t *testing.T) {
	slots, err := NewCallSlots(nil, "", 0, 0, 0)
	if err != nil || slots != nil {
		t.Fatalf("expected nil slots for zero limit, got %v %v", slots, err)
	}
	if ok, _ := slots.Acquire(context.Background(), "owner-1", "CA1"); !ok {
		t.Fatalf("nil slots must admit")
	}
}
