package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"call-screening/pkg/utils"

	"golang.org/x/time/rate"
)

type Decision string

const (
	Admitted    Decision = "admitted"
	RateLimited Decision = "rate_limited"
	Busy        Decision = "busy"
)

// Admission decides whether an owner can take another screened call. It combines a
// per-owner token bucket (webhook bursts) with the Redis concurrency cap (live calls).
type Admission struct {
	slots *utils.CallSlots
	limit rate.Limit
	burst int
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*ownerLimiter
}

type ownerLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const limiterIdleTTL = 10 * time.Minute

// NewAdmission builds an Admission. A nil slots disables the concurrency cap and
// perMinute <= 0 disables rate limiting.
func NewAdmission(slots *utils.CallSlots, perMinute int, log *slog.Logger) *Admission {
	if log == nil {
		log = slog.Default()
	}
	a := &Admission{
		slots:    slots,
		log:      log,
		now:      time.Now,
		limiters: map[string]*ownerLimiter{},
	}
	if perMinute > 0 {
		a.limit = rate.Limit(float64(perMinute) / 60.0)
		a.burst = perMinute
	}
	return a
}

// Admit takes a call slot for callSID under ownerID when allowed. A webhook retried
// for a call that already holds a slot is admitted again without taking another.
// Redis failures admit the call: an unscreened caller is worse than one extra
// concurrent call.
func (a *Admission) Admit(ctx context.Context, ownerID, callSID string) Decision {
	if ownerID == "" {
		return Admitted
	}
	if !a.allow(ownerID) {
		return RateLimited
	}
	ok, err := a.slots.Acquire(ctx, ownerID, callSID)
	if err != nil {
		a.log.Warn("call slot acquire failed; admitting", "owner_id", ownerID, "call_sid", callSID, "err", err)
		return Admitted
	}
	if !ok {
		return Busy
	}
	return Admitted
}

// Confirm keeps callSID's slot for the life of the call once its media stream starts.
func (a *Admission) Confirm(ctx context.Context, ownerID, callSID string) {
	if ownerID == "" || callSID == "" {
		return
	}
	ok, err := a.slots.Confirm(ctx, ownerID, callSID)
	switch {
	case err != nil:
		a.log.Warn("call slot confirm failed", "owner_id", ownerID, "call_sid", callSID, "err", err)
	case !ok:
		a.log.Warn("media stream started without a held call slot", "owner_id", ownerID, "call_sid", callSID)
	}
}

func (a *Admission) Release(ctx context.Context, ownerID, callSID string) {
	if ownerID == "" || callSID == "" {
		return
	}
	if err := a.slots.Release(ctx, ownerID, callSID); err != nil {
		a.log.Warn("call slot release failed", "owner_id", ownerID, "call_sid", callSID, "err", err)
	}
}

func (a *Admission) allow(ownerID string) bool {
	if a.limit == 0 {
		return true
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, l := range a.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(a.limiters, id)
		}
	}
	l, ok := a.limiters[ownerID]
	if !ok {
		l = &ownerLimiter{lim: rate.NewLimiter(a.limit, a.burst)}
		a.limiters[ownerID] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}
