package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// CircuitBreakerState is a point-in-time snapshot of one named breaker.
type CircuitBreakerState struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
}

type breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

// Breakers is a keyed set of circuit breakers, one per dependency name.
type Breakers struct {
	cfg     BreakerConfig
	metrics *Metrics
	clock   func() time.Time

	mu sync.RWMutex
	m  map[string]*breaker
}

func NewBreakers(cfg BreakerConfig, m *Metrics) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breakers{cfg: cfg, metrics: m, clock: time.Now, m: map[string]*breaker{}}
}

func (b *Breakers) get(name string) *breaker {
	b.mu.RLock()
	br, ok := b.m[name]
	b.mu.RUnlock()
	if ok {
		return br
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok = b.m[name]; ok {
		return br
	}
	br = &breaker{state: StateClosed}
	b.m[name] = br
	return br
}

// Execute runs op under the named breaker.
func (b *Breakers) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	br := b.get(name)

	probe, err := b.admit(name, br)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(name, br, probe, opErr)
	return opErr
}

func (b *Breakers) admit(name string, br *breaker) (probe bool, err error) {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case StateOpen:
		if b.clock().Sub(br.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		br.state = StateHalfOpen
		br.probing = true
		b.metrics.observeState(name, br.state)
		return true, nil
	case StateHalfOpen:
		if br.probing {
			return false, ErrCircuitOpen
		}
		br.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breakers) record(name string, br *breaker, probe bool, opErr error) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if probe {
		br.probing = false
	}

	if opErr != nil && errors.Is(opErr, context.Canceled) {
		// A cancelled probe leaves the breaker half-open for the next caller.
		return
	}

	now := b.clock()
	if opErr != nil {
		br.failures++
		br.lastFailure = now
	} else {
		br.successes++
	}

	switch {
	case probe && opErr == nil:
		br.failures = 0
		b.setState(name, br, StateClosed)
	case probe:
		b.setState(name, br, StateOpen)
		br.openedAt = now
	case br.state != StateClosed:
		// Admitted before the breaker opened; only the half-open probe decides recovery.
	case opErr == nil:
		br.failures = 0
	case br.failures >= b.cfg.FailureThreshold:
		b.setState(name, br, StateOpen)
		br.openedAt = now
	}
}

func (b *Breakers) setState(name string, br *breaker, to State) {
	if br.state != to {
		br.state = to
		b.metrics.observeState(name, to)
	}
}

// State returns a snapshot for name; unknown names report closed.
func (b *Breakers) State(name string) CircuitBreakerState {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	st := br.state
	if st == StateOpen && b.clock().Sub(br.openedAt) >= b.cfg.Cooldown {
		st = StateHalfOpen
	}
	return CircuitBreakerState{
		Name:        name,
		State:       st,
		Failures:    br.failures,
		Successes:   br.successes,
		LastFailure: br.lastFailure,
	}
}

// Snapshot lists every breaker that has been used.
func (b *Breakers) Snapshot() []CircuitBreakerState {
	b.mu.RLock()
	names := make([]string, 0, len(b.m))
	for n := range b.m {
		names = append(names, n)
	}
	b.mu.RUnlock()

	out := make([]CircuitBreakerState, 0, len(names))
	for _, n := range names {
		out = append(out, b.State(n))
	}
	return out
}
