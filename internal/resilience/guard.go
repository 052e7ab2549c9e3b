package resilience

import (
	"context"
	"time"
)

// Dependency names used across the service.
const (
	DepSTT   = "stt"
	DepTTS   = "tts"
	DepAI    = "ai"
	DepStore = "store"
)

type Config struct {
	Retry    RetryConfig
	Breaker  BreakerConfig
	Timeouts map[string]time.Duration
	// DefaultTimeout applies to dependencies missing from Timeouts.
	DefaultTimeout time.Duration
}

// Guard composes per-attempt timeout, circuit breaker and retry for a named dependency.
type Guard struct {
	retrier  *Retrier
	breakers *Breakers
	metrics  *Metrics
	timeouts map[string]time.Duration
	fallback time.Duration
}

func NewGuard(cfg Config, m *Metrics) *Guard {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	timeouts := make(map[string]time.Duration, len(cfg.Timeouts))
	for k, v := range cfg.Timeouts {
		timeouts[k] = v
	}
	return &Guard{
		retrier:  NewRetrier(cfg.Retry, m),
		breakers: NewBreakers(cfg.Breaker, m),
		metrics:  m,
		timeouts: timeouts,
		fallback: cfg.DefaultTimeout,
	}
}

// WithRetries returns a Guard that shares breakers and metrics but retries at most n times.
func (g *Guard) WithRetries(n int) *Guard {
	cfg := g.retrier.cfg
	cfg.MaxRetries = n
	cp := *g
	cp.retrier = NewRetrier(cfg, g.metrics)
	cp.retrier.OnRetry = g.retrier.OnRetry
	cp.retrier.sleep = g.retrier.sleep
	return &cp
}

func (g *Guard) Breakers() *Breakers { return g.breakers }

func (g *Guard) Timeout(dependency string) time.Duration {
	if d, ok := g.timeouts[dependency]; ok && d > 0 {
		return d
	}
	return g.fallback
}

// Do runs op with a fresh timeout per attempt, each attempt passing through the breaker.
func (g *Guard) Do(ctx context.Context, dependency string, op func(ctx context.Context) error) error {
	start := time.Now()
	timeout := g.Timeout(dependency)
	err := g.retrier.Do(ctx, dependency, func(ctx context.Context) error {
		return g.breakers.Execute(ctx, dependency, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return op(attemptCtx)
		})
	})
	g.metrics.observeDuration(dependency, time.Since(start), err)
	return err
}

// Call is Guard.Do for operations that return a value.
func Call[T any](ctx context.Context, g *Guard, dependency string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, dependency, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
