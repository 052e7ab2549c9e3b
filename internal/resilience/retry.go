package resilience

import (
	"context"
	"errors"
	"time"
)

type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitFloor time.Duration
}

// Retrier runs an operation up to 1+MaxRetries times with capped exponential backoff.
type Retrier struct {
	cfg     RetryConfig
	metrics *Metrics
	// OnRetry is called before each sleep; used by tests and logging.
	OnRetry func(attempt int, delay time.Duration, err error)
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRetrier(cfg RetryConfig, m *Metrics) *Retrier {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.RateLimitFloor <= 0 {
		cfg.RateLimitFloor = DefaultRateLimitDelay
	}
	return &Retrier{cfg: cfg, metrics: m, sleep: sleepCtx}
}

// Backoff returns min(base*2^(attempt-1), maxDelay) for attempt >= 1.
func (r *Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxDelay || d <= 0 {
			return r.cfg.MaxDelay
		}
	}
	if d > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, fails non-retryably, or attempts run out.
func (r *Retrier) Do(ctx context.Context, dependency string, op func(ctx context.Context) error) error {
	attempts := 1 + r.cfg.MaxRetries
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			return err
		}
		c := ClassifyWithFloor(err, r.cfg.RateLimitFloor)
		r.metrics.observeError(dependency, c)
		if !c.Retryable {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := r.Backoff(attempt)
		if c.Category == CategoryRateLimit && c.SuggestedDelay > delay {
			delay = c.SuggestedDelay
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		r.metrics.observeRetry(dependency)
		if err := r.sleep(ctx, delay); err != nil {
			return last
		}
	}
	r.metrics.observeExhausted(dependency)
	return &RetriesExhaustedError{Attempts: attempts, Last: last}
}

// Retry is Do for operations that return a value.
func Retry[T any](ctx context.Context, r *Retrier, dependency string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, dependency, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
