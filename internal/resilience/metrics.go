package resilience

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	errors       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	exhausted    *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screening",
			Subsystem: "dependency",
			Name:      "errors_total",
			Help:      "Classified dependency errors.",
		}, []string{"dependency", "category"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screening",
			Subsystem: "dependency",
			Name:      "retries_total",
			Help:      "Retry attempts after a retryable failure.",
		}, []string{"dependency"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screening",
			Subsystem: "dependency",
			Name:      "retries_exhausted_total",
			Help:      "Operations that failed after all attempts.",
		}, []string{"dependency"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "screening",
			Subsystem: "dependency",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "screening",
			Subsystem: "dependency",
			Name:      "call_duration_seconds",
			Help:      "Guarded dependency call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dependency", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.errors, m.retries, m.exhausted, m.circuitState, m.duration)
	}
	return m
}

func (m *Metrics) observeError(dep string, c Classification) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(dep, string(c.Category)).Inc()
}

func (m *Metrics) observeRetry(dep string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(dep).Inc()
}

func (m *Metrics) observeExhausted(dep string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(dep).Inc()
}

func (m *Metrics) observeState(dep string, s State) {
	if m == nil {
		return
	}
	var v float64
	switch s {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	m.circuitState.WithLabelValues(dep).Set(v)
}

func (m *Metrics) observeDuration(dep string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.duration.WithLabelValues(dep, outcome).Observe(d.Seconds())
}
