package screening

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe.
type Metrics struct {
	active          prometheus.Gauge
	sessions        *prometheus.CounterVec
	turns           prometheus.Counter
	fallbacks       *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	droppedFrames   prometheus.Counter
	turnLatency     prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screening", Name: "sessions_active",
			Help: "Live screening sessions.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screening", Name: "sessions_ended_total",
			Help: "Ended sessions by end reason.",
		}, []string{"reason"}),
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screening", Name: "turns_total",
			Help: "Caller turns processed.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screening", Name: "fallbacks_total",
			Help: "Degraded paths taken instead of a normal reply.",
		}, []string{"kind"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screening", Name: "persist_failures_total",
			Help: "Call records or stats that could not be written.",
		}, []string{"op"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screening", Name: "dropped_audio_frames_total",
			Help: "Inbound audio frames dropped because the session was saturated.",
		}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "screening", Name: "turn_latency_seconds",
			Help:    "Final transcript to reply sent.",
			Buckets: []float64{0.25, 0.5, 1, 1.5, 2, 3, 5, 8, 13},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.sessions, m.turns, m.fallbacks, m.persistFailures, m.droppedFrames, m.turnLatency)
	}
	return m
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) sessionEnded(reason string) {
	if m != nil {
		m.active.Dec()
		m.sessions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) turn(d time.Duration) {
	if m != nil {
		m.turns.Inc()
		m.turnLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) fallback(kind string) {
	if m != nil {
		m.fallbacks.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) persistFailure(op string) {
	if m != nil {
		m.persistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) droppedFrame() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}
