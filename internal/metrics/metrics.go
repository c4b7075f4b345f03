// Package metrics exposes Prometheus instrumentation for the client
// core: turn outcomes, speech activity, capture sessions, and sync
// failures.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client core.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	SpeechTasksTotal  *prometheus.CounterVec
	SpeechCacheHits   prometheus.Counter
	FallbackSpeech    prometheus.Counter
	CaptureSessions   prometheus.Counter
	CaptureListening  prometheus.Gauge
	SyncFailuresTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a fresh
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "verba"
	}

	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total user turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"origin"},
	)

	speechTasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_tasks_total",
			Help:      "Total speech tasks by final state",
		},
		[]string{"state"},
	)

	speechCacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_cache_hits_total",
			Help:      "Synthesis requests served from the per-message cache",
		},
	)

	fallbackSpeech := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_fallback_total",
			Help:      "Speech tasks served by the on-device fallback",
		},
	)

	captureSessions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_sessions_total",
			Help:      "Total recognition sessions opened",
		},
	)

	captureListening := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_listening",
			Help:      "Whether a recognition session is currently open",
		},
	)

	syncFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Remote session sync failures by operation",
		},
		[]string{"operation"},
	)

	registry.MustRegister(
		turnsTotal,
		turnDuration,
		speechTasksTotal,
		speechCacheHits,
		fallbackSpeech,
		captureSessions,
		captureListening,
		syncFailuresTotal,
	)

	return &Metrics{
		registry:          registry,
		TurnsTotal:        turnsTotal,
		TurnDuration:      turnDuration,
		SpeechTasksTotal:  speechTasksTotal,
		SpeechCacheHits:   speechCacheHits,
		FallbackSpeech:    fallbackSpeech,
		CaptureSessions:   captureSessions,
		CaptureListening:  captureListening,
		SyncFailuresTotal: syncFailuresTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(outcome, origin string, duration time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(origin).Observe(duration.Seconds())
}

// RecordSpeechTask records a speech task reaching a final state.
func (m *Metrics) RecordSpeechTask(state string) {
	m.SpeechTasksTotal.WithLabelValues(state).Inc()
}

// RecordCaptureStart records a recognition session opening.
func (m *Metrics) RecordCaptureStart() {
	m.CaptureSessions.Inc()
	m.CaptureListening.Set(1)
}

// RecordCaptureEnd records the recognition session closing.
func (m *Metrics) RecordCaptureEnd() {
	m.CaptureListening.Set(0)
}

// RecordSyncFailure records a swallowed remote sync failure.
func (m *Metrics) RecordSyncFailure(operation string) {
	m.SyncFailuresTotal.WithLabelValues(operation).Inc()
}
