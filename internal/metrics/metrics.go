// Package metrics exposes Prometheus collectors for the call harness.
//
// A nil *Metrics is valid and records nothing, so components can be built without
// metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptcall"

// Metrics holds the harness collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal          *prometheus.CounterVec
	repliesTotal        *prometheus.CounterVec
	generationDuration  prometheus.Histogram
	sessionsActive      prometheus.Gauge
	persistFailures     prometheus.Counter
	callsPlacedTotal    *prometheus.CounterVec
	transcriptionsTotal *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Agent utterances handled, by policy outcome",
			},
			[]string{"outcome"},
		),
		repliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Composed patient replies, by source",
			},
			[]string{"source"}, // literal, generated, fallback
		),
		generationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of completion API calls in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2, 3, 5, 10, 15, 30},
			},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of calls with a live conversation session",
			},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcript_write_failures_total",
				Help:      "Transcript writes that failed",
			},
		),
		callsPlacedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_placed_total",
				Help:      "Outbound test calls requested, by status",
			},
			[]string{"status"}, // success, error
		),
		transcriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcriptions_total",
				Help:      "Post-call recording transcriptions, by status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.turnsTotal,
		m.repliesTotal,
		m.generationDuration,
		m.sessionsActive,
		m.persistFailures,
		m.callsPlacedTotal,
		m.transcriptionsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveTurn counts one handled agent utterance.
func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReply counts a composed reply and, for replies that called the completion
// API, its latency.
func (m *Metrics) ObserveReply(source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(source).Inc()
	if elapsed > 0 {
		m.generationDuration.Observe(elapsed.Seconds())
	}
}

// SetActiveSessions records the current registry size.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// PersistenceFailed counts a failed transcript write.
func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// CallPlaced counts an outbound call request.
func (m *Metrics) CallPlaced(err error) {
	if m == nil {
		return
	}
	m.callsPlacedTotal.WithLabelValues(status(err)).Inc()
}

// Transcribed counts a Whisper enrichment attempt.
func (m *Metrics) Transcribed(err error) {
	if m == nil {
		return
	}
	m.transcriptionsTotal.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
