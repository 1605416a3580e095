// Package metrics exposes session and token broker instrumentation to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carenote/internal/domain"
)

// Metrics contains all Prometheus metrics for carenote
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted   prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionDuration   prometheus.Histogram
	PathActivations   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	SessionFailures   *prometheus.CounterVec
	FragmentsReceived *prometheus.CounterVec

	// Token broker metrics
	TokenRequests        *prometheus.CounterVec
	TokenRequestDuration prometheus.Histogram
}

// New creates the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "carenote_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carenote_active_sessions",
			Help: "Current number of active transcription sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "carenote_session_duration_seconds",
			Help:    "Duration of transcription sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		PathActivations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_path_activations_total",
			Help: "Recognition path activations by mode",
		}, []string{"mode"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "carenote_reconnect_attempts_total",
			Help: "Total number of primary path reconnect attempts",
		}),
		SessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_session_failures_total",
			Help: "Sessions ended by a user-visible error",
		}, []string{"code"}),
		FragmentsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_fragments_received_total",
			Help: "Recognised fragments by kind",
		}, []string{"kind"}),

		TokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_token_requests_total",
			Help: "Token broker requests by outcome",
		}, []string{"outcome"}),
		TokenRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "carenote_token_request_duration_seconds",
			Help:    "Duration of token broker requests",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) PathActivated(mode domain.SessionMode) {
	m.PathActivations.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) ReconnectAttempted() {
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) SessionFailed(code domain.ErrorCode) {
	m.SessionFailures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) FragmentReceived(kind domain.FragmentKind) {
	m.FragmentsReceived.WithLabelValues(string(kind)).Inc()
}

// SessionEnded records the session duration and decrements the active gauge
func (m *Metrics) SessionEnded(duration time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordTokenRequest records a token broker request
func (m *Metrics) RecordTokenRequest(outcome string, duration time.Duration) {
	m.TokenRequests.WithLabelValues(outcome).Inc()
	m.TokenRequestDuration.Observe(duration.Seconds())
}
