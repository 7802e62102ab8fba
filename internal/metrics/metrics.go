// Package metrics exposes Prometheus collectors for the bridge. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enginebridge"

const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport_error"
	OutcomeProtocol  = "protocol_error"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	sessionsActive     prometheus.Gauge
	sessionsCreated    prometheus.Counter
	sessionsExpired    prometheus.Counter
	admissionsRejected prometheus.Counter
	engineRequests     *prometheus.CounterVec
	engineDuration     prometheus.Histogram
	endSessions        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live bridge sessions.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Bridge sessions admitted.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Bridge sessions removed by expiry or shutdown.",
		}),
		admissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_rejected_total",
			Help:      "Turns rejected because the session capacity was reached.",
		}),
		engineRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_requests_total",
			Help:      "Engine requests by outcome.",
		}, []string{"outcome"}),
		engineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_request_duration_seconds",
			Help:      "Engine request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		endSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_end_sessions_total",
			Help:      "Engine end-session calls by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsCreated,
		m.sessionsExpired,
		m.admissionsRejected,
		m.engineRequests,
		m.engineDuration,
		m.endSessions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionsRejected.Inc()
}

func (m *Metrics) EngineRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.engineRequests.WithLabelValues(outcome).Inc()
	m.engineDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) EndSession(outcome string) {
	if m == nil {
		return
	}
	m.endSessions.WithLabelValues(outcome).Inc()
}
