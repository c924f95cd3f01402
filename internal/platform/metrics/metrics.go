package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the capture server.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	sessionsCreatedTotal    prometheus.Counter
	sessionsDestroyedTotal  *prometheus.CounterVec
	activeSessions          prometheus.Gauge
	referencesAcceptedTotal *prometheus.CounterVec
	duplicatesRejectedTotal prometheus.Counter
	observationsDropped     prometheus.Counter
	subscribers             prometheus.Gauge
	probesTotal             *prometheus.CounterVec
	proxyRequestsTotal      *prometheus.CounterVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsCreatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_sessions_created_total",
		Help: "Total number of capture sessions created",
	})
	sessionsDestroyedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_sessions_destroyed_total",
		Help: "Total number of capture sessions destroyed, by reason",
	}, []string{"reason"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capture_active_sessions",
		Help: "Number of live capture sessions",
	})
	referencesAcceptedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_references_accepted_total",
		Help: "Total number of media references accepted, by kind",
	}, []string{"kind"})
	duplicatesRejectedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_duplicates_rejected_total",
		Help: "Total number of candidates rejected as duplicates or unusable",
	})
	observationsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_observations_dropped_total",
		Help: "Total number of malformed observations dropped",
	})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capture_subscribers",
		Help: "Number of connected live subscribers",
	})
	probesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_probes_total",
		Help: "Total number of playability probes, by result",
	}, []string{"result"})
	proxyRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_proxy_requests_total",
		Help: "Total number of relayed proxy requests, by result",
	}, []string{"result"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsCreatedTotal,
		sessionsDestroyedTotal,
		activeSessions,
		referencesAcceptedTotal,
		duplicatesRejectedTotal,
		observationsDropped,
		subscribers,
		probesTotal,
		proxyRequestsTotal,
	)

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		errorsTotal:             errorsTotal,
		sessionsCreatedTotal:    sessionsCreatedTotal,
		sessionsDestroyedTotal:  sessionsDestroyedTotal,
		activeSessions:          activeSessions,
		referencesAcceptedTotal: referencesAcceptedTotal,
		duplicatesRejectedTotal: duplicatesRejectedTotal,
		observationsDropped:     observationsDropped,
		subscribers:             subscribers,
		probesTotal:             probesTotal,
		proxyRequestsTotal:      proxyRequestsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsCreated increments the sessions created counter.
func (m *Metrics) IncSessionsCreated() {
	m.sessionsCreatedTotal.Inc()
}

// IncSessionsDestroyed increments the sessions destroyed counter for reason.
func (m *Metrics) IncSessionsDestroyed(reason string) {
	m.sessionsDestroyedTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncReferencesAccepted increments the accepted references counter for kind.
func (m *Metrics) IncReferencesAccepted(kind string) {
	m.referencesAcceptedTotal.WithLabelValues(kind).Inc()
}

// IncDuplicatesRejected increments the rejected candidates counter.
func (m *Metrics) IncDuplicatesRejected() {
	m.duplicatesRejectedTotal.Inc()
}

// IncObservationsDropped increments the dropped observations counter.
func (m *Metrics) IncObservationsDropped() {
	m.observationsDropped.Inc()
}

// SetSubscribers sets the subscribers gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// IncProbes increments the probe counter for result.
func (m *Metrics) IncProbes(result string) {
	m.probesTotal.WithLabelValues(result).Inc()
}

// IncProxyRequests increments the proxy request counter for result.
func (m *Metrics) IncProxyRequests(result string) {
	m.proxyRequestsTotal.WithLabelValues(result).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
