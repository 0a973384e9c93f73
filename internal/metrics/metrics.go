package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and histograms for analysis runs and the HTTP boundary.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	runsTotal         *prometheus.CounterVec
	verdictsTotal     *prometheus.CounterVec
	normalizerTotal   *prometheus.CounterVec
	capabilityErrors  *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepverify_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepverify_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepverify_runs_total",
			Help: "Analysis runs by outcome",
		}, []string{"outcome"}),
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepverify_verdicts_total",
			Help: "Verdicts produced by label",
		}, []string{"label"}),
		normalizerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepverify_normalizer_path_total",
			Help: "Capability responses by the parser that produced the verdict",
		}, []string{"path"}),
		capabilityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepverify_capability_errors_total",
			Help: "Capability submission failures by kind",
		}, []string{"kind"}),
		cacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepverify_cache_lookups_total",
			Help: "Verdict cache lookups by result",
		}, []string{"result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepverify_stage_duration_seconds",
			Help:    "Duration of each analysis stage",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.runsTotal,
		m.verdictsTotal,
		m.normalizerTotal,
		m.capabilityErrors,
		m.cacheLookupsTotal,
		m.stageDuration,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRun records how a run ended ("done" or "failed").
func (m *Metrics) ObserveRun(outcome string) {
	m.runsTotal.WithLabelValues(outcome).Inc()
}

// ObserveVerdict records a produced verdict and the parser path behind it.
func (m *Metrics) ObserveVerdict(label, path string) {
	m.verdictsTotal.WithLabelValues(label).Inc()
	m.normalizerTotal.WithLabelValues(path).Inc()
}

// ObserveCapabilityError records a failed submission.
func (m *Metrics) ObserveCapabilityError(kind string) {
	m.capabilityErrors.WithLabelValues(kind).Inc()
}

// ObserveCacheLookup records a verdict cache "hit", "miss" or "error".
func (m *Metrics) ObserveCacheLookup(result string) {
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveStage records the time spent in one stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
