// Package metrics exposes Prometheus counters for validation runs, rule
// failures and query creation, plus HTTP server metrics for the echo router.
//
// All recording methods are safe on a nil *Metrics so that services can be
// constructed without metrics in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query creation outcomes.
const (
	QueryCreated = "created"
	QueryReused  = "reused"
	QueryFailed  = "failed"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Metrics struct {
	validationRuns *prometheus.CounterVec
	ruleFailures   *prometheus.CounterVec
	configErrors   *prometheus.CounterVec
	queries        *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpActive     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		validationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_validation_runs_total",
			Help: "Validation passes by mode (form, field, test).",
		}, []string{"mode"}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_rule_failures_total",
			Help: "Failed rule evaluations by rule kind and severity.",
		}, []string{"kind", "severity"}),
		configErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_rule_config_errors_total",
			Help: "Rules that failed open because of a configuration error.",
		}, []string{"kind"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_queries_total",
			Help: "Query create-or-reuse attempts by outcome.",
		}, []string{"outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.validationRuns, m.ruleFailures, m.configErrors, m.queries, m.httpDuration, m.httpActive)
	}
	return m
}

func (m *Metrics) ValidationRun(mode string) {
	if m == nil {
		return
	}
	m.validationRuns.WithLabelValues(mode).Inc()
}

func (m *Metrics) RuleFailure(kind, severity string) {
	if m == nil {
		return
	}
	m.ruleFailures.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) RuleConfigError(kind string) {
	if m == nil {
		return
	}
	m.configErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Query(outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
}

// Middleware records request duration and in-flight requests by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpActive.Inc()
			defer m.httpActive.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition format for g.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
