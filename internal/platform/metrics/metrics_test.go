package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ValidationRun("form")
	m.ValidationRun("form")
	m.RuleFailure("range", "error")
	m.RuleConfigError("formula")
	m.Query(QueryCreated)
	m.Query(QueryReused)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.validationRuns.WithLabelValues("form")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleFailures.WithLabelValues("range", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configErrors.WithLabelValues("formula")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues(QueryCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queries.WithLabelValues(QueryReused)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ValidationRun("form")
	m.RuleFailure("range", "error")
	m.RuleConfigError("formula")
	m.Query(QueryFailed)

	e := echo.New()
	h := m.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/metrics", Handler(reg))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	m.ValidationRun("field")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `http_server_request_duration_seconds_count{method="GET",route="/ping",status="200"} 1`), body)
	assert.True(t, strings.Contains(body, `edc_validation_runs_total{mode="field"} 1`), body)
}
