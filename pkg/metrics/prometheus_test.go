package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStandardMetrics(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterStandardMetrics())

	assert.Len(t, c.MetricNames(), len(StandardMetrics()))
	assert.True(t, c.IsRegistered(ToolCalls.Name))

	err := c.Register(ToolCalls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestCountersAndGauges(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.RegisterStandardMetrics())

	c.IncrementCounter(ToolCalls.Name, Labels("tool", "search_performance_data", "status", "success"))
	c.AddCounter(ToolCalls.Name, 2, Labels("tool", "search_performance_data", "status", "success"))
	c.SetGauge(CircuitBreakerState.Name, 2, Labels("breaker", "mcp"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.counters[ToolCalls.Name].WithLabelValues("search_performance_data", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.gauges[CircuitBreakerState.Name].WithLabelValues("mcp")))
}

func TestUnknownMetricAndBadLabelsAreDropped(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.Register(QueryOutcomes))

	assert.NotPanics(t, func() {
		c.IncrementCounter("querybot_missing_total", nil)
		c.IncrementCounter(QueryOutcomes.Name, Labels("wrong", "label"))
		c.ObserveHistogram("querybot_missing_seconds", 1, nil)
	})
	assert.Equal(t, 0, testutil.CollectAndCount(c.counters[QueryOutcomes.Name]))
}

func TestObserveDurationAndScrape(t *testing.T) {
	c := NewPrometheusCollector()
	require.NoError(t, c.Register(TaskDuration))

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	c.ObserveDuration(TaskDuration.Name, base, Labels("task_type", "process_query"))

	srv := httptest.NewServer(c.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `querybot_task_duration_seconds_sum{task_type="process_query"} 1.5`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNopCollector(t *testing.T) {
	c := NewNopCollector()
	require.NoError(t, c.Register(ToolCalls))
	c.IncrementCounter(ToolCalls.Name, nil)

	rec := httptest.NewRecorder()
	c.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, Labels("a", "1", "b", "2", "dangling"))
}
