package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/querybot/internal/worker"
	"github.com/syntor/querybot/pkg/config"
	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/planner"
	"github.com/syntor/querybot/pkg/queue"
)

const conversionIntent = `{
  "intent_type": "metrics",
  "confidence": 0.9,
  "data_sources": ["performance_metrics"],
  "entities": {"metrics": ["conversion_rate"]},
  "time_range": {"type": "duration", "value": 7, "unit": "days"}
}`

func withJSONOutput(t *testing.T) {
	t.Helper()
	jsonOutput = true
	t.Cleanup(func() { jsonOutput = false })
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadRequest(t *testing.T) {
	full := writeFile(t, "request.json", `{
		"query": "conversion rate last week",
		"user_id": "U1",
		"channel_id": "C1",
		"intent": `+conversionIntent+`
	}`)
	req, err := readRequest(full, nil)
	require.NoError(t, err)
	assert.Equal(t, "U1", req.UserID)
	assert.Equal(t, models.IntentMetrics, req.Intent.Type)

	req, err = readRequest("-", strings.NewReader(conversionIntent))
	require.NoError(t, err)
	assert.Empty(t, req.Query)
	assert.Equal(t, []string{"performance_metrics"}, req.Intent.DataSources)
	require.NotNil(t, req.Intent.TimeRange.Value)
	assert.Equal(t, 7, *req.Intent.TimeRange.Value)

	_, err = readRequest("-", strings.NewReader("not json"))
	assert.ErrorContains(t, err, "invalid request JSON")

	_, err = readRequest(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	p, err := parsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, models.HighPriority, p)

	p, err = parsePriority("")
	require.NoError(t, err)
	assert.Equal(t, models.NormalPriority, p)

	_, err = parsePriority("urgent")
	assert.Error(t, err)
}

func TestSubmitAndShowResult(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	req, err := readRequest("-", strings.NewReader(conversionIntent))
	require.NoError(t, err)

	var out bytes.Buffer
	id, err := submitQuery(ctx, &out, q, req)
	require.NoError(t, err)
	assert.Equal(t, "Submitted task "+id+"\n", out.String())

	out.Reset()
	assert.ErrorContains(t, showResult(ctx, &out, q, id), "no result for task")

	task, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, task.ID, worker.QueryResult{
		Status:     "completed",
		Success:    true,
		Message:    "Found 3 records with 2 columns for your query.",
		CSVPath:    "/tmp/querybot_files/query_results.csv",
		RowCount:   3,
		PlanID:     "plan-1",
		Complexity: "medium",
	}))

	out.Reset()
	require.NoError(t, showResult(ctx, &out, q, id))
	assert.Contains(t, out.String(), "Outcome:    success")
	assert.Contains(t, out.String(), "Plan:       plan-1 (medium)")
	assert.Contains(t, out.String(), "CSV:        /tmp/querybot_files/query_results.csv")
	assert.Contains(t, out.String(), "Found 3 records")

	withJSONOutput(t)
	out.Reset()
	require.NoError(t, showResult(ctx, &out, q, id))
	var body struct {
		TaskID string             `json:"task_id"`
		Result worker.QueryResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Equal(t, id, body.TaskID)
	assert.Equal(t, 3, body.Result.RowCount)
}

func TestSubmitRejectsInvalidIntent(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{})
	req := models.QueryRequest{Intent: models.Intent{Type: "forecast", Confidence: 0.9, DataSources: []string{"x"}}}

	_, err := submitQuery(context.Background(), &bytes.Buffer{}, q, req)
	assert.Error(t, err)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestWaitForResultTimesOut(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := waitForResult(ctx, q, "nope", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShowStatsWithFailed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.Config{})
	_, err := q.Enqueue(ctx, worker.TaskProcessQuery, nil, queue.WithMaxRetries(0))
	require.NoError(t, err)
	task, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	_, err = q.Fail(ctx, task.ID, "tool server down")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, worker.TaskProcessQuery, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showStats(ctx, &out, q, 5))
	lines := strings.Split(out.String(), "\n")
	assert.Equal(t, []string{"1", "0", "0", "1"}, strings.Fields(lines[2]))
	assert.Contains(t, out.String(), task.ID)
	assert.Contains(t, out.String(), "tool server down")

	out.Reset()
	require.NoError(t, showStats(ctx, &out, q, 0))
	assert.NotContains(t, out.String(), task.ID)
}

func TestShowPlan(t *testing.T) {
	p := planner.New(planner.DefaultCatalog())
	req, err := readRequest("-", strings.NewReader(conversionIntent))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, showPlan(context.Background(), &out, p, req.Intent))
	assert.Contains(t, out.String(), "medium")
	assert.Contains(t, out.String(), "step_1")
	assert.Contains(t, out.String(), "search_performance_data")

	req.Intent.DataSources = []string{"crm"}
	err = showPlan(context.Background(), &out, p, req.Intent)
	assert.EqualError(t, err, "intent cannot be planned: None of the requested data sources are available")
}

func TestCheckCatalog(t *testing.T) {
	catalog, err := planner.ParseCatalog([]byte(`
performance_metrics:
  type: metrics
  tools:
    - name: search_performance_data
      intent_types: [metrics]
    - name: get_metric_definitions
      intent_types: [metrics]
`))
	require.NoError(t, err)

	var out bytes.Buffer
	err = checkCatalog(&out, catalog, []mcp.Tool{{Name: "search_performance_data"}})
	assert.EqualError(t, err, "1 catalog tool(s) not advertised by the server")
	assert.Regexp(t, `get_metric_definitions\s+missing`, out.String())
	assert.Regexp(t, `search_performance_data\s+ok`, out.String())

	out.Reset()
	require.NoError(t, checkCatalog(&out, catalog, []mcp.Tool{
		{Name: "search_performance_data"}, {Name: "get_metric_definitions"},
	}))
}

func TestPrintTools(t *testing.T) {
	tool := mcp.NewTool("search_performance_data",
		mcp.WithDescription("Search performance metrics"),
		mcp.WithString("start_date"),
		mcp.WithArray("metrics"),
	)

	var out bytes.Buffer
	require.NoError(t, printTools(&out, []mcp.Tool{tool}))
	assert.Contains(t, out.String(), "search_performance_data")
	assert.Contains(t, out.String(), "[metrics start_date]")
	assert.Contains(t, out.String(), "Search performance metrics")

	out.Reset()
	require.NoError(t, printTools(&out, nil))
	assert.Contains(t, out.String(), "no tools")
}

func TestOutcomePrinter(t *testing.T) {
	o := models.NewQueryOutcome("querybot-worker", "task-1", models.QueryRequest{ChannelID: "C1"})
	o = o.Failed(models.FailureNoData, "I couldn't find any data matching that request.")

	var out bytes.Buffer
	require.NoError(t, outcomePrinter(&out)(context.Background(), o))
	assert.Contains(t, out.String(), "no_data")
	assert.Contains(t, out.String(), "task=task-1 channel=C1")
	assert.Contains(t, out.String(), "couldn't find any data")
}

func TestShowAndValidateConfig(t *testing.T) {
	cfg := config.DefaultSystemConfig()
	cfg.Redis.Password = "hunter2"

	var out bytes.Buffer
	require.NoError(t, showConfig(&out, &cfg))
	assert.NotContains(t, out.String(), "hunter2")
	assert.Contains(t, out.String(), "********")
	assert.Equal(t, "hunter2", cfg.Redis.Password)

	out.Reset()
	require.NoError(t, validateConfig(&out, &cfg))
	assert.Contains(t, out.String(), "Configuration is valid")
	assert.Contains(t, out.String(), "built-in, 5 sources")

	cfg.Catalog.Path = writeFile(t, "catalog.yaml", "not: [valid")
	assert.Error(t, validateConfig(&out, &cfg))

	cfg.Worker.Concurrency = 0
	assert.Error(t, validateConfig(&out, &cfg))
}

func fakeToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/health" {
			json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
			return
		}
		var call struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&call)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      call.ID,
			"result":  []any{map[string]any{"day": "mon", "conversion_rate": 0.12}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testWorkerConfig(t *testing.T, toolURL string) *config.SystemConfig {
	cfg := config.DefaultSystemConfig()
	cfg.Redis.URL = ""
	cfg.ToolServer.URL = toolURL
	cfg.Export.Directory = filepath.Join(t.TempDir(), "exports")
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollTimeout = 20 * time.Millisecond
	cfg.Worker.StatsInterval = 10 * time.Millisecond
	cfg.System.ShutdownTimeout = 2 * time.Second
	return &cfg
}

func TestBuildWorkerProcessesQueries(t *testing.T) {
	srv := fakeToolServer(t)
	cfg := testWorkerConfig(t, srv.URL)

	rt, err := buildWorker(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(rt.close)
	require.Len(t, rt.servers, 1, "metrics share the health check port by default")

	require.NoError(t, rt.processor.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rt.processor.Stop(ctx)
	})

	req, err := readRequest("-", strings.NewReader(conversionIntent))
	require.NoError(t, err)
	id, err := submitQuery(context.Background(), &bytes.Buffer{}, rt.queue, req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := waitForResult(ctx, rt.queue, id, 10*time.Millisecond)
	require.NoError(t, err)

	var qr worker.QueryResult
	require.NoError(t, res.Decode(&qr))
	assert.True(t, qr.Success, qr.Message)
	assert.Equal(t, 1, qr.RowCount)
	assert.FileExists(t, qr.CSVPath)
	assert.Equal(t, cfg.Export.Directory, filepath.Dir(qr.CSVPath))

	rec := httptest.NewRecorder()
	rt.servers[0].Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "querybot_query_outcomes_total")
}

func TestBuildWorkerHealthAndStatus(t *testing.T) {
	srv := fakeToolServer(t)
	cfg := testWorkerConfig(t, srv.URL)
	cfg.Monitoring.MetricsPort = cfg.Worker.HealthCheckPort + 1

	rt, err := buildWorker(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(rt.close)
	require.Len(t, rt.servers, 2)

	report := rt.servers[0].Report(context.Background())
	assert.True(t, report.Healthy(), "%+v", report.Checks)
	for _, name := range []string{"queue", "mcp_server", "storage", "goroutines"} {
		assert.Contains(t, report.Checks, name)
	}
	assert.NotContains(t, report.Checks, "kafka")

	body, err := rt.status(context.Background())
	require.NoError(t, err)
	st := body.(WorkerStatus)
	assert.Equal(t, []string{worker.TaskProcessQuery}, st.TaskTypes)
	assert.Equal(t, models.CircuitClosed, st.Breaker.State)
	assert.Len(t, st.DataSources, 5)
	assert.Equal(t, cfg.Export.Directory, st.Storage.Dir)
}

func TestBuildWorkerRejectsBadSweepSchedule(t *testing.T) {
	cfg := testWorkerConfig(t, "http://localhost:1")
	cfg.Export.SweepSchedule = "every so often"

	_, err := buildWorker(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid sweep schedule")
}
