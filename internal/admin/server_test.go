package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAllHealthy(t *testing.T) {
	hc := NewHealthChecker(time.Second)
	hc.RegisterCheck("redis", func(context.Context) error { return nil })
	s := NewServer(Config{Version: "1.2.3", Environment: "test"}, hc, nil, nil, nil)

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Contains(t, report.Checks, "goroutines")
	assert.True(t, report.Checks["redis"].Healthy)
}

func TestHealthReportsFailures(t *testing.T) {
	hc := NewHealthChecker(20 * time.Millisecond)
	hc.RegisterCheck("mcp_server", func(context.Context) error { return errors.New("connection refused") })
	hc.RegisterCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	hc.RegisterCheck("broken", func(context.Context) error { panic("nil client") })
	s := NewServer(Config{}, hc, nil, nil, nil)

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "connection refused", report.Checks["mcp_server"].Error)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"].Error)
	assert.Contains(t, report.Checks["broken"].Error, "nil client")
	assert.True(t, report.Checks["goroutines"].Healthy)
}

func TestProbeRoutes(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil, nil)
	h := s.Handler()

	assert.JSONEq(t, `{"status":"ready"}`, get(t, h, "/health/ready").Body.String())
	assert.JSONEq(t, `{"status":"alive"}`, get(t, h, "/health/live").Body.String())
	assert.Equal(t, http.StatusNotFound, get(t, h, "/status").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}

func TestStatusAndMetricsRoutes(t *testing.T) {
	status := func(context.Context) (any, error) {
		return map[string]int{"active_tasks": 2}, nil
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("querybot_tasks_processed_total 1\n"))
	})
	s := NewServer(Config{}, nil, status, metrics, nil)
	h := s.Handler()

	assert.JSONEq(t, `{"active_tasks":2}`, get(t, h, "/status").Body.String())
	assert.Contains(t, get(t, h, "/metrics").Body.String(), "querybot_tasks_processed_total")

	failing := NewServer(Config{}, nil, func(context.Context) (any, error) {
		return nil, errors.New("redis down")
	}, nil, nil)
	rec := get(t, failing.Handler(), "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")
}

func TestStorageCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	require.NoError(t, StorageCheck(dir)(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	assert.Error(t, StorageCheck(filepath.Join(blocker, "sub"))(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewServer(Config{Port: 18931}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
