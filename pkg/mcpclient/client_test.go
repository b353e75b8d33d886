package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/resilience"
)

type rpcCall struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 2 * time.Second
	client := NewClient(cfg, nil, nil)
	t.Cleanup(func() { client.Close() })
	return client, &hits
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCallToolSuccess(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mcp", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var call rpcCall
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		assert.Equal(t, "2.0", call.JSONRPC)
		assert.Equal(t, "tools/call", call.Method)
		assert.Equal(t, "search_performance_data", call.Params.Name)
		assert.Equal(t, []any{"conversion_rate"}, call.Params.Arguments["metrics"])
		assert.Contains(t, call.ID, "search_performance_data")

		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"id":      call.ID,
			"result":  []any{map[string]any{"conversion_rate": 0.12}},
		})
	})

	result, err := client.CallTool(context.Background(), "search_performance_data",
		map[string]any{"metrics": []string{"conversion_rate"}}, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"conversion_rate": 0.12}}, result)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestCallToolRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "result": map[string]any{"rows": 1}})
	})

	result, err := client.CallTool(context.Background(), "get_uptime_reports", nil, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": float64(1)}, result)
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
}

func TestCallToolExhaustsRetries(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": -32000, "message": "boom", "data": "detail"},
		})
	})

	_, err := client.CallTool(context.Background(), "search_campaign_performance", nil, 0, 2)
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))

	te, ok := AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, KindExhausted, te.Kind)
	assert.Equal(t, "MCP tool call failed after 3 attempts: MCP tool error: boom", te.Error())
	require.NotNil(t, te.Code)
	assert.Equal(t, -32000, *te.Code)
	assert.Equal(t, "detail", te.Data)

	var last *ToolError
	require.True(t, errors.As(te.Unwrap(), &last))
	assert.Equal(t, KindProtocol, last.Kind)
}

func TestCallToolMissingResult(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "id": "x"})
	})

	_, err := client.CallTool(context.Background(), "get_metric_definitions", nil, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP tool returned no result")
}

func TestCallToolMalformedResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})

	_, err := client.CallTool(context.Background(), "get_metric_definitions", nil, 0, 0)
	require.Error(t, err)

	var last *ToolError
	require.True(t, errors.As(errors.Unwrap(err), &last))
	assert.Equal(t, KindProtocol, last.Kind)
}

func TestCallToolTimeoutIsTransportFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	_, err := client.CallTool(context.Background(), "search_user_behavior", nil, 20*time.Millisecond, 0)
	require.Error(t, err)

	te, ok := AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, KindExhausted, te.Kind)
	inner, ok := AsToolError(te.Err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, inner.Kind)
}

func TestCallToolConnectionLimit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var first int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&first, 1) == 1 {
			close(entered)
			<-release
		}
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "result": "ok"})
	})
	client.config.MaxConnections = 1
	client.slots = resilience.NewSemaphore(1)

	done := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "slow", nil, 0, 0)
		done <- err
	}()
	<-entered

	_, err := client.CallTool(context.Background(), "blocked", nil, 30*time.Millisecond, 0)
	require.Error(t, err)
	te, ok := AsToolError(err)
	require.True(t, ok)
	inner, ok := AsToolError(te.Err)
	require.True(t, ok)
	assert.Equal(t, KindResource, inner.Kind)
	assert.ErrorIs(t, err, resilience.ErrSaturated)

	close(release)
	require.NoError(t, <-done)
}

func TestListTools(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		assert.Equal(t, "tools/list", call.Method)
		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"result": map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "search_performance_data",
						"description": "Performance metrics search",
						"inputSchema": map[string]any{"type": "object"},
					},
				},
			},
		})
	})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search_performance_data", tools[0].Name)
	assert.Equal(t, "Performance metrics search", tools[0].Description)
}

func TestListToolsIsSingleAttempt(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})

	_, err := client.ListTools(context.Background())
	require.Error(t, err)
	te, ok := AsToolError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"status": "ok"})
	})

	status, err := client.CheckHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status["status"])

	healthy.Store(false)
	_, err = client.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed: HTTP 503")
}

func TestCloseThenReuse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "result": "ok"})
	})

	_, err := client.CallTool(context.Background(), "echo", nil, 0, 0)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	result, err := client.CallTool(context.Background(), "echo", nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestGuardedCallerTripsOnToolErrors(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	breaker := resilience.NewCircuitBreaker(BreakerConfig(2, time.Hour))
	caller := NewGuardedCaller(client, breaker)

	for i := 0; i < 2; i++ {
		_, err := caller.CallTool(context.Background(), "search_system_metrics", nil, 0, 0)
		require.True(t, IsToolError(err))
	}
	assert.Equal(t, models.CircuitOpen, breaker.State())

	_, err := caller.CallTool(context.Background(), "search_system_metrics", nil, 0, 0)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.False(t, IsToolError(err))
	assert.EqualValues(t, 2, atomic.LoadInt32(hits))
}

func TestGuardedCallerIgnoresCancellation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"jsonrpc": "2.0", "result": "ok"})
	})
	breaker := resilience.NewCircuitBreaker(BreakerConfig(1, time.Hour))
	caller := NewGuardedCaller(client, breaker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := caller.CallTool(ctx, "search_system_metrics", nil, 0, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.CircuitClosed, breaker.State())
	assert.Equal(t, 0, breaker.FailureCount())
}

func TestToolErrorUnavailable(t *testing.T) {
	assert.True(t, transportError(errors.New("refused")).Unavailable())
	assert.True(t, exhaustedError(3, statusError(503, "down")).Unavailable())
	assert.False(t, exhaustedError(3, protocolError("MCP tool returned no result", nil)).Unavailable())
	assert.False(t, (&ToolError{Kind: KindExhausted, Err: errors.New("plain")}).Unavailable())
}
