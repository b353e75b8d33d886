package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/querybot/pkg/export"
	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/planner"
	"github.com/syntor/querybot/pkg/queue"
	"github.com/syntor/querybot/pkg/resilience"
	"github.com/syntor/querybot/pkg/retrieval"
)

type stubCaller func(name string, args map[string]any) (any, error)

func (s stubCaller) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration, retryCount int) (any, error) {
	return s(name, args)
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []models.QueryOutcome
}

func (p *recordingPublisher) PublishOutcome(ctx context.Context, o models.QueryOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) all() []models.QueryOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.QueryOutcome(nil), p.outcomes...)
}

type pipeline struct {
	handler   *QueryHandler
	publisher *recordingPublisher
	calls     *[]string
}

func newPipeline(t *testing.T, maxBytes int64, tool stubCaller) pipeline {
	t.Helper()
	var mu sync.Mutex
	calls := []string{}
	caller := stubCaller(func(name string, args map[string]any) (any, error) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
		return tool(name, args)
	})

	writer, err := export.NewCSVWriter(export.Config{Dir: t.TempDir(), MaxBytes: maxBytes}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	pub := &recordingPublisher{}
	h := NewQueryHandler(QueryHandlerConfig{
		Planner:   planner.New(planner.DefaultCatalog()),
		Retriever: retrieval.NewExecutor(caller, nil, nil),
		Exporter:  writer,
		Publisher: pub,
	}, nil, nil)
	return pipeline{handler: h, publisher: pub, calls: &calls}
}

func queryTask(t *testing.T, req models.QueryRequest) *queue.Task {
	t.Helper()
	q := queue.NewMemoryQueue(queue.Config{})
	_, err := EnqueueQuery(context.Background(), q, req)
	require.NoError(t, err)
	task, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func conversionQuery() models.QueryRequest {
	return models.QueryRequest{
		Query:     "conversion rate last week",
		UserID:    "U123",
		ChannelID: "C456",
		ThreadTS:  "1700000000.000100",
		Intent: models.Intent{
			Type:        models.IntentMetrics,
			Confidence:  0.9,
			DataSources: []string{"performance_metrics"},
			Entities:    map[string]any{"metrics": []any{"conversion_rate"}},
			TimeRange:   &models.TimeRange{Type: models.TimeRangeDuration, Value: ptr(7), Unit: "days"},
		},
	}
}

func TestQueryHandlerSuccess(t *testing.T) {
	p := newPipeline(t, 0, func(name string, args map[string]any) (any, error) {
		assert.Equal(t, []any{"conversion_rate"}, args["metrics"])
		assert.Contains(t, args, "start_date")
		return []any{map[string]any{"conversion_rate": 0.12}}, nil
	})

	task := queryTask(t, conversionQuery())
	out, err := p.handler.Handle(context.Background(), task)
	require.NoError(t, err)

	res := out.(QueryResult)
	assert.True(t, res.Success)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, string(planner.ComplexityMedium), res.Complexity)
	assert.Contains(t, res.Summary, "Found 1 records")
	assert.FileExists(t, res.CSVPath)
	assert.Equal(t, []string{"search_performance_data"}, *p.calls)

	data, err := os.ReadFile(res.CSVPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"0.12","step_1","search_performance_data"`)

	outcomes := p.publisher.all()
	require.Len(t, outcomes, 1)
	o := outcomes[0]
	assert.True(t, o.Success)
	assert.Equal(t, models.EventQueryCompleted, o.Type)
	assert.Equal(t, task.ID, o.TaskID)
	assert.Equal(t, task.ID, o.Correlation)
	assert.Equal(t, "C456", o.ChannelID)
	assert.Equal(t, "1700000000.000100", o.ThreadTS)
	assert.Equal(t, res.PlanID, o.PlanID)
	assert.Equal(t, res.CSVPath, o.CSVPath)
}

func TestQueryHandlerUserFacingFailures(t *testing.T) {
	empty := func(name string, args map[string]any) (any, error) { return []any{}, nil }
	rows := func(name string, args map[string]any) (any, error) {
		return []any{map[string]any{"conversion_rate": 0.12, "label": "a fairly long label"}}, nil
	}

	tests := []struct {
		name     string
		mutate   func(*models.QueryRequest)
		tool     stubCaller
		maxBytes int64
		failure  models.FailureKind
		message  string
		reason   string
		noCalls  bool
	}{
		{
			name:    "low confidence",
			mutate:  func(r *models.QueryRequest) { r.Intent.Confidence = 0.3 },
			tool:    rows,
			failure: models.FailureNotUnderstood,
			message: MessageNotUnderstood,
			reason:  "intent confidence 0.30 below 0.50",
			noCalls: true,
		},
		{
			name:    "unknown intent type",
			mutate:  func(r *models.QueryRequest) { r.Intent.Type = "forecast" },
			tool:    rows,
			failure: models.FailureNotUnderstood,
			message: MessageNotUnderstood,
			noCalls: true,
		},
		{
			name:    "no known sources",
			mutate:  func(r *models.QueryRequest) { r.Intent.DataSources = []string{"crm"} },
			tool:    rows,
			failure: models.FailureNotUnderstood,
			message: MessageNotUnderstood,
			reason:  "None of the requested data sources are available",
			noCalls: true,
		},
		{
			name:    "no data",
			tool:    empty,
			failure: models.FailureNoData,
			message: MessageNoData,
		},
		{
			name: "genuine tool error",
			tool: func(name string, args map[string]any) (any, error) {
				return nil, fmt.Errorf("MCP tool error: unknown metric")
			},
			failure: models.FailureNoData,
			message: MessageNoData,
		},
		{
			name:     "export too large",
			tool:     rows,
			maxBytes: 20,
			failure:  models.FailureTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, tt.maxBytes, tt.tool)
			req := conversionQuery()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			out, err := p.handler.Handle(context.Background(), queryTask(t, req))
			require.NoError(t, err)

			res := out.(QueryResult)
			assert.False(t, res.Success)
			assert.Equal(t, "completed", res.Status)
			assert.Equal(t, tt.failure, res.Failure)
			assert.Empty(t, res.CSVPath)
			if tt.message != "" {
				assert.Equal(t, tt.message, res.Message)
			}
			if tt.noCalls {
				assert.Empty(t, *p.calls)
			}

			outcomes := p.publisher.all()
			require.Len(t, outcomes, 1)
			assert.Equal(t, models.EventQueryFailed, outcomes[0].Type)
			assert.Equal(t, tt.failure, outcomes[0].Failure)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, outcomes[0].Reason)
			}
		})
	}
}

func TestQueryHandlerUnavailableIsRetried(t *testing.T) {
	p := newPipeline(t, 0, func(name string, args map[string]any) (any, error) {
		return nil, fmt.Errorf("%w: mcp unavailable", resilience.ErrCircuitOpen)
	})
	task := queryTask(t, conversionQuery())

	_, err := p.handler.Handle(context.Background(), task)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, p.publisher.all(), "nothing is announced while retries remain")

	p.handler.Abandon(context.Background(), task, err)
	outcomes := p.publisher.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.FailureUnavailable, outcomes[0].Failure)
	assert.Equal(t, MessageUnavailable, outcomes[0].Message)
	assert.Equal(t, "U123", outcomes[0].UserID)
}

func TestQueryHandlerAbandonOtherErrors(t *testing.T) {
	p := newPipeline(t, 0, nil)
	task := queryTask(t, conversionQuery())

	p.handler.Abandon(context.Background(), task, fmt.Errorf("handler panic: boom"))
	outcomes := p.publisher.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.FailureInternal, outcomes[0].Failure)
	assert.Equal(t, MessageInternal, outcomes[0].Message)
}

func TestQueryHandlerMalformedPayload(t *testing.T) {
	p := newPipeline(t, 0, nil)
	task := &queue.Task{ID: "t-1", Type: TaskProcessQuery, Payload: map[string]any{"intent": "not an object"}}

	out, err := p.handler.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, models.FailureInternal, out.(QueryResult).Failure)
}

func TestQueryPipelineThroughProcessor(t *testing.T) {
	p := newPipeline(t, 0, func(name string, args map[string]any) (any, error) {
		return map[string]any{
			"columns": []any{"day", "conversion_rate"},
			"rows":    []any{[]any{"mon", 0.1}, []any{"tue", 0.2}},
		}, nil
	})

	q := fastQueue(1)
	proc := NewProcessor(q, fastConfig(), nil, nil)
	proc.RegisterHandler(TaskProcessQuery, p.handler)
	startProcessor(t, proc)

	id, err := EnqueueQuery(context.Background(), q, conversionQuery())
	require.NoError(t, err)

	var res QueryResult
	require.NoError(t, waitForResult(t, q, id).Decode(&res))
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.RowCount)
	assert.FileExists(t, res.CSVPath)
}

func TestPreviewTruncatesByRune(t *testing.T) {
	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "café ü...", preview("café über alles", 6))
	assert.Equal(t, "ü...", preview("üü", 1))
}

func ptr[T any](v T) *T { return &v }
