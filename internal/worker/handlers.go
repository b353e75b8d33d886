package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syntor/querybot/pkg/consolidate"
	"github.com/syntor/querybot/pkg/export"
	"github.com/syntor/querybot/pkg/kafka"
	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/planner"
	"github.com/syntor/querybot/pkg/queue"
	"github.com/syntor/querybot/pkg/retrieval"
)

// TaskProcessQuery is the task type carrying a models.QueryRequest
const TaskProcessQuery = "process_query"

// User-facing replies per failure kind
const (
	MessageUnavailable   = "I'm having trouble accessing the data right now. Please try again in a few minutes."
	MessageNoData        = "I couldn't find any data matching that request. Try adjusting the time range or filters."
	MessageNotUnderstood = "I couldn't understand your query. Could you please rephrase it? Try being more specific about what data you're looking for."
	MessageInternal      = "Something went wrong while processing your query. Please try rephrasing your question or contact support if this continues."
)

// ErrUnavailable marks a retrieval that failed because the tool server
// could not be reached or its breaker was open
var ErrUnavailable = errors.New("data service unavailable")

// Planner builds execution plans
type Planner interface {
	Plan(ctx context.Context, intent *models.Intent) (*planner.ExecutionPlan, error)
}

// Retriever runs plans and checks what came back
type Retriever interface {
	Execute(ctx context.Context, plan *planner.ExecutionPlan) (retrieval.Results, error)
	Validate(ctx context.Context, results retrieval.Results) error
}

// Exporter stores a result table and returns where it went
type Exporter interface {
	Write(ctx context.Context, query string, table consolidate.Table) (*export.File, error)
}

// QueryResult is stored as the result of a process_query task
type QueryResult struct {
	Status     string             `json:"status"`
	Success    bool               `json:"success"`
	Failure    models.FailureKind `json:"failure,omitempty"`
	Message    string             `json:"message"`
	Summary    string             `json:"summary,omitempty"`
	CSVPath    string             `json:"csv_path,omitempty"`
	RowCount   int                `json:"row_count"`
	PlanID     string             `json:"plan_id,omitempty"`
	Complexity string             `json:"complexity,omitempty"`
}

// QueryHandler runs the plan, retrieve, consolidate and export pipeline for
// one query and announces the outcome.
//
// Failures the user has to act on (low confidence, unplannable intent, no
// data, oversized export) complete the task with an unsuccessful result.
// Tool server outages and unexpected errors are returned so the queue
// retries them; once retries run out Abandon reports the failure.
type QueryHandler struct {
	planner   Planner
	retriever Retriever
	exporter  Exporter
	publisher kafka.Publisher
	source    string
	logger    logging.Logger
	metrics   metrics.Collector
}

// QueryHandlerConfig wires a QueryHandler
type QueryHandlerConfig struct {
	Planner   Planner
	Retriever Retriever
	Exporter  Exporter
	Publisher kafka.Publisher // nil drops outcomes
	Source    string          // identifies this worker in outcomes
}

// NewQueryHandler creates a query handler
func NewQueryHandler(config QueryHandlerConfig, logger logging.Logger, collector metrics.Collector) *QueryHandler {
	if config.Publisher == nil {
		config.Publisher = kafka.NopPublisher{}
	}
	if config.Source == "" {
		config.Source = "querybot-worker"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &QueryHandler{
		planner:   config.Planner,
		retriever: config.Retriever,
		exporter:  config.Exporter,
		publisher: config.Publisher,
		source:    config.Source,
		logger:    logger.With(logging.String("handler", TaskProcessQuery)),
		metrics:   collector,
	}
}

// Handle implements Handler
func (h *QueryHandler) Handle(ctx context.Context, task *queue.Task) (any, error) {
	var req models.QueryRequest
	if err := task.DecodePayload(&req); err != nil {
		// a payload that does not decode will not decode on retry either
		h.logger.WithContext(ctx).Error("Malformed query payload", logging.Err(err))
		outcome := models.NewQueryOutcome(h.source, task.ID, req).Failed(models.FailureInternal, MessageInternal)
		outcome.Reason = err.Error()
		return h.finish(ctx, outcome, nil), nil
	}

	ctx = logging.WithUserID(logging.WithCorrelationID(ctx, task.ID), req.UserID)
	logger := h.logger.WithContext(ctx)
	outcome := models.NewQueryOutcome(h.source, task.ID, req)
	outcome.Correlation = task.ID

	logger.Info("Starting query processing",
		logging.String("query", preview(req.Query, 100)),
		logging.String("intent_type", string(req.Intent.Type)),
		logging.Float64("confidence", req.Intent.Confidence),
	)

	if !req.Intent.Confident() {
		outcome = outcome.Failed(models.FailureNotUnderstood, MessageNotUnderstood)
		outcome.Reason = fmt.Sprintf("intent confidence %.2f below %.2f", req.Intent.Confidence, models.MinConfidence)
		return h.finish(ctx, outcome, nil), nil
	}
	if err := req.Intent.Validate(); err != nil {
		outcome = outcome.Failed(models.FailureNotUnderstood, MessageNotUnderstood)
		outcome.Reason = err.Error()
		return h.finish(ctx, outcome, nil), nil
	}

	plan, err := h.planner.Plan(ctx, &req.Intent)
	if err != nil {
		var planErr *planner.PlanError
		if !errors.As(err, &planErr) {
			return nil, fmt.Errorf("planning failed: %w", err)
		}
		outcome = outcome.Failed(models.FailureNotUnderstood, MessageNotUnderstood)
		outcome.Reason = planErr.Reason
		return h.finish(ctx, outcome, nil), nil
	}
	ctx = logging.WithPlanID(ctx, plan.ID)
	outcome.PlanID = plan.ID
	outcome.Complexity = string(plan.Complexity)

	results, err := h.retriever.Execute(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	if err := h.retriever.Validate(ctx, results); err != nil {
		if results.Unavailable() {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		outcome = outcome.Failed(models.FailureNoData, MessageNoData)
		outcome.Reason = err.Error()
		return h.finish(ctx, outcome, nil), nil
	}

	table := consolidate.Tabulate(consolidate.Combine(results))
	if table.Len() == 0 {
		outcome = outcome.Failed(models.FailureNoData, MessageNoData)
		outcome.Reason = "no records after consolidation"
		return h.finish(ctx, outcome, nil), nil
	}

	file, err := h.exporter.Write(ctx, req.Query, table)
	if err != nil {
		var tooLarge *export.TooLargeError
		if !errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("export failed: %w", err)
		}
		outcome = outcome.Failed(models.FailureTooLarge, tooLarge.Error())
		outcome.RowCount = table.Len()
		return h.finish(ctx, outcome, nil), nil
	}

	outcome.Success = true
	outcome.Message = consolidate.Summary(table)
	outcome.CSVPath = file.Path
	outcome.RowCount = table.Len()
	return h.finish(ctx, outcome, file), nil
}

// Abandon reports a query whose retries are exhausted
func (h *QueryHandler) Abandon(ctx context.Context, task *queue.Task, cause error) {
	var req models.QueryRequest
	_ = task.DecodePayload(&req)

	outcome := models.NewQueryOutcome(h.source, task.ID, req)
	outcome.Correlation = task.ID
	if errors.Is(cause, ErrUnavailable) {
		outcome = outcome.Failed(models.FailureUnavailable, MessageUnavailable)
	} else {
		outcome = outcome.Failed(models.FailureInternal, MessageInternal)
	}
	outcome.Reason = cause.Error()
	h.finish(ctx, outcome, nil)
}

// finish records and publishes the outcome and builds the task result.
// A publish failure is logged only; the stored result still carries the
// outcome for the result command.
func (h *QueryHandler) finish(ctx context.Context, outcome models.QueryOutcome, file *export.File) QueryResult {
	logger := h.logger.WithContext(ctx)

	label := string(outcome.Failure)
	if outcome.Success {
		label = "success"
	}
	h.metrics.IncrementCounter(metrics.QueryOutcomes.Name, metrics.Labels("outcome", label))

	if err := h.publisher.PublishOutcome(ctx, outcome); err != nil {
		logger.Error("Failed to publish query outcome", logging.Err(err))
	}

	if outcome.Success {
		logger.Info("Query processing completed",
			logging.Int("row_count", outcome.RowCount),
			logging.String("csv_path", outcome.CSVPath),
			logging.String("complexity", outcome.Complexity),
		)
	} else {
		logger.Warn("Query could not be answered",
			logging.String("failure", string(outcome.Failure)),
			logging.String("reason", outcome.Reason),
		)
	}

	result := QueryResult{
		Status:     "completed",
		Success:    outcome.Success,
		Failure:    outcome.Failure,
		Message:    outcome.Message,
		RowCount:   outcome.RowCount,
		PlanID:     outcome.PlanID,
		Complexity: outcome.Complexity,
	}
	if outcome.Success {
		result.Summary = outcome.Message
	}
	if file != nil {
		result.CSVPath = file.Path
	}
	return result
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// EnqueueQuery submits req as a process_query task
func EnqueueQuery(ctx context.Context, q queue.Queue, req models.QueryRequest, opts ...queue.EnqueueOption) (string, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode query: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}
	return q.Enqueue(ctx, TaskProcessQuery, payload, opts...)
}
