// Package retrieval executes planned tool calls and validates what came
// back.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/mcpclient"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/planner"
	"github.com/syntor/querybot/pkg/resilience"
)

// ToolCaller invokes one remote tool
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration, retryCount int) (any, error)
}

// Executor runs execution plans against a ToolCaller. It keeps no state
// between plans.
type Executor struct {
	caller  ToolCaller
	logger  logging.Logger
	metrics metrics.Collector
	now     func() time.Time
}

// NewExecutor creates an executor. Nil logger and collector are replaced
// with no-op implementations.
func NewExecutor(caller ToolCaller, logger logging.Logger, collector metrics.Collector) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Executor{
		caller:  caller,
		logger:  logger.With(logging.String("component", "retrieval")),
		metrics: collector,
		now:     time.Now,
	}
}

// Execute runs every step of plan and returns the per-step results.
// Tool failures are reported inside the results, not as an error.
func (e *Executor) Execute(ctx context.Context, plan *planner.ExecutionPlan) (Results, error) {
	if plan == nil {
		return nil, errors.New("no execution plan to run")
	}
	logger := e.logger.WithContext(ctx)
	logger.Info("Starting data retrieval",
		logging.Int("steps", len(plan.Steps)),
		logging.Bool("parallel", plan.Parallel),
	)

	start := e.now()
	var results Results
	if plan.Parallel {
		results = e.executeParallel(ctx, plan)
	} else {
		results = e.executeSequential(ctx, plan)
	}

	logger.Info("Data retrieval completed",
		logging.Duration("execution_time", e.now().Sub(start)),
		logging.Int("successful_steps", results.Successful()),
		logging.Int("total_steps", len(plan.Steps)),
	)
	return results, nil
}

func (e *Executor) executeParallel(ctx context.Context, plan *planner.ExecutionPlan) Results {
	results := make(Results, len(plan.Steps))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range plan.Steps {
		step := &plan.Steps[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.safeExecuteStep(ctx, step)
			mu.Lock()
			results[step.ID] = res
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func (e *Executor) executeSequential(ctx context.Context, plan *planner.ExecutionPlan) Results {
	results := make(Results, len(plan.Steps))

	for i := range plan.Steps {
		step := &plan.Steps[i]

		if err := checkDependencies(step, results); err != nil {
			e.logger.WithContext(ctx).Warn("Step dependencies not met",
				logging.String("step_id", step.ID),
				logging.Err(err),
			)
			results[step.ID] = &StepResult{
				StepID:     step.ID,
				DataSource: step.DataSource,
				Data:       map[string]ToolResult{},
				Error:      "Dependencies not met: " + err.Error(),
			}
			if step.Required {
				break
			}
			continue
		}

		res := e.safeExecuteStep(ctx, step)
		results[step.ID] = res
		if step.Required && !res.Success {
			break
		}
	}
	return results
}

func checkDependencies(step *planner.Step, results Results) error {
	for _, dep := range step.DependsOn {
		res, ok := results[dep]
		if !ok {
			return fmt.Errorf("%s has not run", dep)
		}
		if !res.Success {
			return fmt.Errorf("%s failed", dep)
		}
	}
	return nil
}

// safeExecuteStep converts a panic inside a step into a failed result
func (e *Executor) safeExecuteStep(ctx context.Context, step *planner.Step) (res *StepResult) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithContext(ctx).Error("Step execution panicked",
				logging.String("step_id", step.ID),
				logging.Any("panic", r),
			)
			res = &StepResult{
				StepID:        step.ID,
				DataSource:    step.DataSource,
				Data:          map[string]ToolResult{},
				ExecutionTime: e.now().Sub(start),
				Error:         fmt.Sprintf("step panicked: %v", r),
			}
		}
	}()
	return e.executeStep(ctx, step)
}

func (e *Executor) executeStep(ctx context.Context, step *planner.Step) *StepResult {
	logger := e.logger.WithContext(ctx).With(
		logging.String("step_id", step.ID),
		logging.String("data_source", step.DataSource),
	)
	logger.Info("Executing step", logging.Int("tool_count", len(step.ToolCalls)))

	start := e.now()
	res := &StepResult{
		StepID:     step.ID,
		DataSource: step.DataSource,
		Data:       make(map[string]ToolResult, len(step.ToolCalls)),
	}

	for _, call := range step.ToolCalls {
		key := resultKey(res.Data, call.ToolName)
		data, err := e.caller.CallTool(ctx, call.ToolName, call.Arguments, call.Timeout, call.RetryCount)
		if err != nil {
			res.Data[key] = ToolResult{
				Arguments:   call.Arguments,
				Error:       err.Error(),
				Unavailable: unavailable(err),
			}
			logger.Error("MCP tool failed", logging.String("tool", call.ToolName), logging.Err(err))
			continue
		}

		res.Data[key] = ToolResult{Success: true, Data: data, Arguments: call.Arguments}
		logger.Info("MCP tool completed", logging.String("tool", call.ToolName))
	}

	res.ToolResults = len(res.Data)
	for _, tr := range res.Data {
		if tr.Success {
			res.SuccessfulTools++
		}
	}
	res.Success = res.SuccessfulTools > 0
	res.ExecutionTime = e.now().Sub(start)
	return res
}

// resultKey returns the tool name, suffixed with #2, #3... when the step
// already holds a result for that tool.
func resultKey(data map[string]ToolResult, tool string) string {
	if _, taken := data[tool]; !taken {
		return tool
	}
	for n := 2; ; n++ {
		key := fmt.Sprintf("%s#%d", tool, n)
		if _, taken := data[key]; !taken {
			return key
		}
	}
}

// unavailable reports whether err means the tool server could not be used
func unavailable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	if te, ok := mcpclient.AsToolError(err); ok {
		return te.Unavailable()
	}
	return false
}

// Validate runs ValidateResults and records rejections
func (e *Executor) Validate(ctx context.Context, results Results) error {
	err := ValidateResults(results)
	var verr *ValidationError
	if errors.As(err, &verr) {
		e.metrics.IncrementCounter(metrics.RetrievalValidationFailures.Name, metrics.Labels("reason", verr.Reason()))
		e.logger.WithContext(ctx).Warn("Retrieval produced no usable data",
			logging.String("reason", verr.Reason()),
			logging.Bool("unavailable", results.Unavailable()),
		)
	}
	return err
}
