package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntor/querybot/internal/worker"
	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/planner"
	"github.com/syntor/querybot/pkg/queue"
)

var (
	submitPriority string
	submitDelay    time.Duration
	submitRetries  int
	submitWait     time.Duration
	statsFailed    int
)

// submitCmd enqueues a query
var submitCmd = &cobra.Command{
	Use:   "submit <request.json|->",
	Short: "Submit a query to the task queue",
	Long: `Enqueue a process_query task.

The file holds either a full query request (query, user_id, channel_id,
thread_ts and intent) or just an intent. Use - to read from stdin.

Examples:
  querybot submit request.json
  querybot submit --priority high --wait 2m request.json
  cat intent.json | querybot submit -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		priority, err := parsePriority(submitPriority)
		if err != nil {
			return err
		}
		opts := []queue.EnqueueOption{queue.WithPriority(priority)}
		if submitDelay > 0 {
			opts = append(opts, queue.WithDelay(submitDelay))
		}
		if submitRetries >= 0 {
			opts = append(opts, queue.WithMaxRetries(submitRetries))
		}

		q, err := openQueue(querybotConfig, logging.NewNop())
		if err != nil {
			return err
		}
		defer closeQuietly(q)

		ctx := cmd.Context()
		id, err := submitQuery(ctx, cmd.OutOrStdout(), q, req, opts...)
		if err != nil || submitWait <= 0 {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, submitWait)
		defer cancel()
		res, err := waitForResult(ctx, q, id, 500*time.Millisecond)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

// resultCmd shows a stored task result
var resultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Show the result of a completed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(querybotConfig, logging.NewNop())
		if err != nil {
			return err
		}
		defer closeQuietly(q)
		return showResult(cmd.Context(), cmd.OutOrStdout(), q, args[0])
	},
}

// statsCmd shows queue sizes
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task queue statistics",
	Long: `Show the number of pending, processing, delayed and failed tasks.

Use --failed N to also list the most recent permanently failed tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(querybotConfig, logging.NewNop())
		if err != nil {
			return err
		}
		defer closeQuietly(q)
		return showStats(cmd.Context(), cmd.OutOrStdout(), q, statsFailed)
	},
}

// planCmd builds a plan without running it
var planCmd = &cobra.Command{
	Use:   "plan <request.json|->",
	Short: "Show the execution plan for an intent",
	Long: `Build the execution plan for an intent against the configured catalog
without calling any tools.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		store, err := planner.NewCatalogStore(querybotConfig.Catalog.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		return showPlan(cmd.Context(), cmd.OutOrStdout(), planner.New(store), req.Intent)
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "normal", "task priority (low, normal, high, critical)")
	submitCmd.Flags().DurationVar(&submitDelay, "delay", 0, "hold the task back for this long")
	submitCmd.Flags().IntVar(&submitRetries, "retries", -1, "retry budget (default: queue.max_retries)")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "wait this long for the result")
	statsCmd.Flags().IntVar(&statsFailed, "failed", 0, "list up to N failed tasks")
}

func submitQuery(ctx context.Context, out io.Writer, q queue.Queue, req models.QueryRequest, opts ...queue.EnqueueOption) (string, error) {
	if err := req.Intent.Validate(); err != nil {
		return "", err
	}
	id, err := worker.EnqueueQuery(ctx, q, req, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to submit query: %w", err)
	}
	if jsonOutput {
		return id, printJSON(out, map[string]string{"task_id": id})
	}
	fmt.Fprintf(out, "Submitted task %s\n", id)
	return id, nil
}

// waitForResult polls until the result is stored or ctx ends
func waitForResult(ctx context.Context, q queue.Queue, id string, every time.Duration) (*queue.TaskResult, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		res, err := q.Result(ctx, id)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no result for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func showResult(ctx context.Context, out io.Writer, q queue.Queue, id string) error {
	res, err := q.Result(ctx, id)
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("no result for task %s (still queued, failed or expired)", id)
	}
	return printResult(out, res)
}

func printResult(out io.Writer, res *queue.TaskResult) error {
	var qr worker.QueryResult
	if err := res.Decode(&qr); err != nil {
		return fmt.Errorf("result of task %s is not a query result: %w", res.TaskID, err)
	}
	if jsonOutput {
		return printJSON(out, map[string]any{
			"task_id":      res.TaskID,
			"completed_at": res.CompletedAt,
			"result":       qr,
		})
	}

	fmt.Fprintf(out, "Task:       %s\n", res.TaskID)
	fmt.Fprintf(out, "Completed:  %s\n", res.CompletedAt.Format(time.RFC3339))
	if qr.Success {
		fmt.Fprintln(out, "Outcome:    success")
	} else {
		fmt.Fprintf(out, "Outcome:    %s\n", qr.Failure)
	}
	if qr.PlanID != "" {
		fmt.Fprintf(out, "Plan:       %s (%s)\n", qr.PlanID, qr.Complexity)
	}
	fmt.Fprintf(out, "Rows:       %d\n", qr.RowCount)
	if qr.CSVPath != "" {
		fmt.Fprintf(out, "CSV:        %s\n", qr.CSVPath)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, qr.Message)
	return nil
}

func showStats(ctx context.Context, out io.Writer, q queue.Queue, failedLimit int) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	var failed []queue.Task
	if failedLimit > 0 {
		if failed, err = q.Failed(ctx, failedLimit); err != nil {
			return fmt.Errorf("failed to list failed tasks: %w", err)
		}
	}

	if jsonOutput {
		body := map[string]any{"stats": stats}
		if failedLimit > 0 {
			body["failed"] = failed
		}
		return printJSON(out, body)
	}

	w := newTable(out, "PENDING", "PROCESSING", "DELAYED", "FAILED")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", stats.Pending, stats.Processing, stats.Delayed, stats.Failed)
	w.Flush()

	if failedLimit <= 0 {
		return nil
	}
	fmt.Fprintln(out)
	if len(failed) == 0 {
		fmt.Fprintln(out, "No failed tasks")
		return nil
	}
	w = newTable(out, "TASK", "TYPE", "FAILED AT", "ERROR")
	for _, t := range failed {
		at := "-"
		if t.FailedAt != nil {
			at = t.FailedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Type, at, truncate(t.LastError, 60))
	}
	return w.Flush()
}

func showPlan(ctx context.Context, out io.Writer, p *planner.Planner, intent models.Intent) error {
	plan, err := p.Plan(ctx, &intent)
	if err != nil {
		var planErr *planner.PlanError
		if errors.As(err, &planErr) {
			return fmt.Errorf("intent cannot be planned: %s", planErr.Reason)
		}
		return err
	}
	if jsonOutput {
		return printJSON(out, plan)
	}

	fmt.Fprintf(out, "Plan %s: %s, %s, ~%s\n\n", plan.ID, plan.Complexity, plan.Mode(), plan.EstimatedTime)
	w := newTable(out, "STEP", "SOURCE", "TOOL", "REQUIRED", "DEPENDS ON")
	for _, step := range plan.Steps {
		deps := "-"
		if len(step.DependsOn) > 0 {
			deps = fmt.Sprint(step.DependsOn)
		}
		for _, call := range step.ToolCalls {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", step.ID, step.DataSource, call.ToolName, step.Required, deps)
		}
	}
	return w.Flush()
}
