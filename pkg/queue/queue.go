// Package queue provides a durable task queue with delayed scheduling and
// bounded retries.
//
// A task lives in exactly one collection at a time: ready, processing,
// delayed or failed. Completing a task removes it; its result, when given,
// is kept separately for ResultTTL.
//
// A worker that dies while holding a task leaves it in processing. Nothing
// in this package moves it back to ready.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/resilience"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrQueueClosed  = errors.New("queue closed")
	ErrEmptyType    = errors.New("task type is required")
)

const (
	DefaultName        = "querybot_tasks"
	DefaultResultTTL   = time.Hour
	DefaultBackoffUnit = 10 * time.Second
	DefaultMaxRetries  = 3
)

// Task is a unit of asynchronous work
type Task struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Payload     map[string]any      `json:"payload"`
	Priority    models.TaskPriority `json:"priority"`
	Status      models.TaskStatus   `json:"status"`
	RetriesLeft int                 `json:"retry_count"`
	MaxRetries  int                 `json:"max_retries"`
	CreatedAt   time.Time           `json:"created_at"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	LastError   string              `json:"last_error,omitempty"`
	FailedAt    *time.Time          `json:"failed_at,omitempty"`
}

// DecodePayload unmarshals the task payload into v
func (t *Task) DecodePayload(v any) error {
	data, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// TaskResult is the stored outcome of a completed task
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	Result      json.RawMessage `json:"result"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Decode unmarshals the stored result into v
func (r *TaskResult) Decode(v any) error {
	return json.Unmarshal(r.Result, v)
}

// FailOutcome reports what Fail did with a task
type FailOutcome string

const (
	FailRetrying  FailOutcome = "retrying"
	FailPermanent FailOutcome = "failed"
)

// FailResult describes the effect of a Fail call
type FailResult struct {
	Outcome     FailOutcome
	RetriesLeft int
	Delay       time.Duration
}

// Queue is the task queue contract shared by all backends
type Queue interface {
	Enqueue(ctx context.Context, taskType string, payload map[string]any, opts ...EnqueueOption) (string, error)
	// Dequeue returns nil, nil when no task became ready within timeout
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	Complete(ctx context.Context, taskID string, result any) error
	Fail(ctx context.Context, taskID string, reason string) (FailResult, error)
	Result(ctx context.Context, taskID string) (*TaskResult, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Failed(ctx context.Context, limit int) ([]Task, error)
	Close() error
}

// Config holds settings shared by the queue backends
type Config struct {
	Name       string
	ResultTTL  time.Duration
	Backoff    resilience.Backoff // delay for the nth retry, n counted from one
	MaxRetries int                // default budget, per-task budgets come from WithMaxRetries
	Now        func() time.Time
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Name:       DefaultName,
		ResultTTL:  DefaultResultTTL,
		Backoff:    resilience.QuadraticBackoff{Unit: DefaultBackoffUnit},
		MaxRetries: DefaultMaxRetries,
		Now:        time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.Backoff == nil {
		c.Backoff = d.Backoff
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

type enqueueOptions struct {
	priority   models.TaskPriority
	delay      time.Duration
	maxRetries int
}

// EnqueueOption customises a single Enqueue call
type EnqueueOption func(*enqueueOptions)

// WithPriority sets the task priority. High and critical tasks are served
// ahead of ordinary ready tasks.
func WithPriority(p models.TaskPriority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay holds the task back until delay has elapsed
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxRetries sets the retry budget of the task
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

func newTask(cfg Config, taskType string, payload map[string]any, opts []EnqueueOption) (*Task, error) {
	if taskType == "" {
		return nil, ErrEmptyType
	}

	o := enqueueOptions{priority: models.NormalPriority, maxRetries: cfg.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	now := cfg.Now().UTC()
	task := &Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     payload,
		Priority:    o.priority,
		Status:      models.TaskPending,
		RetriesLeft: o.maxRetries,
		MaxRetries:  o.maxRetries,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	if o.delay > 0 {
		task.Status = models.TaskDelayed
		task.ScheduledAt = now.Add(o.delay)
	}
	if task.Payload == nil {
		task.Payload = map[string]any{}
	}
	return task, nil
}

// jumpsLine reports whether a ready task is served before ordinary ones
func (t *Task) jumpsLine() bool {
	return t.Priority >= models.HighPriority
}

// applyFailure records reason on the task and decides between a delayed
// retry and permanent failure. The retry budget only ever decreases.
func applyFailure(cfg Config, task *Task, reason string) FailResult {
	now := cfg.Now().UTC()
	task.LastError = reason

	if task.RetriesLeft > 0 {
		task.RetriesLeft--
		attempt := task.MaxRetries - task.RetriesLeft
		delay := cfg.Backoff.Delay(attempt)
		task.Status = models.TaskDelayed
		task.ScheduledAt = now.Add(delay)
		return FailResult{Outcome: FailRetrying, RetriesLeft: task.RetriesLeft, Delay: delay}
	}

	task.Status = models.TaskFailed
	task.FailedAt = &now
	return FailResult{Outcome: FailPermanent}
}

func encodeResult(taskID string, result any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(TaskResult{TaskID: taskID, Result: raw, CompletedAt: now.UTC()})
}

// scoreOf converts a scheduled time into a delayed-set score
func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}
