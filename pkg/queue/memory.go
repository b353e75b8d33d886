package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntor/querybot/pkg/models"
)

type storedResult struct {
	data      []byte
	expiresAt time.Time
}

// MemoryQueue implements Queue in process memory. It is used for local
// runs without Redis and in tests.
type MemoryQueue struct {
	config Config

	mu         sync.Mutex
	tasks      map[string]*Task
	ready      []string
	processing map[string]struct{}
	delayed    map[string]time.Time
	failed     []Task
	results    map[string]storedResult
	closed     bool

	// closed and replaced whenever a task becomes ready
	wake chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(config Config) *MemoryQueue {
	return &MemoryQueue{
		config:     config.withDefaults(),
		tasks:      make(map[string]*Task),
		processing: make(map[string]struct{}),
		delayed:    make(map[string]time.Time),
		results:    make(map[string]storedResult),
		wake:       make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, taskType string, payload map[string]any, opts ...EnqueueOption) (string, error) {
	task, err := newTask(q.config, taskType, payload, opts)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	q.tasks[task.ID] = task
	if task.Status == models.TaskDelayed {
		q.delayed[task.ID] = task.ScheduledAt
		q.signalLocked()
		return task.ID, nil
	}

	q.pushReadyLocked(task)
	return task.ID, nil
}

func (q *MemoryQueue) pushReadyLocked(task *Task) {
	task.Status = models.TaskPending
	if task.jumpsLine() {
		q.ready = append([]string{task.ID}, q.ready...)
	} else {
		q.ready = append(q.ready, task.ID)
	}
	q.signalLocked()
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemoryQueue) promoteLocked() {
	now := q.config.Now()
	due := make([]string, 0)
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	// oldest schedule first so promotion order is stable
	sort.Slice(due, func(i, j int) bool {
		return q.delayed[due[i]].Before(q.delayed[due[j]])
	})
	for _, id := range due {
		delete(q.delayed, id)
		if task, ok := q.tasks[id]; ok {
			q.pushReadyLocked(task)
		}
	}
}

// nextDueLocked returns how long until the earliest delayed task is due
func (q *MemoryQueue) nextDueLocked() (time.Duration, bool) {
	if len(q.delayed) == 0 {
		return 0, false
	}
	var earliest time.Time
	for _, at := range q.delayed {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest.Sub(q.config.Now()), true
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		q.promoteLocked()
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			q.processing[id] = struct{}{}
			task := q.tasks[id]
			task.Status = models.TaskProcessing
			out := *task
			q.mu.Unlock()
			return &out, nil
		}

		wake := q.wake
		next, hasDelayed := q.nextDueLocked()
		q.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}

		var due <-chan time.Time
		var dueTimer *time.Timer
		if hasDelayed {
			if next < time.Millisecond {
				next = time.Millisecond
			}
			dueTimer = time.NewTimer(next)
			due = dueTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(dueTimer)
			return nil, ctx.Err()
		case <-deadline:
			stopTimer(dueTimer)
			return nil, nil
		case <-wake:
		case <-due:
		}
		stopTimer(dueTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string, result any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(q.processing, taskID)
	delete(q.tasks, taskID)

	if result != nil {
		now := q.config.Now()
		data, err := encodeResult(taskID, result, now)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		q.results[taskID] = storedResult{data: data, expiresAt: now.Add(q.config.ResultTTL)}
	}
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, reason string) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[taskID]; !ok {
		return FailResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(q.processing, taskID)

	task := q.tasks[taskID]
	res := applyFailure(q.config, task, reason)
	if res.Outcome == FailRetrying {
		q.delayed[taskID] = task.ScheduledAt
		q.signalLocked()
		return res, nil
	}

	delete(q.tasks, taskID)
	q.failed = append([]Task{*task}, q.failed...)
	return res, nil
}

func (q *MemoryQueue) Result(ctx context.Context, taskID string) (*TaskResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.results[taskID]
	if !ok {
		return nil, nil
	}
	if !q.config.Now().Before(stored.expiresAt) {
		delete(q.results, taskID)
		return nil, nil
	}

	var res TaskResult
	if err := json.Unmarshal(stored.data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return models.QueueStats{
		Pending:    int64(len(q.ready)),
		Processing: int64(len(q.processing)),
		Failed:     int64(len(q.failed)),
		Delayed:    int64(len(q.delayed)),
	}, nil
}

func (q *MemoryQueue) Failed(ctx context.Context, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.failed) {
		limit = len(q.failed)
	}
	out := make([]Task, limit)
	copy(out, q.failed[:limit])
	return out, nil
}

// Close wakes blocked consumers; later calls return ErrQueueClosed
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}
