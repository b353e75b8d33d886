package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/queue"
)

const bookkeepingTimeout = 10 * time.Second

// Handler executes one task type. The returned value is stored as the task
// result; an error sends the task back through the retry budget.
type Handler interface {
	Handle(ctx context.Context, task *queue.Task) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *queue.Task) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, task *queue.Task) (any, error) {
	return f(ctx, task)
}

// Abandoner is implemented by handlers that want to know when a task has
// used up its retries.
type Abandoner interface {
	Abandon(ctx context.Context, task *queue.Task, err error)
}

// TaskExecution tracks an executing task
type TaskExecution struct {
	Task      *queue.Task
	StartTime time.Time
	Cancel    context.CancelFunc
}

// Config holds configuration for the Processor
type Config struct {
	Concurrency   int
	PollTimeout   time.Duration
	TaskTimeout   time.Duration
	StatsInterval time.Duration
	ErrorBackoff  time.Duration
}

// DefaultConfig returns default processor configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:   10,
		PollTimeout:   5 * time.Second,
		TaskTimeout:   5 * time.Minute,
		StatsInterval: 15 * time.Second,
		ErrorBackoff:  time.Second,
	}
}

// Processor pulls tasks off a queue and dispatches them to handlers
type Processor struct {
	queue   queue.Queue
	config  Config
	logger  logging.Logger
	metrics metrics.Collector

	handlers    map[string]Handler
	activeTasks map[string]*TaskExecution
	tasksMu     sync.RWMutex

	// Lifecycle
	loopCtx    context.Context
	stopLoops  context.CancelFunc
	taskCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

// NewProcessor creates a processor. Zero config fields take defaults.
func NewProcessor(q queue.Queue, config Config, logger logging.Logger, collector metrics.Collector) *Processor {
	d := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = d.Concurrency
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = d.PollTimeout
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = d.TaskTimeout
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = d.StatsInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = d.ErrorBackoff
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}

	return &Processor{
		queue:       q,
		config:      config,
		logger:      logger.With(logging.String("component", "worker")),
		metrics:     collector,
		handlers:    make(map[string]Handler),
		activeTasks: make(map[string]*TaskExecution),
	}
}

// RegisterHandler registers a handler for a specific task type
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	p.handlers[taskType] = handler
}

// TaskTypes lists the registered task types
func (p *Processor) TaskTypes() []string {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

// Start launches Concurrency processing loops and the stats loop. The loops
// run until Stop or until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()

	if p.running {
		return errors.New("processor already running")
	}
	if len(p.handlers) == 0 {
		return errors.New("no task handlers registered")
	}

	p.loopCtx, p.stopLoops = context.WithCancel(ctx)
	// in-flight tasks outlive the loops until Stop gives up on them
	p.taskCtx, p.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	p.running = true

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(i)
	}
	p.wg.Add(1)
	go p.runStats()

	p.logger.Info("Task processor started",
		logging.Int("concurrency", p.config.Concurrency),
		logging.Duration("poll_timeout", p.config.PollTimeout),
	)
	return nil
}

// Stop stops taking new tasks and waits for in-flight ones. When ctx ends
// first the remaining tasks are cancelled.
func (p *Processor) Stop(ctx context.Context) error {
	p.tasksMu.Lock()
	if !p.running {
		p.tasksMu.Unlock()
		return nil
	}
	p.running = false
	p.tasksMu.Unlock()

	p.stopLoops()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Shutdown deadline reached, cancelling active tasks",
			logging.Int("active_tasks", p.ActiveTaskCount()))
		p.cancelWork()
		<-done
		err = ctx.Err()
	}
	p.cancelWork()

	p.logger.Info("Task processor stopped")
	return err
}

func (p *Processor) runLoop(id int) {
	defer p.wg.Done()
	logger := p.logger.With(logging.Int("loop", id))

	for {
		if p.loopCtx.Err() != nil {
			return
		}

		task, err := p.queue.Dequeue(p.loopCtx, p.config.PollTimeout)
		if err != nil {
			if p.loopCtx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.Error("Dequeue failed", logging.Err(err))
			p.pause()
			continue
		}
		if task == nil {
			continue
		}

		p.process(task)
	}
}

func (p *Processor) pause() {
	select {
	case <-p.loopCtx.Done():
	case <-time.After(p.config.ErrorBackoff):
	}
}

// process runs one task to completion and records the outcome in the queue
func (p *Processor) process(task *queue.Task) {
	ctx, cancel := context.WithTimeout(p.taskCtx, p.config.TaskTimeout)
	defer cancel()
	ctx = logging.WithTaskID(ctx, task.ID)
	logger := p.logger.WithContext(ctx).With(logging.String("task_type", task.Type))

	p.tasksMu.Lock()
	handler, ok := p.handlers[task.Type]
	exec := &TaskExecution{Task: task, StartTime: time.Now(), Cancel: cancel}
	p.activeTasks[task.ID] = exec
	p.tasksMu.Unlock()

	defer func() {
		p.tasksMu.Lock()
		delete(p.activeTasks, task.ID)
		p.tasksMu.Unlock()
	}()

	labels := metrics.Labels("task_type", task.Type)
	defer p.metrics.ObserveDuration(metrics.TaskDuration.Name, exec.StartTime, labels)

	if !ok {
		p.fail(ctx, task, nil, fmt.Errorf("no handler for task type: %s", task.Type))
		return
	}

	logger.Info("Processing task", logging.Int("retries_left", task.RetriesLeft))
	result, err := p.invoke(ctx, handler, task)
	if err != nil {
		p.fail(ctx, task, handler, err)
		return
	}

	bctx, bcancel := detach(ctx)
	defer bcancel()
	if err := p.queue.Complete(bctx, task.ID, result); err != nil {
		logger.Error("Failed to complete task", logging.Err(err))
		return
	}
	p.metrics.IncrementCounter(metrics.TasksProcessed.Name, metrics.Labels("task_type", task.Type, "status", "completed"))
	logger.Info("Task completed", logging.Duration("duration", time.Since(exec.StartTime)))
}

// invoke calls the handler and turns a panic into an error
func (p *Processor) invoke(ctx context.Context, handler Handler, task *queue.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).Error("Task handler panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, task)
}

func (p *Processor) fail(ctx context.Context, task *queue.Task, handler Handler, cause error) {
	logger := p.logger.WithContext(ctx)
	ctx, cancel := detach(ctx)
	defer cancel()

	res, err := p.queue.Fail(ctx, task.ID, cause.Error())
	if err != nil {
		logger.Error("Failed to record task failure", logging.Err(err), logging.String("cause", cause.Error()))
		return
	}

	if res.Outcome == queue.FailRetrying {
		p.metrics.IncrementCounter(metrics.TasksProcessed.Name, metrics.Labels("task_type", task.Type, "status", "retrying"))
		logger.Warn("Task failed, retry scheduled",
			logging.Err(cause),
			logging.Int("retries_left", res.RetriesLeft),
			logging.Duration("delay", res.Delay),
		)
		return
	}

	p.metrics.IncrementCounter(metrics.TasksProcessed.Name, metrics.Labels("task_type", task.Type, "status", "failed"))
	logger.Error("Task failed permanently", logging.Err(cause))
	if a, ok := handler.(Abandoner); ok {
		a.Abandon(ctx, task, cause)
	}
}

// detach keeps ctx values but survives task timeout and shutdown so the
// queue bookkeeping still happens.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func (p *Processor) runStats() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.StatsInterval)
	defer ticker.Stop()

	p.reportDepth()
	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C:
			p.reportDepth()
		}
	}
}

func (p *Processor) reportDepth() {
	stats, err := p.queue.Stats(p.loopCtx)
	if err != nil {
		if p.loopCtx.Err() == nil {
			p.logger.Warn("Failed to read queue stats", logging.Err(err))
		}
		return
	}

	name := metrics.QueueDepth.Name
	p.metrics.SetGauge(name, float64(stats.Pending), metrics.Labels("queue", "tasks", "state", "pending"))
	p.metrics.SetGauge(name, float64(stats.Processing), metrics.Labels("queue", "tasks", "state", "processing"))
	p.metrics.SetGauge(name, float64(stats.Delayed), metrics.Labels("queue", "tasks", "state", "delayed"))
	p.metrics.SetGauge(name, float64(stats.Failed), metrics.Labels("queue", "tasks", "state", "failed"))
}

// CancelTask cancels an active task. The task goes through the normal
// failure path.
func (p *Processor) CancelTask(taskID string) error {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()

	exec, ok := p.activeTasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	exec.Cancel()
	return nil
}

// ActiveTaskCount returns the number of currently executing tasks
func (p *Processor) ActiveTaskCount() int {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	return len(p.activeTasks)
}
