package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/models"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL         string // redis://[:password@]host:port/db, takes precedence over Addr
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisQueue implements Queue on top of Redis.
//
// Task records are stored as JSON in a hash keyed by task id. The ready and
// processing lists and the delayed sorted set hold ids only, so moving a
// task between them never rewrites the record.
type RedisQueue struct {
	client redis.UniversalClient
	config Config
	logger logging.Logger

	readyKey      string
	processingKey string
	delayedKey    string
	tasksKey      string
	failedKey     string
}

// NewRedisQueue creates a queue using an existing client
func NewRedisQueue(client redis.UniversalClient, config Config, logger logging.Logger) *RedisQueue {
	config = config.withDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	return &RedisQueue{
		client:        client,
		config:        config,
		logger:        logger.With(logging.String("queue", config.Name)),
		readyKey:      config.Name,
		processingKey: config.Name + ":processing",
		delayedKey:    config.Name + ":delayed",
		tasksKey:      config.Name + ":tasks",
		failedKey:     config.Name + ":failed",
	}
}

func (q *RedisQueue) resultKey(taskID string) string {
	return q.config.Name + ":result:" + taskID
}

// Enqueue stores a new task and returns its id
func (q *RedisQueue) Enqueue(ctx context.Context, taskType string, payload map[string]any, opts ...EnqueueOption) (string, error) {
	task, err := newTask(q.config, taskType, payload, opts)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey, task.ID, data)
		switch {
		case task.Status == models.TaskDelayed:
			pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: scoreOf(task.ScheduledAt), Member: task.ID})
		case task.jumpsLine():
			pipe.RPush(ctx, q.readyKey, task.ID)
		default:
			pipe.LPush(ctx, q.readyKey, task.ID)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Debug("Task enqueued",
		logging.String("task_id", task.ID),
		logging.String("task_type", task.Type),
		logging.Int("priority", int(task.Priority)),
		logging.Time("scheduled_at", task.ScheduledAt),
	)

	return task.ID, nil
}

// Dequeue promotes due delayed tasks and then waits up to timeout for a
// ready task, moving it to processing atomically.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	if _, err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	var (
		id  string
		err error
	)
	if timeout > 0 {
		id, err = q.client.BRPopLPush(ctx, q.readyKey, q.processingKey, timeout).Result()
	} else {
		id, err = q.client.RPopLPush(ctx, q.readyKey, q.processingKey).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}

	task, err := q.loadTask(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		// record vanished, drop the dangling id
		q.client.LRem(ctx, q.processingKey, 1, id)
		q.logger.Warn("Dropped task without record", logging.String("task_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskProcessing
	if err := q.saveTask(ctx, task); err != nil {
		return nil, err
	}

	return task, nil
}

// promoteDelayed moves every delayed task whose time has come onto the
// ready list. Each id is claimed with ZREM so concurrent callers never
// promote the same task twice.
func (q *RedisQueue) promoteDelayed(ctx context.Context) (int, error) {
	now := q.config.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(scoreOf(now), 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed tasks: %w", err)
	}

	moved := 0
	for _, id := range ids {
		claimed, err := q.client.ZRem(ctx, q.delayedKey, id).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to claim delayed task: %w", err)
		}
		if claimed == 0 {
			continue
		}

		task, err := q.loadTask(ctx, id)
		if err != nil {
			q.logger.Warn("Skipping delayed task", logging.String("task_id", id), logging.Err(err))
			continue
		}
		task.Status = models.TaskPending

		data, err := json.Marshal(task)
		if err != nil {
			return moved, fmt.Errorf("failed to marshal task: %w", err)
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.tasksKey, id, data)
			if task.jumpsLine() {
				pipe.RPush(ctx, q.readyKey, id)
			} else {
				pipe.LPush(ctx, q.readyKey, id)
			}
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("failed to promote delayed task: %w", err)
		}
		moved++
	}

	if moved > 0 {
		q.logger.Info("Moved delayed tasks to queue", logging.Int("count", moved))
	}
	return moved, nil
}

// Complete removes a processing task and stores its result
func (q *RedisQueue) Complete(ctx context.Context, taskID string, result any) error {
	if err := q.releaseProcessing(ctx, taskID); err != nil {
		return err
	}

	var encoded []byte
	if result != nil {
		var err error
		encoded, err = encodeResult(taskID, result, q.config.Now())
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.tasksKey, taskID)
		if encoded != nil {
			pipe.Set(ctx, q.resultKey(taskID), encoded, q.config.ResultTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}

	return nil
}

// Fail removes a processing task and either reschedules it or moves it to
// the failed list once its retry budget is spent
func (q *RedisQueue) Fail(ctx context.Context, taskID string, reason string) (FailResult, error) {
	if err := q.releaseProcessing(ctx, taskID); err != nil {
		return FailResult{}, err
	}

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return FailResult{}, err
	}

	res := applyFailure(q.config, task, reason)

	data, err := json.Marshal(task)
	if err != nil {
		return FailResult{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if res.Outcome == FailRetrying {
			pipe.HSet(ctx, q.tasksKey, taskID, data)
			pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: scoreOf(task.ScheduledAt), Member: taskID})
			return nil
		}
		pipe.HDel(ctx, q.tasksKey, taskID)
		pipe.LPush(ctx, q.failedKey, data)
		return nil
	})
	if err != nil {
		return FailResult{}, fmt.Errorf("failed to record task failure: %w", err)
	}

	if res.Outcome == FailRetrying {
		q.logger.Warn("Task failed, retrying",
			logging.String("task_id", taskID),
			logging.Int("retries_left", res.RetriesLeft),
			logging.Duration("delay", res.Delay),
			logging.String("reason", reason),
		)
	} else {
		q.logger.Error("Task permanently failed",
			logging.String("task_id", taskID),
			logging.String("reason", reason),
		)
	}

	return res, nil
}

// Result returns the stored result of a completed task, or nil if none is
// stored or it has expired
func (q *RedisQueue) Result(ctx context.Context, taskID string) (*TaskResult, error) {
	raw, err := q.client.Get(ctx, q.resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result for task %s: %w", taskID, err)
	}

	var res TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result for task %s: %w", taskID, err)
	}
	return &res, nil
}

// Stats returns the size of each queue collection
func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.readyKey)
	processing := pipe.LLen(ctx, q.processingKey)
	failed := pipe.LLen(ctx, q.failedKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}

	return models.QueueStats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
		Delayed:    delayed.Val(),
	}, nil
}

// Failed lists up to limit permanently failed tasks, newest first
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}

	raws, err := q.client.LRange(ctx, q.failedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed tasks: %w", err)
	}

	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Close releases the underlying client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) releaseProcessing(ctx context.Context, taskID string) error {
	removed, err := q.client.LRem(ctx, q.processingKey, 1, taskID).Result()
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", taskID, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

func (q *RedisQueue) loadTask(ctx context.Context, taskID string) (*Task, error) {
	raw, err := q.client.HGet(ctx, q.tasksKey, taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	return &task, nil
}

func (q *RedisQueue) saveTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := q.client.HSet(ctx, q.tasksKey, task.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}
