package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/queue"
	"github.com/syntor/querybot/pkg/resilience"
)

func fastQueue(maxRetries int) *queue.MemoryQueue {
	return queue.NewMemoryQueue(queue.Config{
		Backoff:    resilience.ConstantBackoff(time.Millisecond),
		MaxRetries: maxRetries,
	})
}

func fastConfig() Config {
	return Config{
		Concurrency:   2,
		PollTimeout:   20 * time.Millisecond,
		TaskTimeout:   time.Second,
		StatsInterval: 10 * time.Millisecond,
		ErrorBackoff:  5 * time.Millisecond,
	}
}

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
}

func waitForResult(t *testing.T, q queue.Queue, id string) *queue.TaskResult {
	t.Helper()
	var res *queue.TaskResult
	require.Eventually(t, func() bool {
		r, err := q.Result(context.Background(), id)
		res = r
		return err == nil && r != nil
	}, 2*time.Second, 5*time.Millisecond)
	return res
}

type abandonRecorder struct {
	HandlerFunc
	mu        sync.Mutex
	abandoned []error
}

func (a *abandonRecorder) Abandon(ctx context.Context, task *queue.Task, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandoned = append(a.abandoned, err)
}

func (a *abandonRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.abandoned)
}

func TestProcessorCompletesTasks(t *testing.T) {
	q := fastQueue(3)
	collector := metrics.NewPrometheusCollector()
	require.NoError(t, collector.RegisterStandardMetrics())

	p := NewProcessor(q, fastConfig(), nil, collector)
	p.RegisterHandler("echo", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) {
		return map[string]any{"echo": task.Payload["msg"]}, nil
	}))
	startProcessor(t, p)

	id, err := q.Enqueue(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)

	res := waitForResult(t, q, id)
	var out map[string]string
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "hi", out["echo"])

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Processing)
	assert.Eventually(t, func() bool { return p.ActiveTaskCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProcessorRetriesThenAbandons(t *testing.T) {
	q := fastQueue(2)
	var calls atomic.Int32
	handler := &abandonRecorder{HandlerFunc: func(ctx context.Context, task *queue.Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("tool server down")
	}}

	p := NewProcessor(q, fastConfig(), nil, nil)
	p.RegisterHandler("flaky", handler)
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), "flaky", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return handler.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	failed, err := q.Failed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "tool server down", failed[0].LastError)
	assert.EqualError(t, handler.abandoned[0], "tool server down")
}

func TestProcessorRecoversFromPanics(t *testing.T) {
	q := fastQueue(1)
	var calls atomic.Int32
	p := NewProcessor(q, fastConfig(), nil, nil)
	p.RegisterHandler("fragile", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return "ok", nil
	}))
	startProcessor(t, p)

	id, err := q.Enqueue(context.Background(), "fragile", nil)
	require.NoError(t, err)

	res := waitForResult(t, q, id)
	var out string
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessorFailsUnknownTaskTypes(t *testing.T) {
	q := fastQueue(3)
	p := NewProcessor(q, fastConfig(), nil, nil)
	p.RegisterHandler("known", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) {
		return nil, nil
	}))
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), "mystery", nil, queue.WithMaxRetries(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, _ := q.Failed(context.Background(), 10)
		return len(failed) == 1 && failed[0].LastError == "no handler for task type: mystery"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessorTaskTimeout(t *testing.T) {
	q := fastQueue(1)
	config := fastConfig()
	config.TaskTimeout = 30 * time.Millisecond

	p := NewProcessor(q, config, nil, nil)
	p.RegisterHandler("slow", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), "slow", nil, queue.WithMaxRetries(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		failed, _ := q.Failed(context.Background(), 10)
		return len(failed) == 1 && failed[0].LastError == context.DeadlineExceeded.Error()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessorStopWaitsForInflightTasks(t *testing.T) {
	q := fastQueue(3)
	started := make(chan struct{})
	release := make(chan struct{})

	p := NewProcessor(q, fastConfig(), nil, nil)
	p.RegisterHandler("wait", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) {
		close(started)
		<-release
		return "done", nil
	}))
	require.NoError(t, p.Start(context.Background()))

	id, err := q.Enqueue(context.Background(), "wait", nil)
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	res, err := q.Result(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestProcessorStopDeadlineCancelsTasks(t *testing.T) {
	q := fastQueue(3)
	started := make(chan struct{})

	p := NewProcessor(q, fastConfig(), nil, nil)
	p.RegisterHandler("stuck", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, p.Start(context.Background()))

	_, err := q.Enqueue(context.Background(), "stuck", nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	// the cancelled task went back through the retry path
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestProcessorStartValidation(t *testing.T) {
	p := NewProcessor(fastQueue(1), fastConfig(), nil, nil)
	assert.Error(t, p.Start(context.Background()), "no handlers")

	p.RegisterHandler("x", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) { return nil, nil }))
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "already running")
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}

func TestProcessorExitsWhenQueueCloses(t *testing.T) {
	q := fastQueue(1)
	p := NewProcessor(q, fastConfig(), nil, nil)
	p.RegisterHandler("x", HandlerFunc(func(ctx context.Context, task *queue.Task) (any, error) { return nil, nil }))
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, q.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, p.Stop(ctx))
}
