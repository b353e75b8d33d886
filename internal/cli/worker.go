package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/syntor/querybot/internal/admin"
	"github.com/syntor/querybot/internal/worker"
	"github.com/syntor/querybot/pkg/config"
	"github.com/syntor/querybot/pkg/export"
	"github.com/syntor/querybot/pkg/kafka"
	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/mcpclient"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/planner"
	"github.com/syntor/querybot/pkg/queue"
	"github.com/syntor/querybot/pkg/resilience"
	"github.com/syntor/querybot/pkg/retrieval"
)

var workerConcurrency int

// workerCmd runs the query worker
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a query worker",
	Long: `Run a worker that takes process_query tasks off the queue.

Each query is planned against the data source catalog, retrieved from the
remote tool server behind a circuit breaker, consolidated into a CSV
export and announced on the outcome topics.

The worker serves /health, /health/ready, /health/live, /status and
/metrics on the health check port until SIGINT or SIGTERM.

Examples:
  querybot worker
  querybot worker --concurrency 4 --config querybot.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerConcurrency > 0 {
			querybotConfig.Worker.Concurrency = workerConcurrency
		}

		logger, err := newLogger(querybotConfig)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := buildWorker(ctx, querybotConfig, logger)
		if err != nil {
			return err
		}
		defer rt.close()

		return rt.run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "override worker.concurrency")
}

// workerRuntime holds the components of one worker process
type workerRuntime struct {
	config    *config.SystemConfig
	logger    logging.Logger
	metrics   *metrics.PrometheusCollector
	queue     queue.Queue
	tools     *mcpclient.Client
	breaker   *resilience.CircuitBreaker
	catalog   *planner.CatalogStore
	exporter  *export.CSVWriter
	publisher kafka.Publisher
	bus       *kafka.Client
	processor *worker.Processor
	servers   []*admin.Server
	closers   []func()
}

// buildWorker wires the pipeline. On error everything opened so far is
// closed again.
func buildWorker(ctx context.Context, cfg *config.SystemConfig, logger logging.Logger) (*workerRuntime, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	rt := &workerRuntime{config: cfg, logger: logger}
	if err := rt.build(ctx); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *workerRuntime) build(ctx context.Context) (err error) {
	cfg, logger := rt.config, rt.logger

	rt.metrics = metrics.NewPrometheusCollector()
	if err := rt.metrics.RegisterStandardMetrics(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	if rt.queue, err = openQueue(cfg, logger); err != nil {
		return err
	}
	rt.onClose(func() { closeQuietly(rt.queue) })

	rt.tools = mcpclient.NewClient(toolClientConfig(cfg), logger, rt.metrics)
	rt.onClose(func() { closeQuietly(rt.tools) })
	rt.breaker = newBreaker(cfg, logger, rt.metrics)

	if rt.catalog, err = planner.NewCatalogStore(cfg.Catalog.Path, logger); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	rt.onClose(func() { closeQuietly(rt.catalog) })
	if cfg.Catalog.Watch {
		if err := rt.catalog.StartWatching(ctx); err != nil {
			return err
		}
	}

	if rt.exporter, err = export.NewCSVWriter(exportConfig(cfg), logger, rt.metrics); err != nil {
		return err
	}
	rt.onClose(func() { closeQuietly(rt.exporter) })
	if cfg.Export.SweepSchedule != "" {
		stopSweep, err := rt.exporter.StartSweeper(cfg.Export.SweepSchedule)
		if err != nil {
			return err
		}
		rt.onClose(stopSweep)
	}

	if rt.publisher, rt.bus, err = openPublisher(ctx, cfg, logger); err != nil {
		return err
	}
	rt.onClose(func() { closeQuietly(rt.publisher) })

	handler := worker.NewQueryHandler(worker.QueryHandlerConfig{
		Planner:   planner.New(rt.catalog, planner.WithLogger(logger), planner.WithMetrics(rt.metrics)),
		Retriever: retrieval.NewExecutor(mcpclient.NewGuardedCaller(rt.tools, rt.breaker), logger, rt.metrics),
		Exporter:  rt.exporter,
		Publisher: rt.publisher,
	}, logger, rt.metrics)

	rt.processor = worker.NewProcessor(rt.queue, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		PollTimeout:   cfg.Worker.PollTimeout,
		TaskTimeout:   cfg.Worker.TaskTimeout,
		StatsInterval: cfg.Worker.StatsInterval,
		ErrorBackoff:  cfg.Worker.ErrorBackoff,
	}, logger, rt.metrics)
	rt.processor.RegisterHandler(worker.TaskProcessQuery, handler)

	rt.servers = rt.adminServers()
	return nil
}

func (rt *workerRuntime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close releases components in reverse order of creation
func (rt *workerRuntime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// healthChecker probes every dependency the pipeline needs
func (rt *workerRuntime) healthChecker() *admin.HealthChecker {
	hc := admin.NewHealthChecker(rt.config.ToolServer.Timeout)
	hc.RegisterCheck("queue", func(ctx context.Context) error {
		_, err := rt.queue.Stats(ctx)
		return err
	})
	hc.RegisterCheck("mcp_server", func(ctx context.Context) error {
		_, err := rt.tools.CheckHealth(ctx)
		return err
	})
	hc.RegisterCheck("storage", admin.StorageCheck(rt.exporter.Dir()))
	if rt.bus != nil {
		hc.RegisterCheck("kafka", func(context.Context) error {
			if h := rt.bus.Health(); h == models.HealthUnhealthy {
				return fmt.Errorf("kafka %s", h)
			}
			return nil
		})
	}
	return hc
}

// WorkerStatus is the body of the /status endpoint
type WorkerStatus struct {
	Queue       models.QueueStats              `json:"queue"`
	ActiveTasks int                            `json:"active_tasks"`
	TaskTypes   []string                       `json:"task_types"`
	Breaker     resilience.CircuitBreakerStats `json:"circuit_breaker"`
	Storage     export.StorageStats            `json:"storage"`
	DataSources []string                       `json:"data_sources"`
	Kafka       models.HealthStatus            `json:"kafka,omitempty"`
}

func (rt *workerRuntime) status(ctx context.Context) (any, error) {
	stats, err := rt.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	storage, err := rt.exporter.Stats()
	if err != nil {
		return nil, err
	}
	st := WorkerStatus{
		Queue:       stats,
		ActiveTasks: rt.processor.ActiveTaskCount(),
		TaskTypes:   rt.processor.TaskTypes(),
		Breaker:     rt.breaker.Stats(),
		Storage:     storage,
		DataSources: rt.catalog.Catalog().Names(),
	}
	if rt.bus != nil {
		st.Kafka = rt.bus.Health()
	}
	return st, nil
}

// adminServers serves health and status on the health check port and
// metrics there too, or on their own port when one is configured.
func (rt *workerRuntime) adminServers() []*admin.Server {
	cfg := rt.config
	base := admin.Config{
		Port:        cfg.Worker.HealthCheckPort,
		Version:     Version,
		Environment: cfg.System.Environment,
	}

	var metricsHandler http.Handler
	if cfg.Monitoring.MetricsEnabled {
		metricsHandler = rt.metrics.HTTPHandler()
	}

	hc := rt.healthChecker()
	if metricsHandler == nil || cfg.Monitoring.MetricsPort == cfg.Worker.HealthCheckPort {
		return []*admin.Server{admin.NewServer(base, hc, rt.status, metricsHandler, rt.logger)}
	}

	metricsOnly := base
	metricsOnly.Port = cfg.Monitoring.MetricsPort
	return []*admin.Server{
		admin.NewServer(base, hc, rt.status, nil, rt.logger),
		admin.NewServer(metricsOnly, nil, nil, metricsHandler, rt.logger),
	}
}

// run processes tasks until ctx ends, then drains in-flight work within
// the shutdown timeout.
func (rt *workerRuntime) run(ctx context.Context) error {
	if err := rt.processor.Start(ctx); err != nil {
		return err
	}
	rt.logger.Info("QueryBot worker started",
		logging.String("version", Version),
		logging.Int("concurrency", rt.config.Worker.Concurrency),
		logging.String("tool_server", rt.config.ToolServer.URL),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range rt.servers {
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("Shutting down worker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.config.System.ShutdownTimeout)
		defer cancel()
		if err := rt.processor.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("processor shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
