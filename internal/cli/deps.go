package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/syntor/querybot/pkg/config"
	"github.com/syntor/querybot/pkg/export"
	"github.com/syntor/querybot/pkg/kafka"
	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/mcpclient"
	"github.com/syntor/querybot/pkg/metrics"
	"github.com/syntor/querybot/pkg/models"
	"github.com/syntor/querybot/pkg/queue"
	"github.com/syntor/querybot/pkg/resilience"
)

const megabyte = 1024 * 1024

// queueConfig maps queue settings onto the backend config
func queueConfig(cfg *config.SystemConfig) queue.Config {
	qc := queue.DefaultConfig()
	if cfg.Queue.Name != "" {
		qc.Name = cfg.Queue.Name
	}
	if cfg.Queue.ResultTTL > 0 {
		qc.ResultTTL = cfg.Queue.ResultTTL
	}
	if cfg.Queue.BackoffUnit > 0 {
		qc.Backoff = resilience.QuadraticBackoff{Unit: cfg.Queue.BackoffUnit}
	}
	if cfg.Queue.MaxRetries > 0 {
		qc.MaxRetries = cfg.Queue.MaxRetries
	}
	return qc
}

// openQueue connects to Redis when a URL is configured and falls back to
// the in-process queue otherwise.
func openQueue(cfg *config.SystemConfig, logger logging.Logger) (queue.Queue, error) {
	if cfg.Redis.URL == "" {
		logger.Warn("No Redis URL configured, using in-memory queue")
		return queue.NewMemoryQueue(queueConfig(cfg)), nil
	}

	client, err := queue.NewRedisClient(queue.RedisConfig{
		URL:         cfg.Redis.URL,
		Password:    cfg.Redis.Password,
		PoolSize:    cfg.Redis.MaxConnections,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return queue.NewRedisQueue(client, queueConfig(cfg), logger), nil
}

// toolClientConfig maps tool server settings onto the client config
func toolClientConfig(cfg *config.SystemConfig) mcpclient.Config {
	mc := mcpclient.DefaultConfig(cfg.ToolServer.URL)
	mc.Timeout = cfg.ToolServer.Timeout
	mc.MaxRetries = cfg.ToolServer.MaxRetries
	mc.RetryDelay = cfg.ToolServer.RetryDelay
	mc.MaxConnections = cfg.ToolServer.MaxConnections
	mc.RateLimit = cfg.ToolServer.RateLimit
	mc.UserAgent = "querybot/" + Version
	return mc
}

// newBreaker creates the process-wide tool server breaker and mirrors its
// state into the breaker gauge.
func newBreaker(cfg *config.SystemConfig, logger logging.Logger, collector metrics.Collector) *resilience.CircuitBreaker {
	bc := mcpclient.BreakerConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	labels := metrics.Labels("breaker", bc.Name)
	bc.OnStateChange = func(from, to models.CircuitState) {
		collector.SetGauge(metrics.CircuitBreakerState.Name, to.Value(), labels)
		logger.Warn("Circuit breaker state changed",
			logging.String("breaker", bc.Name),
			logging.String("from", string(from)),
			logging.String("to", string(to)),
		)
	}
	collector.SetGauge(metrics.CircuitBreakerState.Name, models.CircuitClosed.Value(), labels)
	return resilience.NewCircuitBreaker(bc)
}

// exportConfig maps export settings onto the writer config
func exportConfig(cfg *config.SystemConfig) export.Config {
	return export.Config{
		Dir:          cfg.Export.Directory,
		MaxBytes:     int64(cfg.Export.MaxFileSizeMB) * megabyte,
		CleanupAfter: cfg.Export.CleanupAfter,
	}
}

// busConfig maps kafka settings onto the bus config
func busConfig(cfg *config.SystemConfig) kafka.BusConfig {
	bc := kafka.BusConfig{
		Brokers:  cfg.Kafka.Brokers,
		Producer: kafka.DefaultProducerConfig(),
		Consumer: kafka.DefaultConsumerConfig(),
	}
	if cfg.Kafka.Compression != "" {
		bc.Producer.CompressionType = cfg.Kafka.Compression
	}
	if cfg.Kafka.Acks != "" {
		bc.Producer.Acks = cfg.Kafka.Acks
	}
	if cfg.Kafka.GroupID != "" {
		bc.Consumer.GroupID = cfg.Kafka.GroupID
	}
	return bc
}

// openPublisher connects the outcome bus when kafka is enabled. Topic
// creation failures are logged; the broker may auto-create topics.
func openPublisher(ctx context.Context, cfg *config.SystemConfig, logger logging.Logger) (kafka.Publisher, *kafka.Client, error) {
	if !cfg.Kafka.Enabled {
		logger.Info("Kafka disabled, query outcomes are not published")
		return kafka.NopPublisher{}, nil, nil
	}

	client := kafka.NewClient(busConfig(cfg), logger)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}

	topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.EnsureTopics(topicCtx, kafka.DefaultTopicConfig()); err != nil {
		logger.Warn("Failed to ensure outcome topics", logging.Err(err))
	}
	return client, client, nil
}
