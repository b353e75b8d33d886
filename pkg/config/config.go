package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "QUERYBOT_"

// SystemConfig holds the complete system configuration
type SystemConfig struct {
	System     SystemSettings     `yaml:"system"`
	Redis      RedisSettings      `yaml:"redis"`
	Queue      QueueSettings      `yaml:"queue"`
	ToolServer ToolServerSettings `yaml:"tool_server"`
	Breaker    BreakerSettings    `yaml:"circuit_breaker"`
	Worker     WorkerSettings     `yaml:"worker"`
	Export     ExportSettings     `yaml:"export"`
	Kafka      KafkaSettings      `yaml:"kafka"`
	Catalog    CatalogSettings    `yaml:"catalog"`
	Monitoring MonitoringConfig   `yaml:"monitoring"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// SystemSettings holds general system settings
type SystemSettings struct {
	Environment     string        `yaml:"environment"` // development, staging, production, test
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisSettings selects the queue backend connection
type RedisSettings struct {
	URL            string        `yaml:"url"` // empty selects the in-memory queue
	Password       string        `yaml:"password"`
	MaxConnections int           `yaml:"max_connections"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// QueueSettings configures the task queue
type QueueSettings struct {
	Name        string        `yaml:"name"`
	ResultTTL   time.Duration `yaml:"result_ttl"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
	MaxRetries  int           `yaml:"max_retries"`
}

// ToolServerSettings configures the remote tool client
type ToolServerSettings struct {
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxConnections int           `yaml:"max_connections"`
	RateLimit      float64       `yaml:"rate_limit"` // calls per second, 0 disables
}

// BreakerSettings configures the circuit breaker around the tool server
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// WorkerSettings configures the queue processor
type WorkerSettings struct {
	Concurrency     int           `yaml:"concurrency"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	HealthCheckPort int           `yaml:"health_check_port"`
}

// ExportSettings configures CSV output files
type ExportSettings struct {
	Directory     string        `yaml:"directory"`
	MaxFileSizeMB int           `yaml:"max_file_size_mb"`
	CleanupAfter  time.Duration `yaml:"cleanup_after"`
	SweepSchedule string        `yaml:"sweep_schedule"` // cron spec for removing expired files
}

// KafkaSettings configures outcome publishing
type KafkaSettings struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	Compression string   `yaml:"compression"`
	Acks        string   `yaml:"acks"`
	GroupID     string   `yaml:"group_id"`
}

// CatalogSettings locates the data source mapping table
type CatalogSettings struct {
	Path  string `yaml:"path"` // empty uses the built-in table
	Watch bool   `yaml:"watch"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultSystemConfig returns default system configuration for local development
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		System: SystemSettings{
			Environment:     "development",
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisSettings{
			URL:            "redis://localhost:6379/0",
			MaxConnections: 10,
			DialTimeout:    5 * time.Second,
		},
		Queue: QueueSettings{
			Name:        "querybot_tasks",
			ResultTTL:   time.Hour,
			BackoffUnit: 10 * time.Second,
			MaxRetries:  3,
		},
		ToolServer: ToolServerSettings{
			URL:            "http://localhost:3000",
			Timeout:        30 * time.Second,
			MaxRetries:     5,
			RetryDelay:     time.Second,
			MaxConnections: 10,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Worker: WorkerSettings{
			Concurrency:     10,
			PollTimeout:     5 * time.Second,
			TaskTimeout:     5 * time.Minute,
			StatsInterval:   15 * time.Second,
			ErrorBackoff:    time.Second,
			HealthCheckPort: 8001,
		},
		Export: ExportSettings{
			Directory:     "/tmp/querybot_files",
			MaxFileSizeMB: 50,
			CleanupAfter:  time.Hour,
			SweepSchedule: "@every 15m",
		},
		Kafka: KafkaSettings{
			Brokers:     []string{"localhost:9092"},
			Compression: "snappy",
			Acks:        "all",
			GroupID:     "querybot-outcomes",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPort:    8001,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads .env files (if any), the YAML file at path (if non-empty) over
// the defaults, then applies environment overrides and validates the result
func Load(path string, envFiles ...string) (*SystemConfig, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	config := DefaultSystemConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from QUERYBOT_* environment variables
func (c *SystemConfig) ApplyEnv() {
	c.System.Environment = GetEnv(EnvPrefix+"ENVIRONMENT", c.System.Environment)

	c.Redis.URL = GetEnv(EnvPrefix+"REDIS_URL", c.Redis.URL)
	c.Redis.Password = GetEnv(EnvPrefix+"REDIS_PASSWORD", c.Redis.Password)
	c.Redis.MaxConnections = GetEnvInt(EnvPrefix+"REDIS_MAX_CONNECTIONS", c.Redis.MaxConnections)

	c.Queue.Name = GetEnv(EnvPrefix+"QUEUE_NAME", c.Queue.Name)
	c.Queue.MaxRetries = GetEnvInt(EnvPrefix+"QUEUE_MAX_RETRIES", c.Queue.MaxRetries)

	c.ToolServer.URL = GetEnv(EnvPrefix+"MCP_SERVER_URL", c.ToolServer.URL)
	c.ToolServer.Timeout = GetEnvDuration(EnvPrefix+"MCP_SERVER_TIMEOUT", c.ToolServer.Timeout)
	c.ToolServer.MaxRetries = GetEnvInt(EnvPrefix+"MCP_MAX_RETRIES", c.ToolServer.MaxRetries)

	c.Breaker.FailureThreshold = GetEnvInt(EnvPrefix+"BREAKER_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.RecoveryTimeout = GetEnvDuration(EnvPrefix+"BREAKER_RECOVERY", c.Breaker.RecoveryTimeout)

	c.Worker.Concurrency = GetEnvInt(EnvPrefix+"MAX_CONCURRENT_QUERIES", c.Worker.Concurrency)
	c.Worker.TaskTimeout = GetEnvDuration(EnvPrefix+"QUERY_TIMEOUT", c.Worker.TaskTimeout)
	c.Worker.HealthCheckPort = GetEnvInt(EnvPrefix+"HEALTH_CHECK_PORT", c.Worker.HealthCheckPort)

	c.Export.Directory = GetEnv(EnvPrefix+"TEMP_FILE_PATH", c.Export.Directory)
	c.Export.MaxFileSizeMB = GetEnvInt(EnvPrefix+"MAX_FILE_SIZE_MB", c.Export.MaxFileSizeMB)
	c.Export.CleanupAfter = GetEnvDuration(EnvPrefix+"FILE_CLEANUP", c.Export.CleanupAfter)
	c.Export.SweepSchedule = GetEnv(EnvPrefix+"FILE_SWEEP_SCHEDULE", c.Export.SweepSchedule)

	c.Kafka.Enabled = GetEnvBool(EnvPrefix+"KAFKA_ENABLED", c.Kafka.Enabled)
	if brokers := GetEnv(EnvPrefix+"KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}

	c.Catalog.Path = GetEnv(EnvPrefix+"CATALOG_PATH", c.Catalog.Path)
	c.Catalog.Watch = GetEnvBool(EnvPrefix+"CATALOG_WATCH", c.Catalog.Watch)

	c.Monitoring.MetricsEnabled = GetEnvBool(EnvPrefix+"METRICS_ENABLED", c.Monitoring.MetricsEnabled)
	c.Monitoring.MetricsPort = GetEnvInt(EnvPrefix+"METRICS_PORT", c.Monitoring.MetricsPort)

	c.Logging.Level = GetEnv(EnvPrefix+"LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv(EnvPrefix+"LOG_FORMAT", c.Logging.Format)
}

// Validate rejects settings the system cannot run with
func (c *SystemConfig) Validate() error {
	var errs []error

	switch strings.ToLower(c.System.Environment) {
	case "development", "staging", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("system.environment must be one of development, staging, production, test"))
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = append(errs, errors.New("redis.url must start with redis:// or rediss://"))
	}
	if c.Redis.MaxConnections < 1 || c.Redis.MaxConnections > 100 {
		errs = append(errs, errors.New("redis.max_connections must be within 1..100"))
	}

	if c.ToolServer.URL == "" {
		errs = append(errs, errors.New("tool_server.url is required"))
	}
	if c.ToolServer.Timeout < 5*time.Second || c.ToolServer.Timeout > 300*time.Second {
		errs = append(errs, errors.New("tool_server.timeout must be within 5s..300s"))
	}
	if c.ToolServer.MaxRetries < 0 {
		errs = append(errs, errors.New("tool_server.max_retries must not be negative"))
	}

	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit_breaker.failure_threshold must be positive"))
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		errs = append(errs, errors.New("circuit_breaker.recovery_timeout must be positive"))
	}

	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 100 {
		errs = append(errs, errors.New("worker.concurrency must be within 1..100"))
	}
	if c.Export.MaxFileSizeMB < 1 || c.Export.MaxFileSizeMB > 500 {
		errs = append(errs, errors.New("export.max_file_size_mb must be within 1..500"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the system runs in production
func (c *SystemConfig) IsProduction() bool {
	return strings.EqualFold(c.System.Environment, "production")
}

// GetEnv retrieves environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves environment variable as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool retrieves environment variable as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// GetEnvDuration retrieves environment variable as a duration. Bare
// integers are read as seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
