package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultSystemConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.ToolServer.Timeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.RecoveryTimeout)
	assert.False(t, cfg.IsProduction())
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "querybot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
system:
  environment: staging
tool_server:
  url: http://tools.internal:3000
  timeout: 45s
worker:
  concurrency: 4
kafka:
  enabled: true
  brokers: [kafka-1:9092, kafka-2:9092]
`), 0o644))

	t.Setenv("QUERYBOT_MCP_MAX_RETRIES", "2")
	t.Setenv("QUERYBOT_BREAKER_RECOVERY", "90")
	t.Setenv("QUERYBOT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.System.Environment)
	assert.Equal(t, "http://tools.internal:3000", cfg.ToolServer.URL)
	assert.Equal(t, 45*time.Second, cfg.ToolServer.Timeout)
	assert.Equal(t, 2, cfg.ToolServer.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep their defaults
	assert.Equal(t, "querybot_tasks", cfg.Queue.Name)
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("QUERYBOT_TEMP_FILE_PATH=/var/tmp/qb-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("QUERYBOT_TEMP_FILE_PATH") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/qb-dotenv", cfg.Export.Directory)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultSystemConfig()
	cfg.Redis.URL = "http://localhost:6379"
	cfg.ToolServer.Timeout = time.Second
	cfg.Worker.Concurrency = 0
	cfg.System.Environment = "moon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.url")
	assert.Contains(t, err.Error(), "tool_server.timeout")
	assert.Contains(t, err.Error(), "worker.concurrency")
	assert.Contains(t, err.Error(), "system.environment")
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("QB_TEST_DURATION", "1m30s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("QB_TEST_DURATION", time.Second))

	t.Setenv("QB_TEST_DURATION", "garbage")
	assert.Equal(t, time.Second, GetEnvDuration("QB_TEST_DURATION", time.Second))

	assert.Equal(t, 3*time.Second, GetEnvDuration("QB_TEST_UNSET", 3*time.Second))
}
