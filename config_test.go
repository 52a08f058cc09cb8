package courier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
service_name: courier-test
http:
  addr: ":9090"
  read_timeout: 10s
storage:
  backend: memory
retry:
  max_retries: 5
  base_delay: 2s
  multiplier: 3.0
alerting:
  consecutive_failure_threshold: 7
  debounce_window: 45m
  sweep_interval: 30s
telemetry:
  log_level: DEBUG
  log_format: text
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "courier-test", cfg.ServiceName)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout.Std())
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay.Std())
	assert.Equal(t, 3.0, cfg.Retry.Multiplier)
	assert.Equal(t, 7, cfg.Alerting.ConsecutiveFailureThreshold)
	assert.Equal(t, 45*time.Minute, cfg.Alerting.DebounceWindow.Std())
	assert.Equal(t, 30*time.Second, cfg.Alerting.SweepInterval.Std())
	assert.Equal(t, "DEBUG", cfg.Telemetry.LogLevel)

	// Unset fields fall back to defaults.
	assert.Equal(t, 60*time.Second, cfg.HTTP.WriteTimeout.Std())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "courier", cfg.Storage.KeyPrefix)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "courier", cfg.ServiceName)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, time.Minute, cfg.Alerting.SweepInterval.Std())
	assert.Equal(t, "INFO", cfg.Telemetry.LogLevel)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfigFile(t, `
http:
  addr: ":9090"
`)
	t.Setenv("COURIER_HTTP_ADDR", ":7070")
	t.Setenv("COURIER_STORAGE_BACKEND", "redis")
	t.Setenv("COURIER_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("COURIER_LOG_LEVEL", "ERROR")
	t.Setenv("COURIER_WORKERS", "12")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Storage.RedisURL)
	assert.Equal(t, "ERROR", cfg.Telemetry.LogLevel)
	assert.Equal(t, 12, cfg.Scheduler.MaxConcurrentDeliveries)
}

func TestLoadConfigRedisURLFallback(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://fallback:6379")
	t.Setenv("COURIER_STORAGE_BACKEND", "redis")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "redis://fallback:6379", cfg.Storage.RedisURL)
}

func TestLoadConfigInvalidBackend(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  backend: cassandra
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestLoadConfigRedisRequiresURL(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  backend: redis
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	path := writeConfigFile(t, `
http:
  read_timeout: soon
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
