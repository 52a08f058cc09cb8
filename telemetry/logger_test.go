package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
)

func TestProductionLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&LoggerConfig{
		ServiceName: "courier-test",
		Level:       "INFO",
		Format:      "json",
		Output:      &buf,
	})

	logger.Info("Delivery scheduled", map[string]interface{}{
		"operation":   "deliver",
		"delivery_id": "del_1",
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "courier-test", entry["service"])
	assert.Equal(t, "Delivery scheduled", entry["message"])
	assert.Equal(t, "deliver", entry["operation"])
	assert.Equal(t, "del_1", entry["delivery_id"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestProductionLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&LoggerConfig{
		Level:  "WARN",
		Format: "text",
		Output: &buf,
	})

	logger.Debug("debug line", nil)
	logger.Info("info line", nil)
	assert.Empty(t, buf.String())

	logger.Warn("warn line", nil)
	logger.Error("error line", nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	logger.SetLevel("DEBUG")
	logger.Debug("debug line", nil)
	assert.Contains(t, buf.String(), "debug line")
}

func TestProductionLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&LoggerConfig{
		ServiceName: "courier",
		Level:       "INFO",
		Format:      "text",
		Output:      &buf,
	})

	logger.Info("Breaker opened", map[string]interface{}{
		"operation": "record_failure",
		"error":     "boom",
	})

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "[courier]")
	assert.Contains(t, line, "Breaker opened")
	assert.Contains(t, line, "operation=record_failure")
	assert.Contains(t, line, `error="boom"`)
}

func TestProductionLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&LoggerConfig{
		ServiceName: "courier",
		Level:       "INFO",
		Format:      "text",
		Output:      &buf,
	})

	var scoped core.Logger = logger
	if cal, ok := scoped.(core.ComponentAwareLogger); ok {
		scoped = cal.WithComponent("courier/scheduler")
	}
	scoped.Info("tick", nil)

	assert.Contains(t, buf.String(), "[courier/scheduler]")
}

func TestProductionLoggerErrorRateLimit(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&LoggerConfig{
		Level:         "ERROR",
		Format:        "text",
		Output:        &buf,
		ErrorInterval: time.Hour,
	})

	logger.Error("first", nil)
	logger.Error("second", nil)
	logger.Error("third", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "first")
}

func TestProductionLoggerContextWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLogger(&LoggerConfig{
		Level:  "INFO",
		Format: "json",
		Output: &buf,
	})

	logger.InfoWithContext(context.Background(), "no trace", map[string]interface{}{"operation": "x"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "trace_id")
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(time.Hour)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	fast := NewRateLimiter(time.Nanosecond)
	assert.True(t, fast.Allow())
	time.Sleep(time.Millisecond)
	assert.True(t, fast.Allow())
}
