// Package telemetry provides the production logger, the OpenTelemetry
// tracing provider, and the metrics sink that renders delivery events.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/smedrec/courier/core"
)

// LoggerConfig configures the production logger. Zero values are filled from
// the environment.
type LoggerConfig struct {
	// ServiceName appears in every log line.
	ServiceName string

	// Level is one of DEBUG, INFO, WARN, ERROR. Defaults to COURIER_LOG_LEVEL,
	// then INFO.
	Level string

	// Format is "json" or "text". Defaults to COURIER_LOG_FORMAT; inside
	// Kubernetes JSON is auto-selected for log aggregation.
	Format string

	// Output defaults to stdout.
	Output io.Writer

	// ErrorInterval rate-limits error lines to one per interval so a failing
	// dependency cannot flood the log stream. Zero disables limiting.
	ErrorInterval time.Duration
}

// ProductionLogger is the process-wide logger. It implements core.Logger,
// core.ContextAwareLogger, and core.ComponentAwareLogger: JSON in
// Kubernetes, text locally, trace correlation from the request context.
type ProductionLogger struct {
	mu        sync.RWMutex
	service   string
	component string
	level     string
	format    string
	output    io.Writer

	errorLimiter *RateLimiter
}

// NewProductionLogger creates the logger. Configuration priority: explicit
// config, COURIER_* environment, auto-detection, defaults.
func NewProductionLogger(config *LoggerConfig) *ProductionLogger {
	if config == nil {
		config = &LoggerConfig{}
	}

	service := config.ServiceName
	if service == "" {
		service = "courier"
	}

	level := config.Level
	if level == "" {
		level = os.Getenv("COURIER_LOG_LEVEL")
	}
	if level == "" {
		level = "INFO"
	}

	format := config.Format
	if format == "" {
		format = os.Getenv("COURIER_LOG_FORMAT")
	}
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var limiter *RateLimiter
	if config.ErrorInterval > 0 {
		limiter = NewRateLimiter(config.ErrorInterval)
	}

	return &ProductionLogger{
		service:      service,
		level:        strings.ToUpper(level),
		format:       strings.ToLower(format),
		output:       output,
		errorLimiter: limiter,
	}
}

// WithComponent returns a logger scoped to the component name. The copy
// shares the parent's output and rate limiter.
func (l *ProductionLogger) WithComponent(component string) core.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		service:      l.service,
		component:    component,
		level:        l.level,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceFields(ctx, fields))
}

// SetLevel updates the log level at runtime.
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = span.TraceID().String()
	out["span_id"] = span.SpanID().String()
	return out
}

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	current, ok1 := levelRank[l.level]
	message, ok2 := levelRank[level]
	if ok1 && ok2 && message < current {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
		return
	}
	l.logText(timestamp, level, msg, fields)
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.service,
		"message":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		switch k {
		case "timestamp", "level", "service", "component", "message":
		default:
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		// Operation and error lead for readability.
		if op, ok := fields["operation"]; ok {
			fmt.Fprintf(&b, "operation=%v ", op)
		}
		if errVal, ok := fields["error"]; ok {
			fmt.Fprintf(&b, "error=%q ", fmt.Sprintf("%v", errVal))
		}
		for k, v := range fields {
			if k == "operation" || k == "error" {
				continue
			}
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}

	scope := l.service
	if l.component != "" {
		scope = l.component
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, scope, msg, strings.TrimRight(b.String(), " "))
}
