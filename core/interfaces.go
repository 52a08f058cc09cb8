package core

import "context"

// Logger interface - implemented by telemetry.ProductionLogger and NoOpLogger
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ContextAwareLogger extends Logger with context-carrying variants so trace
// correlation fields can be extracted from the request context.
type ContextAwareLogger interface {
	Logger
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger allows a logger to be scoped to a named component
// (e.g. "courier/scheduler") for log segregation.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional tracing support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// DeliveryEvents is the observability sink the core emits structured events
// into. External collaborators (metrics exporters, audit pipelines) render
// them; the core never formats or ships telemetry itself.
type DeliveryEvents interface {
	// OnAttempt fires after every adapter invocation, successful or not.
	OnAttempt(ctx context.Context, item *QueueItem, success bool, err error)
	// OnRetryScheduled fires when a failed item is rescheduled with backoff.
	OnRetryScheduled(ctx context.Context, item *QueueItem, attempt int, nextRetryAt string)
	// OnBreakerTransition fires on every circuit breaker state change.
	OnBreakerTransition(destinationID string, from, to BreakerState, reason string)
	// OnAlert fires when an alert is persisted (including escalations).
	OnAlert(ctx context.Context, alert *Alert)
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpDeliveryEvents discards all events. Components default to it so event
// emission never needs a nil check.
type NoOpDeliveryEvents struct{}

func (n *NoOpDeliveryEvents) OnAttempt(ctx context.Context, item *QueueItem, success bool, err error) {
}
func (n *NoOpDeliveryEvents) OnRetryScheduled(ctx context.Context, item *QueueItem, attempt int, nextRetryAt string) {
}
func (n *NoOpDeliveryEvents) OnBreakerTransition(destinationID string, from, to BreakerState, reason string) {
}
func (n *NoOpDeliveryEvents) OnAlert(ctx context.Context, alert *Alert) {}
