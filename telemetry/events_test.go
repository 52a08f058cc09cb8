package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
)

type recordedMetric struct {
	name   string
	value  float64
	labels map[string]string
}

type stubTelemetry struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (s *stubTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	return ctx, noopSpan{}
}

func (s *stubTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, recordedMetric{name: name, value: value, labels: labels})
}

type noopSpan struct{}

func (noopSpan) End()                                       {}
func (noopSpan) SetAttribute(key string, value interface{}) {}
func (noopSpan) RecordError(err error)                      {}

var _ core.DeliveryEvents = (*MetricsSink)(nil)

func TestMetricsSinkOnAttempt(t *testing.T) {
	stub := &stubTelemetry{}
	sink := NewMetricsSink(stub)
	item := &core.QueueItem{
		ID:      "q-1",
		Payload: core.DeliveryPayload{Type: "report"},
	}

	sink.OnAttempt(context.Background(), item, false, &core.AdapterError{
		Class:      core.ClassRetryable,
		StatusCode: 503,
		Message:    "unavailable",
	})

	require.Len(t, stub.metrics, 1)
	m := stub.metrics[0]
	assert.Equal(t, "courier.delivery.attempts", m.name)
	assert.Equal(t, 1.0, m.value)
	assert.Equal(t, "false", m.labels["success"])
	assert.Equal(t, "report", m.labels["payload_type"])
	assert.Equal(t, "retryable", m.labels["error_class"])
}

func TestMetricsSinkOnAttemptSuccessOmitsClass(t *testing.T) {
	stub := &stubTelemetry{}
	sink := NewMetricsSink(stub)

	sink.OnAttempt(context.Background(), &core.QueueItem{Payload: core.DeliveryPayload{Type: "event"}}, true, nil)

	require.Len(t, stub.metrics, 1)
	assert.Equal(t, "true", stub.metrics[0].labels["success"])
	assert.NotContains(t, stub.metrics[0].labels, "error_class")
}

func TestMetricsSinkOnRetryScheduled(t *testing.T) {
	stub := &stubTelemetry{}
	sink := NewMetricsSink(stub)

	sink.OnRetryScheduled(context.Background(), &core.QueueItem{ID: "q-1"}, 2, "2026-01-01T00:00:00Z")

	require.Len(t, stub.metrics, 1)
	assert.Equal(t, "courier.delivery.retries", stub.metrics[0].name)
	assert.Equal(t, "2", stub.metrics[0].labels["attempt"])
}

func TestMetricsSinkOnBreakerTransition(t *testing.T) {
	stub := &stubTelemetry{}
	sink := NewMetricsSink(stub)

	sink.OnBreakerTransition("dest-1", core.BreakerClosed, core.BreakerOpen, "threshold reached")

	require.Len(t, stub.metrics, 1)
	assert.Equal(t, "courier.breaker.transitions", stub.metrics[0].name)
	assert.Equal(t, "closed", stub.metrics[0].labels["from"])
	assert.Equal(t, "open", stub.metrics[0].labels["to"])
}

func TestMetricsSinkOnAlert(t *testing.T) {
	stub := &stubTelemetry{}
	sink := NewMetricsSink(stub)

	sink.OnAlert(context.Background(), &core.Alert{
		Type:     core.AlertFailureRate,
		Severity: core.SeverityHigh,
	})

	require.Len(t, stub.metrics, 1)
	assert.Equal(t, "courier.alerts.raised", stub.metrics[0].name)
	assert.Equal(t, "failure_rate", stub.metrics[0].labels["type"])
	assert.Equal(t, "high", stub.metrics[0].labels["severity"])
}
