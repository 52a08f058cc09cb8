package telemetry

import (
	"context"
	"strconv"

	"github.com/smedrec/courier/core"
)

// MetricsSink renders delivery events as metrics through a core.Telemetry
// provider. Labels stay low-cardinality: classes, states, and types, never
// organization or delivery ids.
type MetricsSink struct {
	telemetry core.Telemetry
}

// NewMetricsSink creates the sink.
func NewMetricsSink(telemetry core.Telemetry) *MetricsSink {
	return &MetricsSink{telemetry: telemetry}
}

func (s *MetricsSink) OnAttempt(ctx context.Context, item *core.QueueItem, success bool, err error) {
	labels := map[string]string{
		"success":      strconv.FormatBool(success),
		"payload_type": item.Payload.Type,
	}
	if err != nil {
		labels["error_class"] = string(core.ClassOf(err))
	}
	s.telemetry.RecordMetric("courier.delivery.attempts", 1, labels)
}

func (s *MetricsSink) OnRetryScheduled(ctx context.Context, item *core.QueueItem, attempt int, nextRetryAt string) {
	s.telemetry.RecordMetric("courier.delivery.retries", 1, map[string]string{
		"attempt": strconv.Itoa(attempt),
	})
}

func (s *MetricsSink) OnBreakerTransition(destinationID string, from, to core.BreakerState, reason string) {
	s.telemetry.RecordMetric("courier.breaker.transitions", 1, map[string]string{
		"from": string(from),
		"to":   string(to),
	})
}

func (s *MetricsSink) OnAlert(ctx context.Context, alert *core.Alert) {
	s.telemetry.RecordMetric("courier.alerts.raised", 1, map[string]string{
		"type":     string(alert.Type),
		"severity": string(alert.Severity),
	})
}
