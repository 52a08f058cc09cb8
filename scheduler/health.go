package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/smedrec/courier/core"
)

// HealthStatus grades the queue for the health endpoint.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// HealthMetrics is the queue-wide measurement set behind a health grade.
type HealthMetrics struct {
	QueueDepth       int           `json:"queue_depth"`
	ProcessingCount  int           `json:"processing_count"`
	FailureRate      float64       `json:"failure_rate"`
	OldestItemAge    time.Duration `json:"oldest_item_age"`
	AverageWaitTime  time.Duration `json:"average_wait_time"`
	RecentThroughput int           `json:"recent_throughput"`
}

// HealthAlert is one queue-level finding surfaced alongside the grade.
type HealthAlert struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// QueueHealth is the roll-up returned by GetQueueHealth.
type QueueHealth struct {
	Status  HealthStatus  `json:"status"`
	Metrics HealthMetrics `json:"metrics"`
	Alerts  []HealthAlert `json:"alerts,omitempty"`
}

// GetQueueHealth grades the whole queue: depth and stale pending items mark
// it degraded, either at double the threshold marks it critical.
func (s *Scheduler) GetQueueHealth(ctx context.Context) (*QueueHealth, error) {
	stats, err := s.queue.Stats(ctx, "")
	if err != nil {
		return nil, err
	}

	health := &QueueHealth{
		Status: HealthHealthy,
		Metrics: HealthMetrics{
			QueueDepth:       stats.QueueDepth,
			ProcessingCount:  stats.ProcessingCount,
			FailureRate:      stats.FailureRate,
			AverageWaitTime:  stats.AverageWaitTime,
			RecentThroughput: stats.RecentThroughput,
		},
	}

	pending, err := s.queue.ListByStatus(ctx, core.QueueItemPending, 1)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		health.Metrics.OldestItemAge = time.Since(pending[0].CreatedAt)
	}

	if health.Metrics.QueueDepth > s.config.QueueDepthThreshold {
		health.Status = HealthDegraded
		health.Alerts = append(health.Alerts, HealthAlert{
			Type:    "queue_depth",
			Message: fmt.Sprintf("queue depth %d exceeds threshold %d", health.Metrics.QueueDepth, s.config.QueueDepthThreshold),
		})
	}
	if health.Metrics.OldestItemAge > s.config.StaleItemThreshold {
		health.Status = HealthDegraded
		health.Alerts = append(health.Alerts, HealthAlert{
			Type:    "stale_items",
			Message: fmt.Sprintf("oldest pending item is %s old, threshold %s", health.Metrics.OldestItemAge.Round(time.Second), s.config.StaleItemThreshold),
		})
	}
	if health.Metrics.QueueDepth > 2*s.config.QueueDepthThreshold ||
		health.Metrics.OldestItemAge > 2*s.config.StaleItemThreshold {
		health.Status = HealthCritical
	}

	return health, nil
}
