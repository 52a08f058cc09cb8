package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/smedrec/courier/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the default retry ceiling when a queue item carries none.
	MaxRetries int

	// BaseDelay is the first backoff step.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Retry-After hints from rate
	// limiters may exceed it.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// JitterFactor stretches the delay by up to this fraction to avoid
	// synchronized retry storms. The computed backoff is a floor.
	JitterFactor float64

	// Logger for retry events.
	Logger core.Logger

	// Events receives retry scheduling notifications.
	Events core.DeliveryEvents
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Validate applies defaults and rejects nonsensical values.
func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		c.JitterFactor = 0.2
	}
	return nil
}

// RetryStatistics summarizes the retry posture of a set of queue items.
// NonRetryableItems and ExhaustedRetries are disjoint: an item classified
// as permanently failed never counts toward the exhausted bucket even if
// its counter happened to reach the ceiling.
type RetryStatistics struct {
	TotalItems        int `json:"total_items"`
	ItemsWithRetries  int `json:"items_with_retries"`
	ActiveRetries     int `json:"active_retries"`
	ExhaustedRetries  int `json:"exhausted_retries"`
	NonRetryableItems int `json:"non_retryable_items"`
	SucceededOnRetry  int `json:"succeeded_on_retry"`
}

// RetryManager decides retry eligibility and computes backoff schedules for
// queue items. It never sleeps; the scheduler persists the computed
// NextRetryAt and the queue's readiness scoring does the waiting.
type RetryManager struct {
	config *RetryConfig
	logger core.Logger
	events core.DeliveryEvents

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetryManager creates a retry manager.
func NewRetryManager(config *RetryConfig) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	_ = config.Validate()

	rm := &RetryManager{
		config: config,
		logger: config.Logger,
		events: config.Events,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if rm.logger == nil {
		rm.logger = &core.NoOpLogger{}
	} else if cal, ok := rm.logger.(core.ComponentAwareLogger); ok {
		rm.logger = cal.WithComponent("courier/resilience")
	}
	if rm.events == nil {
		rm.events = &core.NoOpDeliveryEvents{}
	}
	return rm
}

// maxRetriesFor returns the item's ceiling, falling back to the configured
// default.
func (rm *RetryManager) maxRetriesFor(item *core.QueueItem) int {
	if item.MaxRetries > 0 {
		return item.MaxRetries
	}
	return rm.config.MaxRetries
}

// ShouldRetry reports whether a failed item is eligible for another attempt.
func (rm *RetryManager) ShouldRetry(item *core.QueueItem, err error) bool {
	if item.Metadata.NonRetryable {
		return false
	}
	if err != nil && !core.IsRetryableClass(core.ClassOf(err)) {
		return false
	}
	return item.RetryCount < rm.maxRetriesFor(item)
}

// CalculateBackoff computes the delay before retry number attempt (zero
// based). A Retry-After hint carried by err wins when it exceeds the
// computed backoff.
func (rm *RetryManager) CalculateBackoff(attempt int, err error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(rm.config.BaseDelay) * math.Pow(rm.config.Multiplier, float64(attempt)))
	if delay > rm.config.MaxDelay || delay <= 0 {
		delay = rm.config.MaxDelay
	}

	// Additive jitter in [0, JitterFactor]: the computed backoff is a
	// floor, never shortened, so a retry storm spreads forward in time.
	if rm.config.JitterFactor > 0 {
		rm.mu.Lock()
		spread := rm.rnd.Float64() * rm.config.JitterFactor
		rm.mu.Unlock()
		delay = time.Duration(float64(delay) * (1 + spread))
	}

	if hint := core.RetryAfterOf(err); hint > delay {
		delay = hint
	}
	return delay
}

// ScheduleRetry stamps the item with its next attempt time and bumps the
// retry counter. The caller persists the item.
func (rm *RetryManager) ScheduleRetry(ctx context.Context, item *core.QueueItem, err error) time.Time {
	delay := rm.CalculateBackoff(item.RetryCount, err)
	next := time.Now().Add(delay)
	item.RetryCount++
	item.NextRetryAt = &next
	item.Status = core.QueueItemPending

	rm.logger.Info("Retry scheduled", map[string]interface{}{
		"operation":     "retry_schedule",
		"item_id":       item.ID,
		"delivery_id":   item.DeliveryID,
		"retry_count":   item.RetryCount,
		"max_retries":   rm.maxRetriesFor(item),
		"next_retry_at": next.Format(time.RFC3339),
		"delay":         delay.String(),
	})
	rm.events.OnRetryScheduled(ctx, item, item.RetryCount, next.Format(time.RFC3339))
	return next
}

// RecordAttempt appends the outcome of one delivery attempt to the item's
// retry history.
func (rm *RetryManager) RecordAttempt(ctx context.Context, item *core.QueueItem, success bool, err error) {
	attempt := core.RetryAttempt{
		AttemptNumber: item.RetryCount + 1,
		Timestamp:     time.Now(),
		Success:       success,
	}
	if err != nil {
		attempt.Error = err.Error()
		item.Metadata.LastFailureReason = err.Error()
	}
	item.Metadata.RetryAttempts = append(item.Metadata.RetryAttempts, attempt)
	rm.events.OnAttempt(ctx, item, success, err)
}

// MarkAsNonRetryable classifies the item as permanently failed.
func (rm *RetryManager) MarkAsNonRetryable(item *core.QueueItem, reason string) {
	item.Metadata.NonRetryable = true
	item.Metadata.NonRetryableReason = reason
}

// ResetRetryCount clears the retry counter and schedule, used when an
// operator manually requeues a delivery. The non-retryable classification is
// a property of the failure, not of the counter, so it survives the reset
// and ShouldRetry keeps denying the item.
func (rm *RetryManager) ResetRetryCount(item *core.QueueItem) {
	item.RetryCount = 0
	item.NextRetryAt = nil
}

// GetRetrySchedule returns the nominal (jitter-free) delays remaining for
// the item.
func (rm *RetryManager) GetRetrySchedule(item *core.QueueItem) []time.Duration {
	max := rm.maxRetriesFor(item)
	var schedule []time.Duration
	for attempt := item.RetryCount; attempt < max; attempt++ {
		delay := time.Duration(float64(rm.config.BaseDelay) * math.Pow(rm.config.Multiplier, float64(attempt)))
		if delay > rm.config.MaxDelay || delay <= 0 {
			delay = rm.config.MaxDelay
		}
		schedule = append(schedule, delay)
	}
	return schedule
}

// GetRetryStatistics aggregates the retry posture of a set of items.
func (rm *RetryManager) GetRetryStatistics(items []*core.QueueItem) *RetryStatistics {
	stats := &RetryStatistics{TotalItems: len(items)}
	for _, item := range items {
		if item.Metadata.NonRetryable {
			stats.NonRetryableItems++
			continue
		}
		if item.RetryCount > 0 {
			stats.ItemsWithRetries++
			if item.Status == core.QueueItemCompleted {
				stats.SucceededOnRetry++
			}
		}
		switch {
		case item.Status == core.QueueItemFailed:
			stats.ExhaustedRetries++
		case item.RetryCount > 0 && !item.Status.IsTerminal():
			stats.ActiveRetries++
		}
	}
	return stats
}
