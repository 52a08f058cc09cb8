// Package scheduler drives the delivery queue: it fans enqueued work out to
// a bounded worker pool, gates dispatch through the circuit breaker, records
// outcomes through the retry manager, rescues stuck items, and cleans up
// terminal ones.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/resilience"
)

// Config configures the scheduler.
type Config struct {
	// MaxConcurrentDeliveries bounds the worker pool and the dequeue batch.
	MaxConcurrentDeliveries int

	// ProcessingInterval is the dequeue tick.
	ProcessingInterval time.Duration

	// ProcessingTimeout is the watchdog deadline: processing items untouched
	// longer than this are reset to pending.
	ProcessingTimeout time.Duration

	// WatchdogInterval is how often stuck items are checked.
	WatchdogInterval time.Duration

	// CleanupInterval is how often terminal items are purged.
	CleanupInterval time.Duration

	// MaxCompletedAge is how long terminal queue items are kept.
	MaxCompletedAge time.Duration

	// AdapterTimeout bounds one adapter Send call.
	AdapterTimeout time.Duration

	// QueueDepthThreshold marks the queue degraded when exceeded.
	QueueDepthThreshold int

	// StaleItemThreshold marks the queue degraded when the oldest pending
	// item exceeds this age.
	StaleItemThreshold time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight work.
	ShutdownTimeout time.Duration

	// Logger is optional and defaults to a no-op logger. Attempt and retry
	// events are emitted by the retry manager, not here.
	Logger core.Logger
}

// DefaultConfig returns a production-ready default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentDeliveries: 10,
		ProcessingInterval:      5 * time.Second,
		ProcessingTimeout:       5 * time.Minute,
		WatchdogInterval:        time.Minute,
		CleanupInterval:         time.Hour,
		MaxCompletedAge:         24 * time.Hour,
		AdapterTimeout:          30 * time.Second,
		QueueDepthThreshold:     1000,
		StaleItemThreshold:      30 * time.Minute,
		ShutdownTimeout:         30 * time.Second,
	}
}

// Validate applies defaults and rejects nonsensical values.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.MaxConcurrentDeliveries <= 0 {
		c.MaxConcurrentDeliveries = d.MaxConcurrentDeliveries
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = d.ProcessingInterval
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = d.WatchdogInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxCompletedAge <= 0 {
		c.MaxCompletedAge = d.MaxCompletedAge
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = d.AdapterTimeout
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = d.QueueDepthThreshold
	}
	if c.StaleItemThreshold <= 0 {
		c.StaleItemThreshold = d.StaleItemThreshold
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return nil
}

// Scheduler owns the queue processing loops. Construct with NewScheduler,
// start with Start, and stop with Stop; Stop drains in-flight work within
// ShutdownTimeout and abandons the rest to the watchdog.
type Scheduler struct {
	config       *Config
	queue        core.QueueRepository
	logs         core.DeliveryLogRepository
	destinations core.DestinationRepository
	breaker      *resilience.CircuitBreaker
	retry        *resilience.RetryManager
	adapters     core.AdapterRegistry
	logger       core.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
	started bool
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(
	queue core.QueueRepository,
	logs core.DeliveryLogRepository,
	destinations core.DestinationRepository,
	breaker *resilience.CircuitBreaker,
	retry *resilience.RetryManager,
	adapters core.AdapterRegistry,
	config *Config,
) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	_ = config.Validate()

	s := &Scheduler{
		config:       config,
		queue:        queue,
		logs:         logs,
		destinations: destinations,
		breaker:      breaker,
		retry:        retry,
		adapters:     adapters,
		logger:       config.Logger,
		sem:          make(chan struct{}, config.MaxConcurrentDeliveries),
	}
	if s.logger == nil {
		s.logger = &core.NoOpLogger{}
	} else if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("courier/scheduler")
	}
	return s
}

// ScheduleDelivery enqueues one queue item per destination with a snapshot
// of the payload. Items of one delivery share the idempotency key so
// adapters can deduplicate redelivery.
func (s *Scheduler) ScheduleDelivery(ctx context.Context, log *core.DeliveryLog, destinationIDs []string, priority, maxRetries int) ([]*core.QueueItem, error) {
	now := time.Now()
	items := make([]*core.QueueItem, 0, len(destinationIDs))
	for _, destID := range destinationIDs {
		item := &core.QueueItem{
			ID:             uuid.NewString(),
			DeliveryID:     log.DeliveryID,
			OrganizationID: log.OrganizationID,
			DestinationID:  destID,
			Priority:       priority,
			Status:         core.QueueItemPending,
			MaxRetries:     maxRetries,
			Payload:        log.Payload,
			IdempotencyKey: log.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return items, fmt.Errorf("failed to enqueue item for destination %s: %w", destID, err)
		}
		items = append(items, item)
	}

	s.logger.Info("Delivery scheduled", map[string]interface{}{
		"operation":   "schedule_delivery",
		"delivery_id": log.DeliveryID,
		"items":       len(items),
		"priority":    priority,
	})
	return items, nil
}

// ScheduleRetry re-queues a delivery's failed items with cleared retry
// counters, used by the operator-facing manual retry. Each item is re-checked
// against the retry manager, so items marked non-retryable stay failed.
// Returns the items that were requeued.
func (s *Scheduler) ScheduleRetry(ctx context.Context, deliveryID string) ([]*core.QueueItem, error) {
	items, err := s.queue.GetByDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	var requeued []*core.QueueItem
	for _, item := range items {
		if item.Status != core.QueueItemFailed {
			continue
		}
		s.retry.ResetRetryCount(item)
		if !s.retry.ShouldRetry(item, nil) {
			continue
		}
		item.Status = core.QueueItemPending
		if err := s.queue.Transition(ctx, item, core.QueueItemFailed); err != nil {
			continue
		}
		requeued = append(requeued, item)
	}
	return requeued, nil
}

// Start launches the processing, watchdog, and cleanup loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started: %w", core.ErrInvalidConfiguration)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(3)
	go s.loop(runCtx, s.config.ProcessingInterval, s.processTick)
	go s.loop(runCtx, s.config.WatchdogInterval, func(ctx context.Context) {
		if _, err := s.ProcessStuckItems(ctx); err != nil {
			s.logger.Error("Stuck item sweep failed", map[string]interface{}{
				"operation": "watchdog",
				"error":     err.Error(),
			})
		}
	})
	go s.loop(runCtx, s.config.CleanupInterval, func(ctx context.Context) {
		if _, err := s.PerformCleanup(ctx); err != nil {
			s.logger.Error("Queue cleanup failed", map[string]interface{}{
				"operation": "cleanup",
				"error":     err.Error(),
			})
		}
	})

	s.logger.Info("Scheduler started", map[string]interface{}{
		"operation":           "scheduler_start",
		"max_concurrent":      s.config.MaxConcurrentDeliveries,
		"processing_interval": s.config.ProcessingInterval.String(),
	})
	return nil
}

// Stop cancels the loops and waits up to ShutdownTimeout for in-flight work.
// Items abandoned past the deadline stay in processing and are rescued by
// the next watchdog pass.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped", map[string]interface{}{"operation": "scheduler_stop"})
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("Scheduler shutdown timed out, abandoning in-flight items to the watchdog", map[string]interface{}{
			"operation": "scheduler_stop",
			"timeout":   s.config.ShutdownTimeout.String(),
		})
		return core.ErrTimeout
	}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// processTick dequeues one batch and dispatches the items to workers.
func (s *Scheduler) processTick(ctx context.Context) {
	items, err := s.queue.DequeueBatch(ctx, s.config.MaxConcurrentDeliveries, time.Now())
	if err != nil {
		s.logger.Error("Dequeue failed", map[string]interface{}{
			"operation": "process_tick",
			"error":     err.Error(),
		})
		return
	}
	for _, item := range items {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(item *core.QueueItem) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Worker panic recovered", map[string]interface{}{
						"operation": "process_item",
						"item_id":   item.ID,
						"panic":     fmt.Sprintf("%v", r),
						"stack":     string(debug.Stack()),
					})
				}
			}()
			s.processItem(ctx, item)
		}(item)
	}
}

// ProcessStuckItems rescues items abandoned in processing state by crashed or
// stopped workers.
func (s *Scheduler) ProcessStuckItems(ctx context.Context) (int, error) {
	return s.queue.ResetStuck(ctx, time.Now().Add(-s.config.ProcessingTimeout))
}

// PerformCleanup deletes terminal queue items older than MaxCompletedAge.
func (s *Scheduler) PerformCleanup(ctx context.Context) (int, error) {
	n, err := s.queue.DeleteTerminalBefore(ctx, time.Now().Add(-s.config.MaxCompletedAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Queue cleanup removed terminal items", map[string]interface{}{
			"operation": "cleanup",
			"removed":   n,
		})
	}
	return n, nil
}

// GetOrganizationStats returns the per-tenant queue view.
func (s *Scheduler) GetOrganizationStats(ctx context.Context, organizationID string) (*core.QueueStats, error) {
	return s.queue.Stats(ctx, organizationID)
}
