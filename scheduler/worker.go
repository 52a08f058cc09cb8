package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smedrec/courier/core"
)

// processItem executes one claimed queue item end to end: breaker gate,
// adapter invocation, outcome recording, and status transitions. The item
// arrives in processing state; every exit path resolves it through the
// fenced Transition, so a concurrent cancel always wins cleanly.
func (s *Scheduler) processItem(ctx context.Context, item *core.QueueItem) {
	if s.breaker.IsOpen(ctx, item.DestinationID) {
		s.resolveSkipped(ctx, item, "circuit_open")
		return
	}

	dest, err := s.destinations.Get(ctx, item.OrganizationID, item.DestinationID)
	if err != nil || dest.Disabled {
		reason := "destination disabled"
		if err != nil {
			reason = err.Error()
		}
		s.retry.MarkAsNonRetryable(item, reason)
		s.resolveFailed(ctx, item, reason, false)
		return
	}

	adapter, err := s.adapters.AdapterFor(dest.Type)
	if err != nil {
		s.retry.MarkAsNonRetryable(item, err.Error())
		s.resolveFailed(ctx, item, err.Error(), false)
		return
	}

	// Adapters deduplicate on the idempotency key, so it rides in the
	// payload metadata of every attempt. The copy keeps the persisted
	// snapshot untouched.
	payload := item.Payload
	if item.IdempotencyKey != "" {
		meta := make(map[string]interface{}, len(payload.Metadata)+1)
		for k, v := range payload.Metadata {
			meta[k] = v
		}
		meta["idempotency_key"] = item.IdempotencyKey
		payload.Metadata = meta
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.AdapterTimeout)
	result, sendErr := adapter.Send(sendCtx, dest, &payload)
	cancel()

	success := sendErr == nil && result != nil && result.Success
	s.retry.RecordAttempt(ctx, item, success, sendErr)

	if success {
		s.resolveDelivered(ctx, item, result.CrossSystemReference)
		return
	}

	if sendErr == nil {
		sendErr = errors.New("adapter reported failure without error detail")
	}
	if err := s.breaker.RecordFailure(ctx, item.DestinationID, sendErr.Error()); err != nil {
		s.logger.Error("Failed to record breaker failure", map[string]interface{}{
			"operation":      "process_item",
			"destination_id": item.DestinationID,
			"error":          err.Error(),
		})
	}

	if s.retry.ShouldRetry(item, sendErr) {
		s.resolveRetry(ctx, item, sendErr)
		return
	}

	if !core.IsRetryableClass(core.ClassOf(sendErr)) {
		s.retry.MarkAsNonRetryable(item, sendErr.Error())
	}
	s.resolveFailed(ctx, item, sendErr.Error(), true)
}

// resolveDelivered finalizes a successful attempt.
func (s *Scheduler) resolveDelivered(ctx context.Context, item *core.QueueItem, crossRef string) {
	if err := s.breaker.RecordSuccess(ctx, item.DestinationID); err != nil {
		s.logger.Error("Failed to record breaker success", map[string]interface{}{
			"operation":      "process_item",
			"destination_id": item.DestinationID,
			"error":          err.Error(),
		})
	}

	now := time.Now()
	item.Status = core.QueueItemCompleted
	item.ProcessedAt = &now
	if err := s.queue.Transition(ctx, item, core.QueueItemProcessing); err != nil {
		// Lost the race with a cancel; the cancellation stands and the
		// delivered payload is covered by at-least-once semantics.
		s.logger.Warn("Completed item lost transition race", map[string]interface{}{
			"operation": "process_item",
			"item_id":   item.ID,
			"error":     err.Error(),
		})
		return
	}

	s.applyResult(ctx, item, core.DestinationResult{
		Status:               core.SubDelivered,
		CrossSystemReference: crossRef,
		AttemptedAt:          now,
		CountAttempt:         true,
	})

	s.logger.Info("Delivery attempt succeeded", map[string]interface{}{
		"operation":      "process_item",
		"item_id":        item.ID,
		"delivery_id":    item.DeliveryID,
		"destination_id": item.DestinationID,
		"attempts":       item.RetryCount + 1,
	})
}

// resolveRetry schedules the next attempt with backoff.
func (s *Scheduler) resolveRetry(ctx context.Context, item *core.QueueItem, cause error) {
	next := s.retry.ScheduleRetry(ctx, item, cause)
	if err := s.queue.Transition(ctx, item, core.QueueItemProcessing); err != nil {
		s.logger.Warn("Retry scheduling lost transition race", map[string]interface{}{
			"operation": "process_item",
			"item_id":   item.ID,
			"error":     err.Error(),
		})
		return
	}

	s.applyResult(ctx, item, core.DestinationResult{
		Status:       core.SubPending,
		Error:        cause.Error(),
		AttemptedAt:  time.Now(),
		CountAttempt: true,
	})

	s.logger.Info("Delivery attempt failed, retry scheduled", map[string]interface{}{
		"operation":      "process_item",
		"item_id":        item.ID,
		"delivery_id":    item.DeliveryID,
		"destination_id": item.DestinationID,
		"retry_count":    item.RetryCount,
		"next_retry_at":  next.Format(time.RFC3339),
		"error":          cause.Error(),
	})
}

// resolveFailed finalizes a permanently failed attempt. countAttempt is false
// when no adapter call happened.
func (s *Scheduler) resolveFailed(ctx context.Context, item *core.QueueItem, reason string, countAttempt bool) {
	now := time.Now()
	item.Status = core.QueueItemFailed
	item.ProcessedAt = &now
	item.Metadata.LastFailureReason = reason
	if err := s.queue.Transition(ctx, item, core.QueueItemProcessing); err != nil {
		return
	}

	s.applyResult(ctx, item, core.DestinationResult{
		Status:       core.SubFailed,
		Error:        reason,
		AttemptedAt:  now,
		CountAttempt: countAttempt,
	})

	s.logger.Warn("Delivery attempt permanently failed", map[string]interface{}{
		"operation":      "process_item",
		"item_id":        item.ID,
		"delivery_id":    item.DeliveryID,
		"destination_id": item.DestinationID,
		"retry_count":    item.RetryCount,
		"non_retryable":  item.Metadata.NonRetryable,
		"error":          reason,
	})
}

// resolveSkipped finalizes an item short-circuited by an open breaker. The
// substate is skipped, the item fails, and no attempt is counted.
func (s *Scheduler) resolveSkipped(ctx context.Context, item *core.QueueItem, reason string) {
	now := time.Now()
	item.Status = core.QueueItemFailed
	item.ProcessedAt = &now
	item.Metadata.LastFailureReason = reason
	if err := s.queue.Transition(ctx, item, core.QueueItemProcessing); err != nil {
		return
	}

	s.applyResult(ctx, item, core.DestinationResult{
		Status:      core.SubSkipped,
		Error:       reason,
		AttemptedAt: now,
	})

	s.logger.Info("Delivery skipped by open circuit", map[string]interface{}{
		"operation":      "process_item",
		"item_id":        item.ID,
		"delivery_id":    item.DeliveryID,
		"destination_id": item.DestinationID,
	})
}

func (s *Scheduler) applyResult(ctx context.Context, item *core.QueueItem, result core.DestinationResult) {
	if _, err := s.logs.ApplyDestinationResult(ctx, item.DeliveryID, item.DestinationID, result); err != nil {
		s.logger.Error("Failed to apply destination result to delivery log", map[string]interface{}{
			"operation":      "process_item",
			"delivery_id":    item.DeliveryID,
			"destination_id": item.DestinationID,
			"error":          err.Error(),
		})
	}
}
