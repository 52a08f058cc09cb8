// Package delivery implements the orchestrator: the single Deliver entry
// point that validates a request, resolves its destinations under tenant
// isolation, fans it out into the queue, and the read/retry/cancel
// operations over delivery logs.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smedrec/courier/core"
	"github.com/smedrec/courier/destination"
	"github.com/smedrec/courier/resilience"
	"github.com/smedrec/courier/scheduler"
)

// ServiceConfig configures the delivery service.
type ServiceConfig struct {
	// MaxPayloadSize bounds the serialized payload. Default: 10 MiB.
	MaxPayloadSize int

	// DefaultMaxRetries is applied when a request carries no override.
	DefaultMaxRetries int

	// Logger is optional and defaults to a no-op logger.
	Logger core.Logger
}

// DefaultServiceConfig returns a production-ready default configuration.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxPayloadSize:    10 * 1024 * 1024,
		DefaultMaxRetries: 3,
	}
}

// Validate applies defaults.
func (c *ServiceConfig) Validate() error {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 10 * 1024 * 1024
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 3
	}
	return nil
}

// Service orchestrates deliveries. Every operation takes the caller's
// organization id and applies it at the repository boundary; cross-tenant
// ids surface as not-found.
type Service struct {
	config       *ServiceConfig
	logs         core.DeliveryLogRepository
	queue        core.QueueRepository
	destinations *destination.Manager
	breaker      *resilience.CircuitBreaker
	retry        *resilience.RetryManager
	scheduler    *scheduler.Scheduler
	logger       core.Logger
}

// NewService wires the delivery service to its collaborators.
func NewService(
	logs core.DeliveryLogRepository,
	queue core.QueueRepository,
	destinations *destination.Manager,
	breaker *resilience.CircuitBreaker,
	retry *resilience.RetryManager,
	sched *scheduler.Scheduler,
	config *ServiceConfig,
) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	_ = config.Validate()

	s := &Service{
		config:       config,
		logs:         logs,
		queue:        queue,
		destinations: destinations,
		breaker:      breaker,
		retry:        retry,
		scheduler:    sched,
		logger:       config.Logger,
	}
	if s.logger == nil {
		s.logger = &core.NoOpLogger{}
	} else if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("courier/delivery")
	}
	return s
}

// Deliver validates the request, resolves its destinations, creates the
// delivery log, and enqueues one item per dispatchable destination.
// Destinations behind an open breaker are recorded as skipped without
// touching their adapter. Unresolvable destination sets produce a persisted
// failed delivery, not an error.
func (s *Service) Deliver(ctx context.Context, req *core.DeliveryRequest) (*core.DeliveryResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	deliveryID := core.NewDeliveryID()
	idempotencyKey := core.NewIdempotencyKey()

	resolved, err := s.resolveDestinations(ctx, req)
	if err != nil {
		// Missing, cross-tenant, or disabled destinations: persist a failed
		// delivery with no substates so the outcome is auditable, and do
		// not leak which condition was hit.
		s.logger.Warn("Delivery rejected at destination resolution", map[string]interface{}{
			"operation":       "deliver",
			"delivery_id":     deliveryID,
			"organization_id": req.OrganizationID,
			"error":           err.Error(),
		})
		log := &core.DeliveryLog{
			DeliveryID:     deliveryID,
			OrganizationID: req.OrganizationID,
			Payload:        req.Payload,
			Status:         core.DeliveryFailed,
			CorrelationID:  req.Options.CorrelationID,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
			CompletedAt:    &now,
		}
		if createErr := s.logs.Create(ctx, log); createErr != nil {
			return nil, createErr
		}
		return &core.DeliveryResponse{
			DeliveryID:     deliveryID,
			Status:         core.DeliveryFailed,
			Destinations:   []core.DestinationState{},
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		}, nil
	}

	// Gate each destination through the breaker before enqueueing.
	subs := make([]core.DestinationDelivery, 0, len(resolved))
	states := make([]core.DestinationState, 0, len(resolved))
	var dispatch []string
	for _, dest := range resolved {
		if s.breaker.IsOpen(ctx, dest.ID) {
			subs = append(subs, core.DestinationDelivery{
				DestinationID: dest.ID,
				Status:        core.SubSkipped,
				LastError:     "circuit_open",
			})
			states = append(states, core.DestinationState{
				DestinationID: dest.ID,
				Status:        core.SubSkipped,
				Error:         "circuit_open",
			})
			continue
		}
		subs = append(subs, core.DestinationDelivery{
			DestinationID: dest.ID,
			Status:        core.SubPending,
		})
		states = append(states, core.DestinationState{
			DestinationID: dest.ID,
			Status:        core.SubPending,
		})
		dispatch = append(dispatch, dest.ID)
	}

	log := &core.DeliveryLog{
		DeliveryID:     deliveryID,
		OrganizationID: req.OrganizationID,
		Payload:        req.Payload,
		Status:         core.AggregateStatus(subs),
		Destinations:   subs,
		CorrelationID:  req.Options.CorrelationID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if log.Status.IsTerminal() {
		log.CompletedAt = &now
	}
	if err := s.logs.Create(ctx, log); err != nil {
		return nil, err
	}

	if len(dispatch) > 0 {
		priority := s.priorityFor(req)
		maxRetries := s.config.DefaultMaxRetries
		if req.Options.MaxRetries != nil {
			maxRetries = *req.Options.MaxRetries
		}
		if _, err := s.scheduler.ScheduleDelivery(ctx, log, dispatch, priority, maxRetries); err != nil {
			return nil, err
		}
		for _, destID := range dispatch {
			if err := s.destinations.RecordUsage(ctx, req.OrganizationID, destID); err != nil {
				s.logger.Warn("Failed to record destination usage", map[string]interface{}{
					"operation":      "deliver",
					"destination_id": destID,
					"error":          err.Error(),
				})
			}
		}
	}

	s.logger.Info("Delivery accepted", map[string]interface{}{
		"operation":       "deliver",
		"delivery_id":     deliveryID,
		"organization_id": req.OrganizationID,
		"destinations":    len(resolved),
		"enqueued":        len(dispatch),
		"status":          log.Status,
	})

	return &core.DeliveryResponse{
		DeliveryID:     deliveryID,
		Status:         log.Status,
		Destinations:   states,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}, nil
}

func (s *Service) validate(req *core.DeliveryRequest) error {
	fail := func(msg string) error {
		return &core.CourierError{
			Op:      "delivery.Deliver",
			Kind:    "validation",
			Message: msg,
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if req == nil {
		return fail("request is required")
	}
	if req.OrganizationID == "" {
		return fail("organization id is required")
	}
	if len(req.Payload.Data) == 0 || string(req.Payload.Data) == "null" {
		return fail("payload data is required")
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return fail("payload is not serializable")
	}
	if len(raw) > s.config.MaxPayloadSize {
		return &core.CourierError{
			Op:      "delivery.Deliver",
			Kind:    "validation",
			Message: fmt.Sprintf("payload size %d exceeds limit %d", len(raw), s.config.MaxPayloadSize),
			Err:     core.ErrPayloadTooLarge,
		}
	}
	if p := req.Options.Priority; p != nil && (*p < core.PriorityMin || *p > core.PriorityMax) {
		return &core.CourierError{
			Op:      "delivery.Deliver",
			Kind:    "validation",
			Message: fmt.Sprintf("priority %d outside [%d, %d]", *p, core.PriorityMin, core.PriorityMax),
			Err:     core.ErrInvalidPriority,
		}
	}
	if len(req.Destinations) == 0 {
		return fail("at least one destination is required")
	}
	return nil
}

func (s *Service) priorityFor(req *core.DeliveryRequest) int {
	if req.Options.Priority != nil {
		return *req.Options.Priority
	}
	return core.DefaultPriorityFor(req.Payload.Type)
}

// resolveDestinations maps the request's destination names to live rows. The
// "default" sentinel expands to the tenant's default set; explicit ids must
// all exist in the caller's organization and be enabled.
func (s *Service) resolveDestinations(ctx context.Context, req *core.DeliveryRequest) ([]*core.Destination, error) {
	if len(req.Destinations) == 1 && req.Destinations[0] == core.DefaultDestinations {
		return s.destinations.GetDefaults(ctx, req.OrganizationID)
	}

	resolved := make([]*core.Destination, 0, len(req.Destinations))
	for _, id := range req.Destinations {
		dest, err := s.destinations.Get(ctx, req.OrganizationID, id)
		if err != nil {
			return nil, err
		}
		if dest.Disabled {
			return nil, fmt.Errorf("destination %s: %w", id, core.ErrDestinationDisabled)
		}
		resolved = append(resolved, dest)
	}
	if len(resolved) == 0 {
		return nil, core.ErrNoDestinations
	}
	return resolved, nil
}

// RetryDelivery re-queues the failed destinations of a delivery that are
// still eligible per the retry manager and resets their substates to pending.
// Destinations whose failures were classified non-retryable stay failed; a
// delivery with only such failures is rejected.
func (s *Service) RetryDelivery(ctx context.Context, organizationID, deliveryID string) (*core.DeliveryResponse, error) {
	log, err := s.logs.Get(ctx, organizationID, deliveryID)
	if err != nil {
		return nil, err
	}

	items, err := s.queue.GetByDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	failed, eligible := 0, 0
	for _, item := range items {
		if item.Status != core.QueueItemFailed {
			continue
		}
		failed++
		// Check eligibility on a copy: the manual retry starts the counter
		// over, so only the non-retryable classification can deny it.
		candidate := *item
		s.retry.ResetRetryCount(&candidate)
		if s.retry.ShouldRetry(&candidate, nil) {
			eligible++
		}
	}
	notRetryable := func(msg string) error {
		return &core.CourierError{
			Op:      "delivery.RetryDelivery",
			Kind:    "validation",
			ID:      deliveryID,
			Message: msg,
			Err:     core.ErrDeliveryNotRetryable,
		}
	}
	if failed == 0 {
		return nil, notRetryable("no failed destinations to retry")
	}
	if eligible == 0 {
		return nil, notRetryable("all failed destinations are non-retryable")
	}

	requeued, err := s.scheduler.ScheduleRetry(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	requeuedDests := make(map[string]bool, len(requeued))
	for _, item := range requeued {
		requeuedDests[item.DestinationID] = true
	}
	now := time.Now()
	for i := range log.Destinations {
		sub := &log.Destinations[i]
		if (sub.Status == core.SubFailed || sub.Status == core.SubSkipped) && requeuedDests[sub.DestinationID] {
			sub.Status = core.SubPending
		}
	}
	log.Status = core.AggregateStatus(log.Destinations)
	log.CompletedAt = nil
	log.UpdatedAt = now
	if err := s.logs.Update(ctx, log); err != nil {
		return nil, err
	}

	s.logger.Info("Delivery retry requested", map[string]interface{}{
		"operation":       "retry_delivery",
		"delivery_id":     deliveryID,
		"organization_id": organizationID,
		"requeued":        len(requeued),
	})
	return s.response(log), nil
}

// CancelDelivery flips every non-terminal queue item of the delivery to
// cancelled. In-flight adapter calls finish but lose the resolution race.
func (s *Service) CancelDelivery(ctx context.Context, organizationID, deliveryID string) error {
	log, err := s.logs.Get(ctx, organizationID, deliveryID)
	if err != nil {
		return err
	}
	if log.Status.IsTerminal() {
		return &core.CourierError{
			Op:      "delivery.CancelDelivery",
			Kind:    "validation",
			ID:      deliveryID,
			Message: fmt.Sprintf("delivery already %s", log.Status),
			Err:     core.ErrInvalidTransition,
		}
	}

	cancelled, err := s.queue.CancelByDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}

	now := time.Now()
	log.Status = core.DeliveryCancelled
	log.UpdatedAt = now
	log.CompletedAt = &now
	if err := s.logs.Update(ctx, log); err != nil {
		return err
	}

	s.logger.Info("Delivery cancelled", map[string]interface{}{
		"operation":       "cancel_delivery",
		"delivery_id":     deliveryID,
		"organization_id": organizationID,
		"items_cancelled": cancelled,
	})
	return nil
}

// GetDeliveryStatus returns the tenant-scoped delivery view.
func (s *Service) GetDeliveryStatus(ctx context.Context, organizationID, deliveryID string) (*core.DeliveryResponse, error) {
	log, err := s.logs.Get(ctx, organizationID, deliveryID)
	if err != nil {
		return nil, err
	}
	return s.response(log), nil
}

// ListDeliveries returns tenant-scoped delivery logs. The organization filter
// is always enforced.
func (s *Service) ListDeliveries(ctx context.Context, filter core.DeliveryLogFilter) ([]*core.DeliveryLog, error) {
	if filter.OrganizationID == "" {
		return nil, &core.CourierError{
			Op:      "delivery.ListDeliveries",
			Kind:    "validation",
			Message: "organization id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return s.logs.List(ctx, filter)
}

func (s *Service) response(log *core.DeliveryLog) *core.DeliveryResponse {
	states := make([]core.DestinationState, 0, len(log.Destinations))
	for _, d := range log.Destinations {
		states = append(states, core.DestinationState{
			DestinationID: d.DestinationID,
			Status:        d.Status,
			Error:         d.LastError,
		})
	}
	return &core.DeliveryResponse{
		DeliveryID:     log.DeliveryID,
		Status:         log.Status,
		Destinations:   states,
		IdempotencyKey: log.IdempotencyKey,
		CreatedAt:      log.CreatedAt,
	}
}
