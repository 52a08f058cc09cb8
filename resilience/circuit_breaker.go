// Package resilience implements the failure-handling layer of the delivery
// orchestrator: a per-destination circuit breaker persisted through the
// destination health repository, and the retry manager that schedules
// exponential backoff with jitter.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/smedrec/courier/core"
)

// CircuitBreakerConfig holds configuration for the destination circuit
// breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// half-open trial.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close.
	SuccessThreshold int

	// VolumeThreshold is the minimum number of recorded deliveries before
	// the failure threshold is evaluated. Keeps a brand-new destination
	// from opening on its first hiccups.
	VolumeThreshold int

	// Logger for breaker events.
	Logger core.Logger

	// Events receives state transition notifications.
	Events core.DeliveryEvents
}

// DefaultCircuitBreakerConfig returns a production-ready default
// configuration.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		VolumeThreshold:  5,
	}
}

// Validate applies defaults and rejects nonsensical values.
func (c *CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.VolumeThreshold < 0 {
		c.VolumeThreshold = 5
	}
	return nil
}

// CircuitBreaker tracks delivery outcomes per destination and gates the
// scheduler's dispatch decisions. State lives in the health repository so
// every worker process sees the same breaker; the in-process mutex only
// serializes this process's read-modify-write cycles.
//
// The breaker fails safe: if health state cannot be read, IsOpen reports
// closed and the delivery proceeds. A storage outage must not stop traffic
// to destinations that may be perfectly healthy.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	health core.DestinationHealthRepository
	logger core.Logger
	events core.DeliveryEvents

	mu sync.Mutex
	// probes counts outstanding half-open trial deliveries per destination,
	// capped at SuccessThreshold. The counter is per-process; each worker
	// process bounds its own trial traffic.
	probes map[string]int
}

// NewCircuitBreaker creates a breaker over the given health repository.
func NewCircuitBreaker(health core.DestinationHealthRepository, config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	_ = config.Validate()

	cb := &CircuitBreaker{
		config: config,
		health: health,
		logger: config.Logger,
		events: config.Events,
		probes: make(map[string]int),
	}
	if cb.logger == nil {
		cb.logger = &core.NoOpLogger{}
	} else if cal, ok := cb.logger.(core.ComponentAwareLogger); ok {
		cb.logger = cal.WithComponent("courier/resilience")
	}
	if cb.events == nil {
		cb.events = &core.NoOpDeliveryEvents{}
	}
	return cb
}

// IsOpen reports whether deliveries to the destination should be skipped.
// An open breaker past its recovery timeout transitions to half-open and
// reports false so the caller performs the trial delivery. Half-open admits
// at most SuccessThreshold outstanding probes; further callers see true
// until a probe outcome lands.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, destinationID string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	health, err := cb.health.Get(ctx, destinationID)
	if err != nil {
		cb.logger.Error("Failed to read breaker state, failing open to traffic", map[string]interface{}{
			"operation":      "breaker_is_open",
			"destination_id": destinationID,
			"error":          err.Error(),
		})
		return false
	}

	switch health.State {
	case core.BreakerOpen:
		if health.OpenedAt != nil && time.Since(*health.OpenedAt) >= cb.config.RecoveryTimeout {
			cb.transition(ctx, health, core.BreakerHalfOpen, "recovery timeout elapsed")
			health.HalfOpenSuccesses = 0
			if err := cb.health.Upsert(ctx, health); err != nil {
				cb.logger.Error("Failed to persist half-open transition", map[string]interface{}{
					"operation":      "breaker_is_open",
					"destination_id": destinationID,
					"error":          err.Error(),
				})
			}
			cb.probes[destinationID] = 1
			return false
		}
		return true
	case core.BreakerHalfOpen:
		if cb.probes[destinationID] >= cb.config.SuccessThreshold {
			return true
		}
		cb.probes[destinationID]++
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful delivery outcome.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, destinationID string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	health, err := cb.health.Get(ctx, destinationID)
	if err != nil {
		return err
	}

	now := time.Now()
	health.TotalDeliveries++
	health.ConsecutiveFailures = 0
	health.LastSuccessAt = &now
	health.LastCheckAt = now

	if health.State == core.BreakerHalfOpen {
		if cb.probes[destinationID] > 0 {
			cb.probes[destinationID]--
		}
		health.HalfOpenSuccesses++
		if health.HalfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transition(ctx, health, core.BreakerClosed, "destination recovered")
			health.HalfOpenSuccesses = 0
			health.OpenedAt = nil
			health.OpenReason = ""
			delete(cb.probes, destinationID)
		}
	}

	return cb.health.Upsert(ctx, health)
}

// RecordFailure records a failed delivery outcome. In half-open state a
// single failure reopens the breaker immediately.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, destinationID, reason string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	health, err := cb.health.Get(ctx, destinationID)
	if err != nil {
		return err
	}

	now := time.Now()
	health.TotalDeliveries++
	health.TotalFailures++
	health.ConsecutiveFailures++
	health.LastFailureAt = &now
	health.LastCheckAt = now

	switch health.State {
	case core.BreakerHalfOpen:
		cb.open(ctx, health, now, "trial delivery failed: "+reason)
		delete(cb.probes, destinationID)
	case core.BreakerClosed:
		if health.ConsecutiveFailures >= cb.config.FailureThreshold &&
			health.TotalDeliveries >= int64(cb.config.VolumeThreshold) {
			cb.open(ctx, health, now, reason)
		}
	}

	return cb.health.Upsert(ctx, health)
}

// ForceOpen opens the breaker regardless of counters, for operator
// intervention.
func (cb *CircuitBreaker) ForceOpen(ctx context.Context, destinationID, reason string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	health, err := cb.health.Get(ctx, destinationID)
	if err != nil {
		return err
	}
	if health.State != core.BreakerOpen {
		cb.open(ctx, health, time.Now(), reason)
	}
	delete(cb.probes, destinationID)
	return cb.health.Upsert(ctx, health)
}

// ForceClose closes the breaker and zeroes the failure streak.
func (cb *CircuitBreaker) ForceClose(ctx context.Context, destinationID string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	health, err := cb.health.Get(ctx, destinationID)
	if err != nil {
		return err
	}
	if health.State != core.BreakerClosed {
		cb.transition(ctx, health, core.BreakerClosed, "forced close")
	}
	health.ConsecutiveFailures = 0
	health.HalfOpenSuccesses = 0
	health.OpenedAt = nil
	health.OpenReason = ""
	delete(cb.probes, destinationID)
	return cb.health.Upsert(ctx, health)
}

// GetState returns the current breaker state for a destination.
func (cb *CircuitBreaker) GetState(ctx context.Context, destinationID string) (core.BreakerState, error) {
	health, err := cb.health.Get(ctx, destinationID)
	if err != nil {
		return "", err
	}
	return health.State, nil
}

// GetMetrics returns the full health record for a destination.
func (cb *CircuitBreaker) GetMetrics(ctx context.Context, destinationID string) (*core.DestinationHealth, error) {
	return cb.health.Get(ctx, destinationID)
}

// GetAllStates returns the breaker state of every tracked destination.
func (cb *CircuitBreaker) GetAllStates(ctx context.Context) (map[string]core.BreakerState, error) {
	all, err := cb.health.List(ctx)
	if err != nil {
		return nil, err
	}
	states := make(map[string]core.BreakerState, len(all))
	for _, h := range all {
		states[h.DestinationID] = h.State
	}
	return states, nil
}

func (cb *CircuitBreaker) open(ctx context.Context, health *core.DestinationHealth, now time.Time, reason string) {
	cb.transition(ctx, health, core.BreakerOpen, reason)
	t := now
	health.OpenedAt = &t
	health.OpenReason = reason
	health.HalfOpenSuccesses = 0
}

// transition mutates health.State and emits the change. Callers persist.
func (cb *CircuitBreaker) transition(ctx context.Context, health *core.DestinationHealth, to core.BreakerState, reason string) {
	from := health.State
	if from == "" {
		from = core.BreakerClosed
	}
	if from == to {
		return
	}
	health.State = to

	cb.logger.Warn("Circuit breaker state changed", map[string]interface{}{
		"operation":      "breaker_transition",
		"destination_id": health.DestinationID,
		"from":           from,
		"to":             to,
		"reason":         reason,
	})
	cb.events.OnBreakerTransition(health.DestinationID, from, to, reason)
}
