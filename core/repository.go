package core

import (
	"context"
	"time"
)

// DestinationFilter narrows List results. OrganizationID is mandatory:
// tenant isolation is enforced at the repository boundary.
type DestinationFilter struct {
	OrganizationID string
	Type           DestinationType
	Disabled       *bool
	DefaultOnly    bool
	Limit          int
	Offset         int
}

// DestinationRepository persists tenant-owned destinations.
type DestinationRepository interface {
	Create(ctx context.Context, dest *Destination) error
	// Get returns ErrDestinationNotFound for unknown ids and for ids owned
	// by a different organization.
	Get(ctx context.Context, organizationID, id string) (*Destination, error)
	Update(ctx context.Context, dest *Destination) error
	Delete(ctx context.Context, organizationID, id string) error
	List(ctx context.Context, filter DestinationFilter) ([]*Destination, error)
	// IncrementUsage bumps CountUsage and stamps LastUsedAt.
	IncrementUsage(ctx context.Context, organizationID, id string, at time.Time) error
}

// DestinationResult is one attempt outcome applied to a delivery log.
type DestinationResult struct {
	Status               SubStatus
	Error                string
	CrossSystemReference string
	AttemptedAt          time.Time
	// CountAttempt controls whether Attempts is incremented; skips don't
	// count as attempts.
	CountAttempt bool
}

// DeliveryLogFilter narrows delivery log listings.
type DeliveryLogFilter struct {
	OrganizationID string
	Status         DeliveryStatus
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// DeliveryLogRepository persists delivery logs and their per-destination
// substates.
type DeliveryLogRepository interface {
	Create(ctx context.Context, log *DeliveryLog) error
	// Get enforces tenant scope; cross-tenant ids return ErrDeliveryNotFound.
	Get(ctx context.Context, organizationID, deliveryID string) (*DeliveryLog, error)
	// GetAny is the worker-side read that bypasses tenant scoping; workers
	// identify items by queue metadata, never by caller input.
	GetAny(ctx context.Context, deliveryID string) (*DeliveryLog, error)
	Update(ctx context.Context, log *DeliveryLog) error
	// ApplyDestinationResult atomically updates one substate, bumps its
	// attempt counter when CountAttempt is set, recomputes the aggregate
	// status, and returns the updated log.
	ApplyDestinationResult(ctx context.Context, deliveryID, destinationID string, result DestinationResult) (*DeliveryLog, error)
	List(ctx context.Context, filter DeliveryLogFilter) ([]*DeliveryLog, error)
}

// QueueStats is the per-organization queue view.
type QueueStats struct {
	QueueDepth       int           `json:"queue_depth"`
	ProcessingCount  int           `json:"processing_count"`
	AverageWaitTime  time.Duration `json:"average_wait_time"`
	RecentThroughput int           `json:"recent_throughput"`
	FailureRate      float64       `json:"failure_rate"`
}

// QueueRepository persists queue items. The dequeue path is the only
// operation requiring storage-level fencing: an item may leave pending only
// through DequeueBatch, and may leave processing only through Transition.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *QueueItem) error
	Get(ctx context.Context, id string) (*QueueItem, error)
	GetByDelivery(ctx context.Context, deliveryID string) ([]*QueueItem, error)
	// DequeueBatch atomically claims up to limit pending items whose
	// ReadyAt is not after now, ordered by priority descending then
	// created-at ascending, flipping each to processing.
	DequeueBatch(ctx context.Context, limit int, now time.Time) ([]*QueueItem, error)
	// Transition persists item only if its stored status equals from;
	// returns ErrInvalidTransition otherwise.
	Transition(ctx context.Context, item *QueueItem, from QueueItemStatus) error
	ListByStatus(ctx context.Context, status QueueItemStatus, limit int) ([]*QueueItem, error)
	// CancelByDelivery flips all non-terminal items of a delivery to
	// cancelled and returns how many were affected.
	CancelByDelivery(ctx context.Context, deliveryID string) (int, error)
	// ResetStuck returns processing items untouched since deadline back to
	// pending so another worker can reclaim them.
	ResetStuck(ctx context.Context, deadline time.Time) (int, error)
	// DeleteTerminalBefore removes completed/failed/cancelled items older
	// than cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context, organizationID string) (*QueueStats, error)
}

// DestinationHealthRepository persists per-destination health counters.
// Counters tolerate small cross-worker skew; the breaker's volume threshold
// masks it.
type DestinationHealthRepository interface {
	// Get returns a zeroed closed-state record for unknown destinations.
	Get(ctx context.Context, destinationID string) (*DestinationHealth, error)
	Upsert(ctx context.Context, health *DestinationHealth) error
	List(ctx context.Context) ([]*DestinationHealth, error)
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	OrganizationID string
	Status         AlertStatus
	Severity       AlertSeverity
	Type           AlertType
	DestinationID  string
	Limit          int
	Offset         int
}

// AlertRepository persists operator alerts. Update is serialized per alert id
// by the implementation.
type AlertRepository interface {
	Create(ctx context.Context, alert *Alert) error
	Get(ctx context.Context, organizationID, id string) (*Alert, error)
	Update(ctx context.Context, alert *Alert) error
	List(ctx context.Context, filter AlertFilter) ([]*Alert, error)
}

// AlertConfigRepository persists per-organization thresholds.
type AlertConfigRepository interface {
	// Get returns nil (no error) when the organization has no config.
	Get(ctx context.Context, organizationID string) (*AlertConfig, error)
	Upsert(ctx context.Context, cfg *AlertConfig) error
}

// MaintenanceWindowRepository persists scheduled alert suppression windows.
type MaintenanceWindowRepository interface {
	Create(ctx context.Context, window *MaintenanceWindow) error
	// ListActive returns windows containing at for the organization.
	ListActive(ctx context.Context, organizationID string, at time.Time) ([]*MaintenanceWindow, error)
	List(ctx context.Context, organizationID string) ([]*MaintenanceWindow, error)
	Delete(ctx context.Context, organizationID, id string) error
	// DeleteExpiredBefore drops windows whose EndTime precedes cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
