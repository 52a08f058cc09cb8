// Package core defines the shared domain model of the delivery orchestrator:
// destinations, delivery logs, queue items, destination health, alerts, and
// the repository and adapter contracts the other packages are built against.
package core

import (
	"encoding/json"
	"time"
)

// DestinationType discriminates the typed destination config.
type DestinationType string

const (
	DestinationWebhook DestinationType = "webhook"
	DestinationEmail   DestinationType = "email"
	DestinationStorage DestinationType = "storage"
)

// DeliveryStatus is the overall status of a delivery log.
type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "queued"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryCompleted  DeliveryStatus = "completed"
	DeliveryPartial    DeliveryStatus = "partial"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

// IsTerminal reports whether the delivery can no longer change state.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryCompleted, DeliveryPartial, DeliveryFailed, DeliveryCancelled:
		return true
	}
	return false
}

// QueueItemStatus is the status of a single (delivery, destination) work unit.
type QueueItemStatus string

const (
	QueueItemPending    QueueItemStatus = "pending"
	QueueItemProcessing QueueItemStatus = "processing"
	QueueItemCompleted  QueueItemStatus = "completed"
	QueueItemFailed     QueueItemStatus = "failed"
	QueueItemCancelled  QueueItemStatus = "cancelled"
)

// IsTerminal reports whether the item can still be picked up by a worker.
func (s QueueItemStatus) IsTerminal() bool {
	switch s {
	case QueueItemCompleted, QueueItemFailed, QueueItemCancelled:
		return true
	}
	return false
}

// SubStatus is the per-destination substate inside a delivery log.
type SubStatus string

const (
	SubPending    SubStatus = "pending"
	SubProcessing SubStatus = "processing"
	SubDelivered  SubStatus = "delivered"
	SubFailed     SubStatus = "failed"
	SubSkipped    SubStatus = "skipped"
)

// BreakerState is the circuit breaker state for one destination.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half-open"
	BreakerOpen     BreakerState = "open"
)

// Priority bounds for queue items. 10 is the highest priority.
const (
	PriorityMin = 0
	PriorityMax = 10
)

// Default priorities by payload type, applied when a request does not set one.
const (
	PriorityHealthCheck = 10
	PriorityWrite       = 5
	PriorityReport      = 3
	PriorityRead        = 1
)

// WebhookRetryConfig is the per-destination retry override carried in a
// webhook config.
type WebhookRetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	BackoffFactor float64       `json:"backoff_factor,omitempty"`
	InitialDelay  time.Duration `json:"initial_delay,omitempty"`
}

// WebhookConfig configures an HTTP webhook destination.
type WebhookConfig struct {
	URL         string              `json:"url"`
	Method      string              `json:"method"`
	Headers     map[string]string   `json:"headers,omitempty"`
	Timeout     time.Duration       `json:"timeout"`
	RetryConfig *WebhookRetryConfig `json:"retry_config,omitempty"`
}

// EmailConfig configures a mailbox destination.
type EmailConfig struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	SMTPHost   string   `json:"smtp_host"`
	SMTPPort   int      `json:"smtp_port"`
}

// StorageConfig configures an object store destination.
type StorageConfig struct {
	Bucket string `json:"bucket"`
	Region string `json:"region,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// DestinationConfig is a tagged sum: exactly the variant matching the
// destination's Type must be set. Validation enforces this so adapter
// selection is a total function.
type DestinationConfig struct {
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	Email   *EmailConfig   `json:"email,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

// Destination is a tenant-owned delivery target.
type Destination struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Type           DestinationType   `json:"type"`
	Label          string            `json:"label"`
	Description    string            `json:"description,omitempty"`
	Disabled       bool              `json:"disabled"`
	DisabledAt     *time.Time        `json:"disabled_at,omitempty"`
	DisabledBy     string            `json:"disabled_by,omitempty"`
	IsDefault      bool              `json:"is_default"`
	Config         DestinationConfig `json:"config"`
	CountUsage     int64             `json:"count_usage"`
	LastUsedAt     *time.Time        `json:"last_used_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// DeliveryPayload is the payload snapshot carried by delivery logs and queue
// items. Data is kept raw so the orchestrator never reinterprets it.
type DeliveryPayload struct {
	Type     string                 `json:"type"`
	Data     json.RawMessage        `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DestinationDelivery is the per-destination substate owned by a delivery log.
type DestinationDelivery struct {
	DestinationID        string     `json:"destination_id"`
	Status               SubStatus  `json:"status"`
	Attempts             int        `json:"attempts"`
	LastError            string     `json:"last_error,omitempty"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty"`
	CrossSystemReference string     `json:"cross_system_reference,omitempty"`
}

// DeliveryLog is the persisted record of one fanned-out delivery.
type DeliveryLog struct {
	DeliveryID     string                `json:"delivery_id"`
	OrganizationID string                `json:"organization_id"`
	Payload        DeliveryPayload       `json:"payload"`
	Status         DeliveryStatus        `json:"status"`
	Destinations   []DestinationDelivery `json:"destinations"`
	CorrelationID  string                `json:"correlation_id,omitempty"`
	IdempotencyKey string                `json:"idempotency_key"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// RetryAttempt is one recorded delivery attempt in queue item metadata.
type RetryAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// QueueItemMetadata carries the retry bookkeeping of a queue item.
type QueueItemMetadata struct {
	RetryAttempts      []RetryAttempt `json:"retry_attempts,omitempty"`
	NonRetryable       bool           `json:"non_retryable,omitempty"`
	NonRetryableReason string         `json:"non_retryable_reason,omitempty"`
	LastFailureReason  string         `json:"last_failure_reason,omitempty"`
}

// QueueItem is the persisted unit of work for one (delivery, destination)
// pair.
type QueueItem struct {
	ID             string            `json:"id"`
	DeliveryID     string            `json:"delivery_id"`
	OrganizationID string            `json:"organization_id"`
	DestinationID  string            `json:"destination_id"`
	Priority       int               `json:"priority"`
	Status         QueueItemStatus   `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	NextRetryAt    *time.Time        `json:"next_retry_at,omitempty"`
	Payload        DeliveryPayload   `json:"payload"`
	Metadata       QueueItemMetadata `json:"metadata"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// ReadyAt returns when the item becomes eligible for dequeue.
func (q *QueueItem) ReadyAt() time.Time {
	if q.NextRetryAt != nil {
		return *q.NextRetryAt
	}
	return q.CreatedAt
}

// DestinationHealth aggregates delivery outcomes per destination and carries
// the circuit breaker state.
type DestinationHealth struct {
	DestinationID       string       `json:"destination_id"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalDeliveries     int64        `json:"total_deliveries"`
	TotalFailures       int64        `json:"total_failures"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
	OpenReason          string       `json:"open_reason,omitempty"`
	LastCheckAt         time.Time    `json:"last_check_at"`
}

// AlertType names the failure pattern an alert describes.
type AlertType string

const (
	AlertConsecutiveFailures AlertType = "consecutive_failures"
	AlertFailureRate         AlertType = "failure_rate"
	AlertQueueBacklog        AlertType = "queue_backlog"
	AlertResponseTime        AlertType = "response_time"
	AlertStaleItems          AlertType = "stale_items"
)

// AlertSeverity orders alerts for operators.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus tracks the operator lifecycle: active → acknowledged? → resolved.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is a persisted operator alert. DestinationID is empty for
// system-scoped alerts such as queue_backlog.
type Alert struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	DestinationID  string                 `json:"destination_id,omitempty"`
	DepartmentID   string                 `json:"department_id,omitempty"`
	TeamID         string                 `json:"team_id,omitempty"`
	Type           AlertType              `json:"type"`
	Severity       AlertSeverity          `json:"severity"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Status         AlertStatus            `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	ResolvedBy     string                 `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
}

// AlertConfig holds per-organization alert thresholds.
type AlertConfig struct {
	OrganizationID              string        `json:"organization_id"`
	FailureRateThreshold        float64       `json:"failure_rate_threshold"`
	ConsecutiveFailureThreshold int           `json:"consecutive_failure_threshold"`
	QueueBacklogThreshold       int           `json:"queue_backlog_threshold"`
	ResponseTimeThreshold       time.Duration `json:"response_time_threshold"`
	DebounceWindow              time.Duration `json:"debounce_window"`
	EscalationDelay             time.Duration `json:"escalation_delay"`
}

// MaintenanceWindow suppresses a set of alert types for a tenant (and
// optionally a single destination) during a scheduled interval.
type MaintenanceWindow struct {
	ID                 string      `json:"id"`
	OrganizationID     string      `json:"organization_id"`
	DestinationID      string      `json:"destination_id,omitempty"`
	StartTime          time.Time   `json:"start_time"`
	EndTime            time.Time   `json:"end_time"`
	Timezone           string      `json:"timezone,omitempty"`
	Reason             string      `json:"reason,omitempty"`
	SuppressAlertTypes []AlertType `json:"suppress_alert_types"`
	CreatedBy          string      `json:"created_by"`
}

// Contains reports whether the window is active at t for the given alert
// type and destination.
func (w *MaintenanceWindow) Contains(t time.Time, alertType AlertType, destinationID string) bool {
	if t.Before(w.StartTime) || t.After(w.EndTime) {
		return false
	}
	if w.DestinationID != "" && w.DestinationID != destinationID {
		return false
	}
	for _, suppressed := range w.SuppressAlertTypes {
		if suppressed == alertType {
			return true
		}
	}
	return false
}

// AlertRole is the operator role used by alert access control.
type AlertRole string

const (
	RoleViewer   AlertRole = "viewer"
	RoleOperator AlertRole = "operator"
	RoleAdmin    AlertRole = "admin"
	RoleOwner    AlertRole = "owner"
)

// AlertUserContext identifies the caller of the operator API.
type AlertUserContext struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	DepartmentID   string    `json:"department_id,omitempty"`
	TeamID         string    `json:"team_id,omitempty"`
	Role           AlertRole `json:"role"`
}

// DeliveryOptions tune a single delivery request.
type DeliveryOptions struct {
	// Priority overrides the payload-type default; nil means "derive".
	Priority      *int   `json:"priority,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	MaxRetries    *int   `json:"max_retries,omitempty"`
}

// DefaultDestinations is the sentinel accepted in DeliveryRequest.Destinations
// to fan out to the tenant's default destinations.
const DefaultDestinations = "default"

// DeliveryRequest is the single inbound call of the delivery service.
type DeliveryRequest struct {
	OrganizationID string          `json:"organization_id"`
	Destinations   []string        `json:"destinations"`
	Payload        DeliveryPayload `json:"payload"`
	Options        DeliveryOptions `json:"options"`
}

// DestinationState is the per-destination view returned to callers.
type DestinationState struct {
	DestinationID string    `json:"destination_id"`
	Status        SubStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
}

// DeliveryResponse is the synchronous answer to Deliver.
type DeliveryResponse struct {
	DeliveryID     string             `json:"delivery_id"`
	Status         DeliveryStatus     `json:"status"`
	Destinations   []DestinationState `json:"destinations"`
	IdempotencyKey string             `json:"idempotency_key"`
	CreatedAt      time.Time          `json:"created_at"`
}
