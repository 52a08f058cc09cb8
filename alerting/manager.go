package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/courier/core"
)

// ManagerConfig configures the alert manager.
type ManagerConfig struct {
	// Defaults apply to organizations with no stored AlertConfig, and fill
	// unset fields of stored configs.
	Defaults core.AlertConfig

	// Logger is optional and defaults to a no-op logger.
	Logger core.Logger

	// Events receives OnAlert for every persisted alert.
	Events core.DeliveryEvents
}

// DefaultManagerConfig returns a production-ready default configuration.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Defaults: core.AlertConfig{
			FailureRateThreshold:        0.5,
			ConsecutiveFailureThreshold: 5,
			QueueBacklogThreshold:       100,
			ResponseTimeThreshold:       30 * time.Second,
			DebounceWindow:              30 * time.Minute,
			EscalationDelay:             time.Hour,
		},
	}
}

// Validate applies defaults.
func (c *ManagerConfig) Validate() error {
	d := DefaultManagerConfig()
	if c.Defaults.FailureRateThreshold <= 0 {
		c.Defaults.FailureRateThreshold = d.Defaults.FailureRateThreshold
	}
	if c.Defaults.ConsecutiveFailureThreshold <= 0 {
		c.Defaults.ConsecutiveFailureThreshold = d.Defaults.ConsecutiveFailureThreshold
	}
	if c.Defaults.QueueBacklogThreshold <= 0 {
		c.Defaults.QueueBacklogThreshold = d.Defaults.QueueBacklogThreshold
	}
	if c.Defaults.ResponseTimeThreshold <= 0 {
		c.Defaults.ResponseTimeThreshold = d.Defaults.ResponseTimeThreshold
	}
	if c.Defaults.DebounceWindow <= 0 {
		c.Defaults.DebounceWindow = d.Defaults.DebounceWindow
	}
	if c.Defaults.EscalationDelay <= 0 {
		c.Defaults.EscalationDelay = d.Defaults.EscalationDelay
	}
	return nil
}

// Manager evaluates alert thresholds and serves the operator API with role
// and tenant enforcement.
type Manager struct {
	config    *ManagerConfig
	alerts    core.AlertRepository
	configs   core.AlertConfigRepository
	health    core.DestinationHealthRepository
	queue     core.QueueRepository
	windows   core.MaintenanceWindowRepository
	debouncer *Debouncer
	access    *AccessControl
	logger    core.Logger
	events    core.DeliveryEvents
}

// NewManager wires the alert manager over its repositories. The debouncer
// must be constructed over the same maintenance window repository.
func NewManager(
	alerts core.AlertRepository,
	configs core.AlertConfigRepository,
	health core.DestinationHealthRepository,
	queue core.QueueRepository,
	windows core.MaintenanceWindowRepository,
	debouncer *Debouncer,
	config *ManagerConfig,
) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	_ = config.Validate()

	m := &Manager{
		config:    config,
		alerts:    alerts,
		configs:   configs,
		health:    health,
		queue:     queue,
		windows:   windows,
		debouncer: debouncer,
		access:    NewAccessControl(config.Logger),
		logger:    config.Logger,
		events:    config.Events,
	}
	if m.logger == nil {
		m.logger = &core.NoOpLogger{}
	} else if cal, ok := m.logger.(core.ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("courier/alerting")
	}
	if m.events == nil {
		m.events = &core.NoOpDeliveryEvents{}
	}
	return m
}

// AccessControl exposes the manager's checker for transport-layer reuse.
func (m *Manager) AccessControl() *AccessControl {
	return m.access
}

// configFor loads the organization's thresholds, falling back to defaults
// field by field.
func (m *Manager) configFor(ctx context.Context, organizationID string) *core.AlertConfig {
	cfg, err := m.configs.Get(ctx, organizationID)
	if err != nil {
		m.logger.Error("Failed to load alert config, using defaults", map[string]interface{}{
			"operation":       "config_for",
			"organization_id": organizationID,
			"error":           err.Error(),
		})
		cfg = nil
	}
	merged := m.config.Defaults
	merged.OrganizationID = organizationID
	if cfg != nil {
		if cfg.FailureRateThreshold > 0 {
			merged.FailureRateThreshold = cfg.FailureRateThreshold
		}
		if cfg.ConsecutiveFailureThreshold > 0 {
			merged.ConsecutiveFailureThreshold = cfg.ConsecutiveFailureThreshold
		}
		if cfg.QueueBacklogThreshold > 0 {
			merged.QueueBacklogThreshold = cfg.QueueBacklogThreshold
		}
		if cfg.ResponseTimeThreshold > 0 {
			merged.ResponseTimeThreshold = cfg.ResponseTimeThreshold
		}
		if cfg.DebounceWindow > 0 {
			merged.DebounceWindow = cfg.DebounceWindow
		}
		if cfg.EscalationDelay > 0 {
			merged.EscalationDelay = cfg.EscalationDelay
		}
	}
	return &merged
}

// CheckFailureThresholds evaluates one destination's health against the
// organization's thresholds and emits the alerts that are due. It returns
// the alerts persisted in this pass, escalations included.
func (m *Manager) CheckFailureThresholds(ctx context.Context, organizationID, destinationID string) ([]*core.Alert, error) {
	h, err := m.health.Get(ctx, destinationID)
	if err != nil {
		return nil, core.NewCourierError("alerts.CheckFailureThresholds", "health", err)
	}
	cfg := m.configFor(ctx, organizationID)

	var emitted []*core.Alert

	if h.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold {
		severity := core.SeverityMedium
		if h.ConsecutiveFailures >= 2*cfg.ConsecutiveFailureThreshold {
			severity = core.SeverityHigh
		}
		alerts, err := m.maybeEmit(ctx, cfg, &core.Alert{
			OrganizationID: organizationID,
			DestinationID:  destinationID,
			Type:           core.AlertConsecutiveFailures,
			Severity:       severity,
			Title:          fmt.Sprintf("Destination failing: %d consecutive failures", h.ConsecutiveFailures),
			Description:    fmt.Sprintf("Destination %s has failed %d deliveries in a row (threshold %d).", destinationID, h.ConsecutiveFailures, cfg.ConsecutiveFailureThreshold),
			Metadata: map[string]interface{}{
				"consecutive_failures": h.ConsecutiveFailures,
				"threshold":            cfg.ConsecutiveFailureThreshold,
				"breaker_state":        string(h.State),
			},
		})
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, alerts...)
	}

	if h.TotalDeliveries > 0 {
		rate := float64(h.TotalFailures) / float64(h.TotalDeliveries)
		if rate >= cfg.FailureRateThreshold {
			alerts, err := m.maybeEmit(ctx, cfg, &core.Alert{
				OrganizationID: organizationID,
				DestinationID:  destinationID,
				Type:           core.AlertFailureRate,
				Severity:       core.SeverityHigh,
				Title:          fmt.Sprintf("Destination failure rate %.0f%%", rate*100),
				Description:    fmt.Sprintf("Destination %s is failing %.0f%% of deliveries (threshold %.0f%%).", destinationID, rate*100, cfg.FailureRateThreshold*100),
				Metadata: map[string]interface{}{
					"failure_rate":     rate,
					"threshold":        cfg.FailureRateThreshold,
					"total_deliveries": h.TotalDeliveries,
					"total_failures":   h.TotalFailures,
				},
			})
			if err != nil {
				return emitted, err
			}
			emitted = append(emitted, alerts...)
		}
	}

	return emitted, nil
}

// CheckQueueThresholds evaluates the organization's queue against the
// backlog and wait-time thresholds. Queue alerts carry no destination id.
func (m *Manager) CheckQueueThresholds(ctx context.Context, organizationID string) ([]*core.Alert, error) {
	stats, err := m.queue.Stats(ctx, organizationID)
	if err != nil {
		return nil, core.NewCourierError("alerts.CheckQueueThresholds", "queue", err)
	}
	cfg := m.configFor(ctx, organizationID)

	var emitted []*core.Alert

	if stats.QueueDepth >= cfg.QueueBacklogThreshold {
		severity := core.SeverityHigh
		if stats.QueueDepth >= 2*cfg.QueueBacklogThreshold {
			severity = core.SeverityCritical
		}
		alerts, err := m.maybeEmit(ctx, cfg, &core.Alert{
			OrganizationID: organizationID,
			Type:           core.AlertQueueBacklog,
			Severity:       severity,
			Title:          fmt.Sprintf("Queue backlog: %d pending deliveries", stats.QueueDepth),
			Description:    fmt.Sprintf("The delivery queue holds %d pending items (threshold %d).", stats.QueueDepth, cfg.QueueBacklogThreshold),
			Metadata: map[string]interface{}{
				"queue_depth": stats.QueueDepth,
				"threshold":   cfg.QueueBacklogThreshold,
			},
		})
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, alerts...)
	}

	if stats.AverageWaitTime >= cfg.ResponseTimeThreshold {
		alerts, err := m.maybeEmit(ctx, cfg, &core.Alert{
			OrganizationID: organizationID,
			Type:           core.AlertResponseTime,
			Severity:       core.SeverityMedium,
			Title:          fmt.Sprintf("Deliveries waiting %s on average", stats.AverageWaitTime.Round(time.Second)),
			Description:    fmt.Sprintf("Average queue wait time is %s (threshold %s).", stats.AverageWaitTime.Round(time.Second), cfg.ResponseTimeThreshold),
			Metadata: map[string]interface{}{
				"average_wait_ms": stats.AverageWaitTime.Milliseconds(),
				"threshold_ms":    cfg.ResponseTimeThreshold.Milliseconds(),
			},
		})
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, alerts...)
	}

	return emitted, nil
}

// maybeEmit runs the candidate alert through the debouncer, persists it when
// permitted, and follows up with an escalated copy when the stream has aged
// onto a higher severity rung.
func (m *Manager) maybeEmit(ctx context.Context, cfg *core.AlertConfig, candidate *core.Alert) ([]*core.Alert, error) {
	if !m.debouncer.ShouldSendAlert(ctx, candidate.Type, candidate.DestinationID, candidate.OrganizationID, cfg) {
		return nil, nil
	}

	candidate.ID = uuid.NewString()
	candidate.Status = core.AlertActive
	candidate.CreatedAt = time.Now()
	if err := m.alerts.Create(ctx, candidate); err != nil {
		return nil, core.NewCourierError("alerts.maybeEmit", "alert", err)
	}
	m.events.OnAlert(ctx, candidate)
	m.logger.Warn("Alert raised", map[string]interface{}{
		"operation":       "maybe_emit",
		"alert_id":        candidate.ID,
		"alert_type":      string(candidate.Type),
		"severity":        string(candidate.Severity),
		"organization_id": candidate.OrganizationID,
		"destination_id":  candidate.DestinationID,
	})

	out := []*core.Alert{candidate}

	decision := m.debouncer.ShouldEscalateAlert(candidate.Type, candidate.DestinationID, candidate.OrganizationID)
	if !decision.ShouldEscalate {
		return out, nil
	}

	escalated := &core.Alert{
		ID:             uuid.NewString(),
		OrganizationID: candidate.OrganizationID,
		DestinationID:  candidate.DestinationID,
		DepartmentID:   candidate.DepartmentID,
		TeamID:         candidate.TeamID,
		Type:           candidate.Type,
		Severity:       decision.NewSeverity,
		Title:          "[ESCALATED] " + candidate.Title,
		Description:    candidate.Description,
		Status:         core.AlertActive,
		CreatedAt:      time.Now(),
		Metadata: map[string]interface{}{
			"original_alert_id": candidate.ID,
			"escalation_level":  decision.Level,
			"channels":          decision.Channels,
		},
	}
	if err := m.alerts.Create(ctx, escalated); err != nil {
		return out, core.NewCourierError("alerts.maybeEmit", "alert", err)
	}
	m.events.OnAlert(ctx, escalated)
	m.logger.Error("Alert escalated", map[string]interface{}{
		"operation":         "maybe_emit",
		"alert_id":          escalated.ID,
		"original_alert_id": candidate.ID,
		"escalation_level":  decision.Level,
		"severity":          string(decision.NewSeverity),
	})

	return append(out, escalated), nil
}

// GetAlertsForUser lists alerts the user may see, sanitized for their role.
// The filter's organization is forced to the user's own.
func (m *Manager) GetAlertsForUser(ctx context.Context, user core.AlertUserContext, filter core.AlertFilter) ([]*core.Alert, error) {
	if !m.access.HasPermission(user, PermViewAlerts) {
		return nil, core.NewCourierError("alerts.GetAlertsForUser", "alert", core.ErrAccessDenied)
	}
	filter.OrganizationID = user.OrganizationID

	alerts, err := m.alerts.List(ctx, filter)
	if err != nil {
		return nil, core.NewCourierError("alerts.GetAlertsForUser", "alert", err)
	}

	visible := m.access.FilterAlerts(user, alerts)
	out := make([]*core.Alert, 0, len(visible))
	for _, a := range visible {
		if s := m.access.SanitizeAlertForUser(user, a); s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetAlertForUser fetches one alert, sanitized. Cross-tenant and invisible
// alerts surface as not found.
func (m *Manager) GetAlertForUser(ctx context.Context, user core.AlertUserContext, alertID string) (*core.Alert, error) {
	if !m.access.HasPermission(user, PermViewAlerts) {
		return nil, core.NewCourierError("alerts.GetAlertForUser", "alert", core.ErrAccessDenied)
	}
	alert, err := m.alerts.Get(ctx, user.OrganizationID, alertID)
	if err != nil {
		return nil, err
	}
	s := m.access.SanitizeAlertForUser(user, alert)
	if s == nil {
		return nil, core.ErrAlertNotFound
	}
	return s, nil
}

// AcknowledgeAlert marks an active alert acknowledged by the user.
func (m *Manager) AcknowledgeAlert(ctx context.Context, user core.AlertUserContext, alertID string) (*core.Alert, error) {
	alert, err := m.alerts.Get(ctx, user.OrganizationID, alertID)
	if err != nil {
		return nil, err
	}
	if decision := m.access.ValidateAlertOperation(user, PermAcknowledgeAlerts, alert); !decision.Allowed {
		return nil, &core.CourierError{Op: "alerts.AcknowledgeAlert", Kind: "alert", ID: alertID, Message: decision.Reason, Err: core.ErrAccessDenied}
	}
	if alert.Status != core.AlertActive {
		return nil, core.NewCourierError("alerts.AcknowledgeAlert", "alert", core.ErrInvalidTransition)
	}

	now := time.Now()
	alert.Status = core.AlertAcknowledged
	alert.AcknowledgedBy = user.UserID
	alert.AcknowledgedAt = &now
	if err := m.alerts.Update(ctx, alert); err != nil {
		return nil, core.NewCourierError("alerts.AcknowledgeAlert", "alert", err)
	}

	m.access.CreateAuditLogEntry(user, "acknowledge_alert", "alert", alertID, nil)
	return m.access.SanitizeAlertForUser(user, alert), nil
}

// ResolveAlert closes an alert and resets its debounce stream so a
// recurrence of the same condition alerts immediately.
func (m *Manager) ResolveAlert(ctx context.Context, user core.AlertUserContext, alertID, notes string) (*core.Alert, error) {
	alert, err := m.alerts.Get(ctx, user.OrganizationID, alertID)
	if err != nil {
		return nil, err
	}
	if decision := m.access.ValidateAlertOperation(user, PermResolveAlerts, alert); !decision.Allowed {
		return nil, &core.CourierError{Op: "alerts.ResolveAlert", Kind: "alert", ID: alertID, Message: decision.Reason, Err: core.ErrAccessDenied}
	}
	if alert.Status == core.AlertResolved {
		return nil, core.NewCourierError("alerts.ResolveAlert", "alert", core.ErrInvalidTransition)
	}

	now := time.Now()
	alert.Status = core.AlertResolved
	alert.ResolvedBy = user.UserID
	alert.ResolvedAt = &now
	if notes != "" {
		alert.Notes = notes
	}
	if err := m.alerts.Update(ctx, alert); err != nil {
		return nil, core.NewCourierError("alerts.ResolveAlert", "alert", err)
	}

	m.debouncer.ResetDebounceState(alert.Type, alert.DestinationID, alert.OrganizationID)
	m.access.CreateAuditLogEntry(user, "resolve_alert", "alert", alertID, map[string]interface{}{"notes": notes})
	return m.access.SanitizeAlertForUser(user, alert), nil
}

// ConfigureAlertThresholds stores the organization's thresholds.
func (m *Manager) ConfigureAlertThresholds(ctx context.Context, user core.AlertUserContext, cfg *core.AlertConfig) error {
	if !m.access.HasPermission(user, PermConfigureThresholds) {
		return core.NewCourierError("alerts.ConfigureAlertThresholds", "alert_config", core.ErrAccessDenied)
	}
	if cfg.OrganizationID == "" {
		cfg.OrganizationID = user.OrganizationID
	}
	if err := m.access.PreventCrossOrganizationAccess(user, cfg.OrganizationID); err != nil {
		return core.NewCourierError("alerts.ConfigureAlertThresholds", "alert_config", err)
	}
	if cfg.FailureRateThreshold < 0 || cfg.FailureRateThreshold > 1 {
		return &core.CourierError{Op: "alerts.ConfigureAlertThresholds", Kind: "alert_config", Message: "failure rate threshold must be within [0, 1]", Err: core.ErrInvalidConfiguration}
	}
	if cfg.ConsecutiveFailureThreshold < 0 || cfg.QueueBacklogThreshold < 0 {
		return &core.CourierError{Op: "alerts.ConfigureAlertThresholds", Kind: "alert_config", Message: "thresholds must not be negative", Err: core.ErrInvalidConfiguration}
	}

	if err := m.configs.Upsert(ctx, cfg); err != nil {
		return core.NewCourierError("alerts.ConfigureAlertThresholds", "alert_config", err)
	}
	m.access.CreateAuditLogEntry(user, "configure_thresholds", "alert_config", cfg.OrganizationID, nil)
	return nil
}

// GetAlertConfig returns the organization's effective thresholds, defaults
// merged in.
func (m *Manager) GetAlertConfig(ctx context.Context, user core.AlertUserContext) (*core.AlertConfig, error) {
	if !m.access.HasPermission(user, PermViewAlerts) {
		return nil, core.NewCourierError("alerts.GetAlertConfig", "alert_config", core.ErrAccessDenied)
	}
	return m.configFor(ctx, user.OrganizationID), nil
}

// AddMaintenanceWindow schedules alert suppression for the user's tenant.
func (m *Manager) AddMaintenanceWindow(ctx context.Context, user core.AlertUserContext, window *core.MaintenanceWindow) error {
	if !m.access.HasPermission(user, PermManageMaintenanceWindows) {
		return core.NewCourierError("alerts.AddMaintenanceWindow", "maintenance_window", core.ErrAccessDenied)
	}
	if window.OrganizationID == "" {
		window.OrganizationID = user.OrganizationID
	}
	if err := m.access.PreventCrossOrganizationAccess(user, window.OrganizationID); err != nil {
		return core.NewCourierError("alerts.AddMaintenanceWindow", "maintenance_window", err)
	}
	if !window.EndTime.After(window.StartTime) {
		return &core.CourierError{Op: "alerts.AddMaintenanceWindow", Kind: "maintenance_window", Message: "end time must be after start time", Err: core.ErrInvalidConfiguration}
	}
	if len(window.SuppressAlertTypes) == 0 {
		return &core.CourierError{Op: "alerts.AddMaintenanceWindow", Kind: "maintenance_window", Message: "at least one alert type must be suppressed", Err: core.ErrInvalidConfiguration}
	}
	window.CreatedBy = user.UserID

	if err := m.debouncer.AddMaintenanceWindow(ctx, window); err != nil {
		return core.NewCourierError("alerts.AddMaintenanceWindow", "maintenance_window", err)
	}
	m.access.CreateAuditLogEntry(user, "add_maintenance_window", "maintenance_window", window.ID, map[string]interface{}{
		"start_time": window.StartTime.Format(time.RFC3339),
		"end_time":   window.EndTime.Format(time.RFC3339),
	})
	return nil
}

// ListMaintenanceWindows returns the tenant's scheduled windows.
func (m *Manager) ListMaintenanceWindows(ctx context.Context, user core.AlertUserContext) ([]*core.MaintenanceWindow, error) {
	if !m.access.HasPermission(user, PermViewAlerts) {
		return nil, core.NewCourierError("alerts.ListMaintenanceWindows", "maintenance_window", core.ErrAccessDenied)
	}
	return m.windows.List(ctx, user.OrganizationID)
}

// DeleteMaintenanceWindow removes a scheduled window.
func (m *Manager) DeleteMaintenanceWindow(ctx context.Context, user core.AlertUserContext, windowID string) error {
	if !m.access.HasPermission(user, PermManageMaintenanceWindows) {
		return core.NewCourierError("alerts.DeleteMaintenanceWindow", "maintenance_window", core.ErrAccessDenied)
	}
	if err := m.windows.Delete(ctx, user.OrganizationID, windowID); err != nil {
		return core.NewCourierError("alerts.DeleteMaintenanceWindow", "maintenance_window", err)
	}
	m.access.CreateAuditLogEntry(user, "delete_maintenance_window", "maintenance_window", windowID, nil)
	return nil
}

// SuppressAlerts mutes one alert stream of the user's tenant for a duration.
func (m *Manager) SuppressAlerts(ctx context.Context, user core.AlertUserContext, alertType core.AlertType, destinationID string, duration time.Duration) error {
	if !m.access.HasPermission(user, PermSuppressAlerts) {
		return core.NewCourierError("alerts.SuppressAlerts", "alert", core.ErrAccessDenied)
	}
	if duration <= 0 {
		return &core.CourierError{Op: "alerts.SuppressAlerts", Kind: "alert", Message: "suppression duration must be positive", Err: core.ErrInvalidConfiguration}
	}
	m.debouncer.SuppressAlerts(alertType, destinationID, user.OrganizationID, duration)
	m.access.CreateAuditLogEntry(user, "suppress_alerts", "alert_stream", string(alertType), map[string]interface{}{
		"destination_id": destinationID,
		"duration":       duration.String(),
	})
	return nil
}
