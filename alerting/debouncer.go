// Package alerting generates and governs operator alerts: threshold
// evaluation against live health and queue metrics, debouncing with
// cooldowns and rate limits, maintenance-window suppression, escalation,
// and role-based access control over the operator API.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/courier/core"
)

// debounceKey identifies one alert stream.
type debounceKey struct {
	Type           core.AlertType
	DestinationID  string
	OrganizationID string
}

// debounceState is the in-memory record per alert stream.
type debounceState struct {
	firstAlertAt    time.Time
	lastSentAt      time.Time
	windowStart     time.Time
	alertsInWindow  int
	escalationLevel int
	suppressedUntil time.Time
}

// DebouncerConfig configures alert debouncing.
type DebouncerConfig struct {
	// Window is the rate-limit window.
	Window time.Duration

	// Cooldown is the minimum gap between two alerts of one stream.
	Cooldown time.Duration

	// MaxAlertsPerWindow caps alerts of one stream per window.
	MaxAlertsPerWindow int

	// StateTTL is how long an idle stream's state is kept before Cleanup
	// drops it.
	StateTTL time.Duration

	// Logger is optional and defaults to a no-op logger.
	Logger core.Logger
}

// DefaultDebouncerConfig returns a production-ready default configuration.
func DefaultDebouncerConfig() *DebouncerConfig {
	return &DebouncerConfig{
		Window:             10 * time.Minute,
		Cooldown:           30 * time.Minute,
		MaxAlertsPerWindow: 2,
		StateTTL:           48 * time.Hour,
	}
}

// Validate applies defaults.
func (c *DebouncerConfig) Validate() error {
	d := DefaultDebouncerConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxAlertsPerWindow <= 0 {
		c.MaxAlertsPerWindow = d.MaxAlertsPerWindow
	}
	if c.StateTTL <= 0 {
		c.StateTTL = d.StateTTL
	}
	return nil
}

// escalationStep is one rung of the escalation ladder.
type escalationStep struct {
	after    time.Duration
	severity core.AlertSeverity
	channels []string
}

// Escalation ladder: minutes since the stream's first alert.
var escalationSchedule = []escalationStep{
	{after: 60 * time.Minute, severity: core.SeverityMedium, channels: []string{"email"}},
	{after: 240 * time.Minute, severity: core.SeverityHigh, channels: []string{"pagerduty"}},
	{after: 1440 * time.Minute, severity: core.SeverityCritical, channels: []string{"pagerduty", "sms"}},
}

// EscalationDecision is the outcome of ShouldEscalateAlert.
type EscalationDecision struct {
	ShouldEscalate bool
	Level          int
	NewSeverity    core.AlertSeverity
	Channels       []string
}

// Debouncer rate-limits alert streams keyed by (type, destination,
// organization). Stream state is in-memory and per-process; maintenance
// windows are loaded from the repository on every check so a freshly added
// window takes effect immediately.
type Debouncer struct {
	config  *DebouncerConfig
	windows core.MaintenanceWindowRepository
	logger  core.Logger

	mu    sync.Mutex
	state map[debounceKey]*debounceState
	now   func() time.Time
}

// NewDebouncer creates a debouncer over the maintenance window repository.
func NewDebouncer(windows core.MaintenanceWindowRepository, config *DebouncerConfig) *Debouncer {
	if config == nil {
		config = DefaultDebouncerConfig()
	}
	_ = config.Validate()

	d := &Debouncer{
		config:  config,
		windows: windows,
		logger:  config.Logger,
		state:   make(map[debounceKey]*debounceState),
		now:     time.Now,
	}
	if d.logger == nil {
		d.logger = &core.NoOpLogger{}
	} else if cal, ok := d.logger.(core.ComponentAwareLogger); ok {
		d.logger = cal.WithComponent("courier/alerting")
	}
	return d
}

// ShouldSendAlert decides whether one more alert of the stream may be
// emitted now. The per-organization config, when present, overrides the
// cooldown via its DebounceWindow.
func (d *Debouncer) ShouldSendAlert(ctx context.Context, alertType core.AlertType, destinationID, organizationID string, cfg *core.AlertConfig) bool {
	now := d.now()

	if d.suppressedByMaintenance(ctx, alertType, destinationID, organizationID, now) {
		return false
	}

	cooldown := d.config.Cooldown
	if cfg != nil && cfg.DebounceWindow > 0 {
		cooldown = cfg.DebounceWindow
	}

	key := debounceKey{Type: alertType, DestinationID: destinationID, OrganizationID: organizationID}
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.state[key]
	if !ok {
		d.state[key] = &debounceState{
			firstAlertAt:   now,
			lastSentAt:     now,
			windowStart:    now,
			alertsInWindow: 1,
		}
		return true
	}

	if st.suppressedUntil.After(now) {
		return false
	}
	if now.Sub(st.lastSentAt) < cooldown {
		return false
	}
	if now.Sub(st.windowStart) > d.config.Window {
		st.windowStart = now
		st.alertsInWindow = 0
	}
	if st.alertsInWindow+1 > d.config.MaxAlertsPerWindow {
		return false
	}

	st.alertsInWindow++
	st.lastSentAt = now
	return true
}

func (d *Debouncer) suppressedByMaintenance(ctx context.Context, alertType core.AlertType, destinationID, organizationID string, now time.Time) bool {
	active, err := d.windows.ListActive(ctx, organizationID, now)
	if err != nil {
		d.logger.Error("Failed to load maintenance windows", map[string]interface{}{
			"operation":       "should_send_alert",
			"organization_id": organizationID,
			"error":           err.Error(),
		})
		return false
	}
	for _, w := range active {
		if w.Contains(now, alertType, destinationID) {
			return true
		}
	}
	return false
}

// ShouldEscalateAlert reports whether the stream has aged onto a higher rung
// of the escalation ladder, and advances the stream's level when it has.
func (d *Debouncer) ShouldEscalateAlert(alertType core.AlertType, destinationID, organizationID string) EscalationDecision {
	key := debounceKey{Type: alertType, DestinationID: destinationID, OrganizationID: organizationID}
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.state[key]
	if !ok {
		return EscalationDecision{}
	}

	age := d.now().Sub(st.firstAlertAt)
	level := 0
	for i, step := range escalationSchedule {
		if age >= step.after {
			level = i + 1
		}
	}
	if level <= st.escalationLevel {
		return EscalationDecision{}
	}

	st.escalationLevel = level
	step := escalationSchedule[level-1]
	return EscalationDecision{
		ShouldEscalate: true,
		Level:          level,
		NewSeverity:    step.severity,
		Channels:       step.channels,
	}
}

// SuppressAlerts mutes a stream for the given duration.
func (d *Debouncer) SuppressAlerts(alertType core.AlertType, destinationID, organizationID string, duration time.Duration) {
	key := debounceKey{Type: alertType, DestinationID: destinationID, OrganizationID: organizationID}
	until := d.now().Add(duration)

	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state[key]
	if !ok {
		st = &debounceState{firstAlertAt: d.now(), windowStart: d.now()}
		d.state[key] = st
	}
	st.suppressedUntil = until

	d.logger.Info("Alert stream suppressed", map[string]interface{}{
		"operation":       "suppress_alerts",
		"alert_type":      alertType,
		"destination_id":  destinationID,
		"organization_id": organizationID,
		"until":           until.Format(time.RFC3339),
	})
}

// ResetDebounceState clears a stream, called when its alert is resolved so a
// recurrence may immediately re-alert.
func (d *Debouncer) ResetDebounceState(alertType core.AlertType, destinationID, organizationID string) {
	key := debounceKey{Type: alertType, DestinationID: destinationID, OrganizationID: organizationID}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.state, key)
}

// AddMaintenanceWindow persists a window, assigning its id.
func (d *Debouncer) AddMaintenanceWindow(ctx context.Context, window *core.MaintenanceWindow) error {
	if window.ID == "" {
		window.ID = uuid.NewString()
	}
	return d.windows.Create(ctx, window)
}

// GetActiveMaintenanceWindows returns the tenant's windows active now.
func (d *Debouncer) GetActiveMaintenanceWindows(ctx context.Context, organizationID string) ([]*core.MaintenanceWindow, error) {
	return d.windows.ListActive(ctx, organizationID, d.now())
}

// Cleanup drops expired maintenance windows and idle stream state.
func (d *Debouncer) Cleanup(ctx context.Context) (int, error) {
	now := d.now()

	d.mu.Lock()
	for key, st := range d.state {
		idle := now.Sub(st.lastSentAt)
		if st.lastSentAt.IsZero() {
			idle = now.Sub(st.firstAlertAt)
		}
		if idle > d.config.StateTTL && !st.suppressedUntil.After(now) {
			delete(d.state, key)
		}
	}
	d.mu.Unlock()

	return d.windows.DeleteExpiredBefore(ctx, now)
}
