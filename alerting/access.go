package alerting

import (
	"time"

	"github.com/smedrec/courier/core"
)

// Permission names one operation of the operator API.
type Permission string

const (
	PermViewAlerts               Permission = "view_alerts"
	PermAcknowledgeAlerts        Permission = "acknowledge_alerts"
	PermResolveAlerts            Permission = "resolve_alerts"
	PermConfigureThresholds      Permission = "configure_thresholds"
	PermManageMaintenanceWindows Permission = "manage_maintenance_windows"
	PermSuppressAlerts           Permission = "suppress_alerts"
	PermEscalateAlerts           Permission = "escalate_alerts"
)

// Roles are strictly cumulative: each role holds everything below it.
var rolePermissions = map[core.AlertRole][]Permission{
	core.RoleViewer: {
		PermViewAlerts,
	},
	core.RoleOperator: {
		PermViewAlerts,
		PermAcknowledgeAlerts,
	},
	core.RoleAdmin: {
		PermViewAlerts,
		PermAcknowledgeAlerts,
		PermResolveAlerts,
		PermConfigureThresholds,
		PermManageMaintenanceWindows,
		PermSuppressAlerts,
	},
	core.RoleOwner: {
		PermViewAlerts,
		PermAcknowledgeAlerts,
		PermResolveAlerts,
		PermConfigureThresholds,
		PermManageMaintenanceWindows,
		PermSuppressAlerts,
		PermEscalateAlerts,
	},
}

// Metadata keys stripped from alerts shown to non-admin roles.
var internalMetadataKeys = []string{"internal_metadata", "system_details"}

// OperationDecision is the audited outcome of an authorization check.
type OperationDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// AuditLogEntry records one authorization-relevant operation.
type AuditLogEntry struct {
	Timestamp      time.Time              `json:"timestamp"`
	UserID         string                 `json:"user_id"`
	OrganizationID string                 `json:"organization_id"`
	Role           core.AlertRole         `json:"role"`
	Operation      string                 `json:"operation"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// AccessControl enforces role and tenant scoping over alert operations.
// It is stateless; every decision derives from the caller's user context.
type AccessControl struct {
	logger core.Logger
}

// NewAccessControl creates an access control checker.
func NewAccessControl(logger core.Logger) *AccessControl {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("courier/alerting")
	}
	return &AccessControl{logger: logger}
}

// HasPermission reports whether the user's role grants the permission.
// Unknown roles hold nothing.
func (a *AccessControl) HasPermission(user core.AlertUserContext, perm Permission) bool {
	for _, p := range rolePermissions[user.Role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PreventCrossOrganizationAccess rejects any attempt to touch another
// tenant's resources.
func (a *AccessControl) PreventCrossOrganizationAccess(user core.AlertUserContext, organizationID string) error {
	if user.OrganizationID == organizationID {
		return nil
	}
	a.logger.Warn("Cross-organization access attempt blocked", map[string]interface{}{
		"operation":     "prevent_cross_organization_access",
		"user_id":       user.UserID,
		"user_org":      user.OrganizationID,
		"requested_org": organizationID,
	})
	return core.ErrTenantMismatch
}

// CanAccessAlert reports whether the user may see the alert at all.
// Organization must match; department and team scoping apply only when the
// alert carries them and the user carries a different one.
func (a *AccessControl) CanAccessAlert(user core.AlertUserContext, alert *core.Alert) bool {
	if alert == nil || user.OrganizationID != alert.OrganizationID {
		return false
	}
	// Admins and owners see the whole organization.
	if user.Role == core.RoleAdmin || user.Role == core.RoleOwner {
		return true
	}
	if alert.DepartmentID != "" && user.DepartmentID != "" && alert.DepartmentID != user.DepartmentID {
		return false
	}
	if alert.TeamID != "" && user.TeamID != "" && alert.TeamID != user.TeamID {
		return false
	}
	return true
}

// ValidateAlertOperation combines the role and visibility checks for one
// operation on one alert.
func (a *AccessControl) ValidateAlertOperation(user core.AlertUserContext, perm Permission, alert *core.Alert) OperationDecision {
	if !a.HasPermission(user, perm) {
		return OperationDecision{Allowed: false, Reason: "role " + string(user.Role) + " lacks " + string(perm)}
	}
	if alert != nil && !a.CanAccessAlert(user, alert) {
		return OperationDecision{Allowed: false, Reason: "alert not visible to user"}
	}
	return OperationDecision{Allowed: true}
}

// FilterAlerts drops alerts the user cannot see.
func (a *AccessControl) FilterAlerts(user core.AlertUserContext, alerts []*core.Alert) []*core.Alert {
	visible := make([]*core.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if a.CanAccessAlert(user, alert) {
			visible = append(visible, alert)
		}
	}
	return visible
}

// SanitizeAlertForUser returns a copy of the alert safe to show the user:
// nil when the alert is not visible, and with internal metadata stripped for
// roles below admin.
func (a *AccessControl) SanitizeAlertForUser(user core.AlertUserContext, alert *core.Alert) *core.Alert {
	if !a.CanAccessAlert(user, alert) {
		return nil
	}

	out := *alert
	if alert.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(alert.Metadata))
		for k, v := range alert.Metadata {
			out.Metadata[k] = v
		}
	}
	if user.Role == core.RoleViewer || user.Role == core.RoleOperator {
		for _, k := range internalMetadataKeys {
			delete(out.Metadata, k)
		}
	}
	return &out
}

// CreateAuditLogEntry builds the audit record for an operator action and
// logs it. The entry is returned so callers can persist it elsewhere.
func (a *AccessControl) CreateAuditLogEntry(user core.AlertUserContext, operation, resourceType, resourceID string, details map[string]interface{}) AuditLogEntry {
	entry := AuditLogEntry{
		Timestamp:      time.Now(),
		UserID:         user.UserID,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
		Operation:      operation,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Details:        details,
	}
	a.logger.Info("Audit", map[string]interface{}{
		"operation":       operation,
		"user_id":         user.UserID,
		"organization_id": user.OrganizationID,
		"role":            string(user.Role),
		"resource_type":   resourceType,
		"resource_id":     resourceID,
	})
	return entry
}
