package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/courier/core"
)

func TestHasPermissionMatrix(t *testing.T) {
	ac := NewAccessControl(nil)

	cases := []struct {
		role core.AlertRole
		perm Permission
		want bool
	}{
		{core.RoleViewer, PermViewAlerts, true},
		{core.RoleViewer, PermAcknowledgeAlerts, false},
		{core.RoleOperator, PermAcknowledgeAlerts, true},
		{core.RoleOperator, PermResolveAlerts, false},
		{core.RoleAdmin, PermResolveAlerts, true},
		{core.RoleAdmin, PermConfigureThresholds, true},
		{core.RoleAdmin, PermManageMaintenanceWindows, true},
		{core.RoleAdmin, PermSuppressAlerts, true},
		{core.RoleAdmin, PermEscalateAlerts, false},
		{core.RoleOwner, PermEscalateAlerts, true},
		{core.AlertRole("intern"), PermViewAlerts, false},
	}
	for _, tc := range cases {
		user := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", Role: tc.role}
		assert.Equal(t, tc.want, ac.HasPermission(user, tc.perm),
			"role %s perm %s", tc.role, tc.perm)
	}
}

func TestPreventCrossOrganizationAccess(t *testing.T) {
	ac := NewAccessControl(nil)
	user := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", Role: core.RoleAdmin}

	assert.NoError(t, ac.PreventCrossOrganizationAccess(user, "org-a"))
	assert.ErrorIs(t, ac.PreventCrossOrganizationAccess(user, "org-b"), core.ErrTenantMismatch)
}

func TestCanAccessAlertScoping(t *testing.T) {
	ac := NewAccessControl(nil)
	alert := &core.Alert{
		ID:             "al-1",
		OrganizationID: "org-a",
		DepartmentID:   "dept-1",
		TeamID:         "team-1",
	}

	viewer := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", DepartmentID: "dept-1", TeamID: "team-1", Role: core.RoleViewer}
	assert.True(t, ac.CanAccessAlert(viewer, alert))

	otherDept := viewer
	otherDept.DepartmentID = "dept-2"
	assert.False(t, ac.CanAccessAlert(otherDept, alert))

	otherTeam := viewer
	otherTeam.TeamID = "team-2"
	assert.False(t, ac.CanAccessAlert(otherTeam, alert))

	// Users without a department or team see organization-wide.
	unscoped := core.AlertUserContext{UserID: "u-2", OrganizationID: "org-a", Role: core.RoleViewer}
	assert.True(t, ac.CanAccessAlert(unscoped, alert))

	// Admins ignore department and team boundaries.
	admin := otherDept
	admin.Role = core.RoleAdmin
	assert.True(t, ac.CanAccessAlert(admin, alert))

	crossTenant := core.AlertUserContext{UserID: "u-3", OrganizationID: "org-b", Role: core.RoleOwner}
	assert.False(t, ac.CanAccessAlert(crossTenant, alert))
}

func TestFilterAlerts(t *testing.T) {
	ac := NewAccessControl(nil)
	alerts := []*core.Alert{
		{ID: "al-1", OrganizationID: "org-a", DepartmentID: "dept-1"},
		{ID: "al-2", OrganizationID: "org-a", DepartmentID: "dept-2"},
		{ID: "al-3", OrganizationID: "org-b"},
	}
	user := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", DepartmentID: "dept-1", Role: core.RoleViewer}

	visible := ac.FilterAlerts(user, alerts)
	require.Len(t, visible, 1)
	assert.Equal(t, "al-1", visible[0].ID)
}

func TestSanitizeAlertForUser(t *testing.T) {
	ac := NewAccessControl(nil)
	alert := &core.Alert{
		ID:             "al-1",
		OrganizationID: "org-a",
		Metadata: map[string]interface{}{
			"queue_depth":       42,
			"internal_metadata": map[string]interface{}{"shard": "q3"},
			"system_details":    "redis node 2 degraded",
		},
	}

	operator := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", Role: core.RoleOperator}
	sanitized := ac.SanitizeAlertForUser(operator, alert)
	require.NotNil(t, sanitized)
	assert.Contains(t, sanitized.Metadata, "queue_depth")
	assert.NotContains(t, sanitized.Metadata, "internal_metadata")
	assert.NotContains(t, sanitized.Metadata, "system_details")

	// The original alert is untouched.
	assert.Contains(t, alert.Metadata, "internal_metadata")

	admin := core.AlertUserContext{UserID: "u-2", OrganizationID: "org-a", Role: core.RoleAdmin}
	full := ac.SanitizeAlertForUser(admin, alert)
	require.NotNil(t, full)
	assert.Contains(t, full.Metadata, "internal_metadata")

	crossTenant := core.AlertUserContext{UserID: "u-3", OrganizationID: "org-b", Role: core.RoleAdmin}
	assert.Nil(t, ac.SanitizeAlertForUser(crossTenant, alert))
}

func TestValidateAlertOperation(t *testing.T) {
	ac := NewAccessControl(nil)
	alert := &core.Alert{ID: "al-1", OrganizationID: "org-a"}

	viewer := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", Role: core.RoleViewer}
	decision := ac.ValidateAlertOperation(viewer, PermResolveAlerts, alert)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "lacks")

	admin := core.AlertUserContext{UserID: "u-2", OrganizationID: "org-b", Role: core.RoleAdmin}
	decision = ac.ValidateAlertOperation(admin, PermResolveAlerts, alert)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "not visible")

	owner := core.AlertUserContext{UserID: "u-3", OrganizationID: "org-a", Role: core.RoleOwner}
	assert.True(t, ac.ValidateAlertOperation(owner, PermResolveAlerts, alert).Allowed)
}

func TestCreateAuditLogEntry(t *testing.T) {
	ac := NewAccessControl(nil)
	user := core.AlertUserContext{UserID: "u-1", OrganizationID: "org-a", Role: core.RoleAdmin}

	entry := ac.CreateAuditLogEntry(user, "resolve_alert", "alert", "al-1", map[string]interface{}{"notes": "fixed"})
	assert.Equal(t, "u-1", entry.UserID)
	assert.Equal(t, "org-a", entry.OrganizationID)
	assert.Equal(t, "resolve_alert", entry.Operation)
	assert.Equal(t, "alert", entry.ResourceType)
	assert.Equal(t, "al-1", entry.ResourceID)
	assert.False(t, entry.Timestamp.IsZero())
}
