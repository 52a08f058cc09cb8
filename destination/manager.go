// Package destination manages tenant-owned delivery targets: typed config
// validation, CRUD, disable/enable, default resolution, usage tracking, and
// connectivity probes through the transport adapters.
package destination

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/smedrec/courier/core"
)

// ValidationResult carries per-type validation findings. Validation problems
// are data, not errors: callers decide whether to reject.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// CreateInput is the caller-supplied part of a new destination.
type CreateInput struct {
	OrganizationID string                 `json:"organization_id"`
	Type           core.DestinationType   `json:"type"`
	Label          string                 `json:"label"`
	Description    string                 `json:"description,omitempty"`
	IsDefault      bool                   `json:"is_default"`
	Config         core.DestinationConfig `json:"config"`
}

// Patch updates mutable destination fields. ID, organization, and type are
// immutable; nil fields are left untouched.
type Patch struct {
	Label       *string                 `json:"label,omitempty"`
	Description *string                 `json:"description,omitempty"`
	IsDefault   *bool                   `json:"is_default,omitempty"`
	Config      *core.DestinationConfig `json:"config,omitempty"`
}

// ManagerConfig configures the destination manager.
type ManagerConfig struct {
	// Logger is optional and defaults to a no-op logger.
	Logger core.Logger
}

// Manager validates and persists destinations and resolves delivery targets
// for the orchestrator.
type Manager struct {
	repo     core.DestinationRepository
	adapters core.AdapterRegistry
	logger   core.Logger
}

// NewManager creates a destination manager. The adapter registry may be nil
// when connection testing is not needed.
func NewManager(repo core.DestinationRepository, adapters core.AdapterRegistry, config *ManagerConfig) *Manager {
	m := &Manager{
		repo:     repo,
		adapters: adapters,
	}
	if config != nil {
		m.logger = config.Logger
	}
	if m.logger == nil {
		m.logger = &core.NoOpLogger{}
	} else if cal, ok := m.logger.(core.ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("courier/destination")
	}
	return m
}

// Create validates the input and persists a new destination.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*core.Destination, error) {
	if input.OrganizationID == "" {
		return nil, &core.CourierError{
			Op:      "destination.Create",
			Kind:    "validation",
			Message: "organization id is required",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	now := time.Now()
	dest := &core.Destination{
		ID:             uuid.NewString(),
		OrganizationID: input.OrganizationID,
		Type:           input.Type,
		Label:          input.Label,
		Description:    input.Description,
		IsDefault:      input.IsDefault,
		Config:         input.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if result := m.Validate(dest); !result.IsValid {
		return nil, &core.CourierError{
			Op:      "destination.Create",
			Kind:    "validation",
			ID:      dest.ID,
			Message: fmt.Sprintf("invalid destination config: %v", result.Errors),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	if err := m.repo.Create(ctx, dest); err != nil {
		return nil, err
	}

	m.logger.Info("Destination created", map[string]interface{}{
		"operation":       "destination_create",
		"destination_id":  dest.ID,
		"organization_id": dest.OrganizationID,
		"type":            dest.Type,
		"is_default":      dest.IsDefault,
	})
	return dest, nil
}

// Update applies a patch to mutable fields and re-validates.
func (m *Manager) Update(ctx context.Context, organizationID, id string, patch Patch) (*core.Destination, error) {
	dest, err := m.repo.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	if patch.Label != nil {
		dest.Label = *patch.Label
	}
	if patch.Description != nil {
		dest.Description = *patch.Description
	}
	if patch.IsDefault != nil {
		dest.IsDefault = *patch.IsDefault
	}
	if patch.Config != nil {
		dest.Config = *patch.Config
	}
	dest.UpdatedAt = time.Now()

	if result := m.Validate(dest); !result.IsValid {
		return nil, &core.CourierError{
			Op:      "destination.Update",
			Kind:    "validation",
			ID:      id,
			Message: fmt.Sprintf("invalid destination config: %v", result.Errors),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	if err := m.repo.Update(ctx, dest); err != nil {
		return nil, err
	}
	return dest, nil
}

// Delete removes a destination.
func (m *Manager) Delete(ctx context.Context, organizationID, id string) error {
	if err := m.repo.Delete(ctx, organizationID, id); err != nil {
		return err
	}
	m.logger.Info("Destination deleted", map[string]interface{}{
		"operation":       "destination_delete",
		"destination_id":  id,
		"organization_id": organizationID,
	})
	return nil
}

// SetDisabled flips the disabled flag, recording the actor and timestamp on
// disable. A disabled destination is never a valid delivery target.
func (m *Manager) SetDisabled(ctx context.Context, organizationID, id string, disabled bool, actor string) (*core.Destination, error) {
	dest, err := m.repo.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	dest.Disabled = disabled
	if disabled {
		now := time.Now()
		dest.DisabledAt = &now
		dest.DisabledBy = actor
	} else {
		dest.DisabledAt = nil
		dest.DisabledBy = ""
	}
	dest.UpdatedAt = time.Now()

	if err := m.repo.Update(ctx, dest); err != nil {
		return nil, err
	}

	m.logger.Info("Destination disabled state changed", map[string]interface{}{
		"operation":       "destination_set_disabled",
		"destination_id":  id,
		"organization_id": organizationID,
		"disabled":        disabled,
		"actor":           actor,
	})
	return dest, nil
}

// Get returns one tenant-scoped destination.
func (m *Manager) Get(ctx context.Context, organizationID, id string) (*core.Destination, error) {
	return m.repo.Get(ctx, organizationID, id)
}

// List returns tenant-scoped destinations matching the filter.
func (m *Manager) List(ctx context.Context, filter core.DestinationFilter) ([]*core.Destination, error) {
	return m.repo.List(ctx, filter)
}

// GetDefaults returns the tenant's default destinations, used when a delivery
// request names "default" instead of explicit ids.
func (m *Manager) GetDefaults(ctx context.Context, organizationID string) ([]*core.Destination, error) {
	defaults, err := m.repo.List(ctx, core.DestinationFilter{
		OrganizationID: organizationID,
		DefaultOnly:    true,
	})
	if err != nil {
		return nil, err
	}
	if len(defaults) == 0 {
		return nil, core.ErrDefaultsNotConfigured
	}
	return defaults, nil
}

// Validate checks the typed config against the destination's type. The config
// variant must match the type exactly; extra variants are rejected so adapter
// selection stays a total function.
func (m *Manager) Validate(dest *core.Destination) ValidationResult {
	var errs []string

	if dest.Label == "" {
		errs = append(errs, "label is required")
	}

	variants := 0
	if dest.Config.Webhook != nil {
		variants++
	}
	if dest.Config.Email != nil {
		variants++
	}
	if dest.Config.Storage != nil {
		variants++
	}
	if variants != 1 {
		errs = append(errs, fmt.Sprintf("config must carry exactly one variant, found %d", variants))
		return ValidationResult{IsValid: false, Errors: errs}
	}

	switch dest.Type {
	case core.DestinationWebhook:
		if dest.Config.Webhook == nil {
			errs = append(errs, "webhook destination requires webhook config")
			break
		}
		errs = append(errs, validateWebhook(dest.Config.Webhook)...)
	case core.DestinationEmail:
		if dest.Config.Email == nil {
			errs = append(errs, "email destination requires email config")
			break
		}
		errs = append(errs, validateEmail(dest.Config.Email)...)
	case core.DestinationStorage:
		if dest.Config.Storage == nil {
			errs = append(errs, "storage destination requires storage config")
			break
		}
		errs = append(errs, validateStorage(dest.Config.Storage)...)
	default:
		errs = append(errs, fmt.Sprintf("unknown destination type %q", dest.Type))
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

func validateWebhook(cfg *core.WebhookConfig) []string {
	var errs []string
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "webhook url must be a valid http or https URL")
	}
	if cfg.Method != "POST" && cfg.Method != "PUT" {
		errs = append(errs, "webhook method must be POST or PUT")
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, "webhook timeout must be positive")
	}
	if cfg.RetryConfig != nil && cfg.RetryConfig.MaxRetries < 0 {
		errs = append(errs, "webhook retry max_retries must not be negative")
	}
	return errs
}

func validateEmail(cfg *core.EmailConfig) []string {
	var errs []string
	if cfg.From == "" {
		errs = append(errs, "email from address is required")
	}
	if len(cfg.Recipients) == 0 {
		errs = append(errs, "email requires at least one recipient")
	}
	if cfg.SMTPHost == "" {
		errs = append(errs, "email smtp host is required")
	}
	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		errs = append(errs, "email smtp port must be in (0, 65535]")
	}
	return errs
}

func validateStorage(cfg *core.StorageConfig) []string {
	var errs []string
	if cfg.Bucket == "" {
		errs = append(errs, "storage bucket is required")
	}
	return errs
}

// TestConnection probes the destination through its adapter. Probe success
// does not imply delivery success.
func (m *Manager) TestConnection(ctx context.Context, organizationID, id string) (*core.ProbeResult, error) {
	dest, err := m.repo.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if m.adapters == nil {
		return nil, &core.CourierError{
			Op:      "destination.TestConnection",
			Kind:    "configuration",
			ID:      id,
			Message: "no adapter registry configured",
			Err:     core.ErrMissingConfiguration,
		}
	}
	adapter, err := m.adapters.AdapterFor(dest.Type)
	if err != nil {
		return nil, err
	}

	result, err := adapter.Probe(ctx, dest)
	if err != nil {
		return &core.ProbeResult{Success: false, Error: err.Error()}, nil
	}
	return result, nil
}

// RecordUsage bumps the usage counter after a successful enqueue.
func (m *Manager) RecordUsage(ctx context.Context, organizationID, id string) error {
	return m.repo.IncrementUsage(ctx, organizationID, id, time.Now())
}
