package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gatekeep-specific validation rules.
// Must be called before validating GatewayConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout", "sqlite", or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	switch output {
	case "stdout", "sqlite":
		return true
	}

	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates the GatewayConfig using struct tags and custom
// cross-field rules. Returns an error with actionable messages on failure.
func (c *GatewayConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSeedReferences(); err != nil {
		return err
	}

	return nil
}

// validateSeedReferences ensures the seed block's foreign-key-shaped
// references point at rows defined earlier in the same block: a workspace
// must reference a known tenant, an upstream's ID must match a known
// workspace, and an access key/policy must reference known tenant/
// workspace IDs.
func (c *GatewayConfig) validateSeedReferences() error {
	tenants := make(map[string]struct{}, len(c.Seed.Tenants))
	for _, t := range c.Seed.Tenants {
		tenants[t.ID] = struct{}{}
	}

	workspaces := make(map[string]struct{}, len(c.Seed.Workspaces))
	for i, w := range c.Seed.Workspaces {
		if _, ok := tenants[w.TenantID]; !ok {
			return fmt.Errorf("seed.workspaces[%d]: references unknown tenant_id: %s", i, w.TenantID)
		}
		workspaces[w.ID] = struct{}{}
	}

	for i, u := range c.Seed.Upstreams {
		if _, ok := workspaces[u.ID]; !ok {
			return fmt.Errorf("seed.upstreams[%d]: id %q must match a seeded workspace id (one upstream per workspace)", i, u.ID)
		}
	}

	for i, k := range c.Seed.AccessKeys {
		if _, ok := tenants[k.TenantID]; !ok {
			return fmt.Errorf("seed.access_keys[%d]: references unknown tenant_id: %s", i, k.TenantID)
		}
		if _, ok := workspaces[k.WorkspaceID]; !ok {
			return fmt.Errorf("seed.access_keys[%d]: references unknown workspace_id: %s", i, k.WorkspaceID)
		}
	}

	for i, p := range c.Seed.Policies {
		if _, ok := tenants[p.TenantID]; !ok {
			return fmt.Errorf("seed.policies[%d]: references unknown tenant_id: %s", i, p.TenantID)
		}
		if p.WorkspaceID != "" {
			if _, ok := workspaces[p.WorkspaceID]; !ok {
				return fmt.Errorf("seed.policies[%d]: references unknown workspace_id: %s", i, p.WorkspaceID)
			}
		}
		if p.AgentID != "" && p.WorkspaceID == "" {
			return fmt.Errorf("seed.policies[%d]: agent scope requires workspace_id", i)
		}
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'sqlite', or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
