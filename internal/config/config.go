// Package config provides configuration types for gatekeep.
//
// Configuration loads from a YAML file, environment variables (prefixed
// GATEKEEP_), and built-in defaults, in that precedence order. The schema
// covers the ambient server/audit/rate-limit/tracing knobs plus a
// file-based seed block used to bootstrap tenants, workspaces, upstreams,
// agent access keys, and policies into the embedded store on a single-binary
// deployment. The administrative CRUD surface that would otherwise manage
// this data is out of scope; the seed file is how that data gets in.
package config

import (
	"time"
)

// GatewayConfig is the top-level configuration for gatekeep.
type GatewayConfig struct {
	// Server configures the HTTP governance listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the embedded SQL store backing the admin-owned
	// entities (access keys, policies, upstreams).
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Audit configures the audit emitter and its backing store.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// RateLimit configures default guardrail rate-limit windows when a
	// policy row does not override them.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Upstream configures defaults applied to every upstream definition
	// (timeouts, retry policy) unless a seeded row overrides them.
	Upstream UpstreamDefaultsConfig `yaml:"upstream" mapstructure:"upstream"`

	// Tracing configures OpenTelemetry span export for the proxy pipeline.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// Seed optionally bootstraps tenants/workspaces/upstreams/access
	// keys/policies from the config file into the embedded store at
	// startup. Only used in single-binary/dev deployments; omit it when
	// the store is already populated.
	Seed SeedConfig `yaml:"seed" mapstructure:"seed"`

	// DevMode enables permissive defaults and verbose logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP governance listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum slog level: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists Origin header values permitted for DNS
	// rebinding protection. Empty disables the check.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`

	// UpstreamTimeout bounds every proxied call end to end (e.g. "30s").
	UpstreamTimeout string `yaml:"upstream_timeout" mapstructure:"upstream_timeout" validate:"omitempty"`

	// FailureMode controls what happens when the policy store is
	// unreachable: "closed" (deny) or "open" (allow with degraded audit
	// flag). Defaults to "closed".
	FailureMode string `yaml:"failure_mode" mapstructure:"failure_mode" validate:"omitempty,oneof=closed open"`
}

// DatabaseConfig configures the embedded SQL store.
type DatabaseConfig struct {
	// DSN is the sqlite data source, e.g. "file:/var/lib/gatekeep/gatekeep.db?_pragma=busy_timeout(5000)".
	// Empty means in-memory only (state does not survive a restart).
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// AuditConfig configures audit log output and emitter tuning.
type AuditConfig struct {
	// Output is where audit records are durably written: "stdout",
	// "sqlite" (Database.DSN), or "file:///absolute/path/to/audit.log".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the emitter's bounded channel capacity.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records flushed to the store per batch.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval bounds how long records wait before a partial batch
	// is flushed anyway (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// WarningThreshold is a percent-full mark for the audit channel,
	// defaulted to 80 when unset. The health check does not read it; it
	// reports degraded at a fixed mark of more than 90% full.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// RingBufferSize is how many recent records the in-memory "recent
	// decisions" ring buffer retains.
	RingBufferSize int `yaml:"ring_buffer_size" mapstructure:"ring_buffer_size" validate:"omitempty,min=1"`
}

// RateLimitConfig configures default rate-limit guardrail windows.
type RateLimitConfig struct {
	// DefaultPerMinute is a per-minute limit, defaulted to 60 when unset.
	// The rate-limit evaluator does not read it: a rate_limit_per_minute
	// policy without config.limit is not enforced.
	DefaultPerMinute int `yaml:"default_per_minute" mapstructure:"default_per_minute" validate:"omitempty,min=1"`

	// DefaultPerHour is a per-hour limit, defaulted to 1000 when unset.
	// The rate-limit evaluator does not read it: a rate_limit_per_hour
	// policy without config.limit is not enforced.
	DefaultPerHour int `yaml:"default_per_hour" mapstructure:"default_per_hour" validate:"omitempty,min=1"`

	// CleanupInterval is how often expired counter entries are evicted
	// from the in-memory store (e.g. "5m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
}

// UpstreamDefaultsConfig configures defaults applied to every upstream
// definition unless a seeded row overrides them.
type UpstreamDefaultsConfig struct {
	// TimeoutSeconds bounds a single upstream call.
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"omitempty,min=1"`
	// MaxRetries bounds retry attempts for idempotent/connect-failed calls.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns on span creation for the proxy pipeline stages.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// ServiceName is the resource attribute reported to the exporter.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	// Exporter selects the span exporter: "stdout" or "none".
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=stdout none"`
}

// SeedConfig bootstraps the embedded store from the config file.
type SeedConfig struct {
	// File, if set, points at a separate YAML file holding the seed rows
	// below (tenants/workspaces/upstreams/access_keys/policies at its top
	// level). It is read under an advisory file lock and can be re-read on
	// SIGHUP without restarting the process, letting an operator rotate
	// access keys or adjust policies in place. When set, File's contents
	// are merged over the rows already present in this struct.
	File string `yaml:"file" mapstructure:"file"`

	Tenants    []TenantSeed    `yaml:"tenants" mapstructure:"tenants" validate:"omitempty,dive"`
	Workspaces []WorkspaceSeed `yaml:"workspaces" mapstructure:"workspaces" validate:"omitempty,dive"`
	Upstreams  []UpstreamSeed  `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`
	AccessKeys []AccessKeySeed `yaml:"access_keys" mapstructure:"access_keys" validate:"omitempty,dive"`
	Policies   []PolicySeed    `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`
}

// TenantSeed names a tenant. Tenants have no other seedable attributes;
// the ID is referenced by workspace, key, and policy rows below.
type TenantSeed struct {
	ID   string `yaml:"id" mapstructure:"id" validate:"required"`
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
}

// WorkspaceSeed names a workspace under a tenant. Each workspace owns
// exactly one upstream, referenced by ID.
type WorkspaceSeed struct {
	ID       string `yaml:"id" mapstructure:"id" validate:"required"`
	TenantID string `yaml:"tenant_id" mapstructure:"tenant_id" validate:"required"`
	Name     string `yaml:"name" mapstructure:"name" validate:"required"`
}

// UpstreamSeed defines the MCP server a workspace's calls are forwarded to.
// The ID must match the owning workspace's ID; the store is keyed by
// workspace.
type UpstreamSeed struct {
	ID             string `yaml:"id" mapstructure:"id" validate:"required"`
	Name           string `yaml:"name" mapstructure:"name" validate:"required"`
	URL            string `yaml:"url" mapstructure:"url" validate:"required,url"`
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"omitempty,min=1"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0"`
}

// AccessKeySeed defines an agent access key. RawKey is hashed at load time
// (salted SHA-256); it is never persisted in cleartext and must not appear
// in audit output or logs.
type AccessKeySeed struct {
	ID          string `yaml:"id" mapstructure:"id" validate:"required"`
	RawKey      string `yaml:"raw_key" mapstructure:"raw_key" validate:"required,min=16"`
	TenantID    string `yaml:"tenant_id" mapstructure:"tenant_id" validate:"required"`
	WorkspaceID string `yaml:"workspace_id" mapstructure:"workspace_id" validate:"required"`
	AgentID     string `yaml:"agent_id" mapstructure:"agent_id" validate:"required"`
	// ExpiresIn is an optional duration string (e.g. "720h"); empty means
	// the key never expires.
	ExpiresIn string `yaml:"expires_in" mapstructure:"expires_in" validate:"omitempty"`
	// Deactivated seeds the key in an administratively-disabled state
	// (distinct from revocation: a deactivated key can be re-enabled by
	// re-seeding without Deactivated set, whereas revocation is permanent).
	Deactivated bool `yaml:"deactivated" mapstructure:"deactivated"`
}

// PolicySeed defines one guardrail policy row. Scope is derived the same
// way the domain type derives it: WorkspaceID/AgentID both empty is
// tenant scope, AgentID empty is workspace scope, both set is agent scope.
type PolicySeed struct {
	ID            string         `yaml:"id" mapstructure:"id" validate:"required"`
	TenantID      string         `yaml:"tenant_id" mapstructure:"tenant_id" validate:"required"`
	WorkspaceID   string         `yaml:"workspace_id" mapstructure:"workspace_id"`
	AgentID       string         `yaml:"agent_id" mapstructure:"agent_id"`
	GuardrailType string         `yaml:"guardrail_type" mapstructure:"guardrail_type" validate:"required"`
	Action        string         `yaml:"action" mapstructure:"action" validate:"required,oneof=allow block redact throttle log_only"`
	Config        map[string]any `yaml:"config" mapstructure:"config"`
	Priority      int            `yaml:"priority" mapstructure:"priority"`
	Enabled       bool           `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies sensible default values to the configuration. Called
// before validation so optional fields never trip "required" checks that
// are actually defaulted.
func (c *GatewayConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.UpstreamTimeout == "" {
		c.Server.UpstreamTimeout = "30s"
	}
	if c.Server.FailureMode == "" {
		c.Server.FailureMode = "closed"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.RingBufferSize == 0 {
		c.Audit.RingBufferSize = 1000
	}

	if c.RateLimit.DefaultPerMinute == 0 {
		c.RateLimit.DefaultPerMinute = 60
	}
	if c.RateLimit.DefaultPerHour == 0 {
		c.RateLimit.DefaultPerHour = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}

	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "gatekeep"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
}

// SetDevDefaults applies permissive defaults so gatekeep can run with a
// near-empty config file. Applied after SetDefaults, before validation.
func (c *GatewayConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if c.Tracing.Exporter == "none" {
		c.Tracing.Exporter = "stdout"
	}
	if len(c.Seed.Tenants) == 0 {
		c.Seed.Tenants = []TenantSeed{{ID: "dev-tenant", Name: "Development Tenant"}}
	}
	if len(c.Seed.Workspaces) == 0 {
		c.Seed.Workspaces = []WorkspaceSeed{{ID: "dev-workspace", TenantID: "dev-tenant", Name: "Development Workspace"}}
	}
	if len(c.Seed.Policies) == 0 {
		c.Seed.Policies = []PolicySeed{{
			ID:            "dev-allow-rbac",
			TenantID:      "dev-tenant",
			GuardrailType: "rbac",
			Action:        "allow",
			Enabled:       true,
		}}
	}
}

// UpstreamTimeoutDuration parses Server.UpstreamTimeout, falling back to
// 30s on a malformed value rather than erroring; validation should have
// already caught that case.
func (c *GatewayConfig) UpstreamTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Server.UpstreamTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
