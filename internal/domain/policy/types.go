// Package policy contains the domain types and hierarchical resolution
// logic for per-request guardrail configuration.
package policy

import "time"

// GuardrailType names a kind of guardrail a Policy row can configure.
type GuardrailType string

const (
	GuardrailRBAC                  GuardrailType = "rbac"
	GuardrailPIISSN                GuardrailType = "pii_ssn"
	GuardrailPIICreditCard         GuardrailType = "pii_credit_card"
	GuardrailPIIEmail              GuardrailType = "pii_email"
	GuardrailPIIPhone              GuardrailType = "pii_phone"
	GuardrailPIIIPAddress          GuardrailType = "pii_ip_address"
	GuardrailRateLimitPerMinute    GuardrailType = "rate_limit_per_minute"
	GuardrailRateLimitPerHour      GuardrailType = "rate_limit_per_hour"
	GuardrailContentLargeDocuments GuardrailType = "content_large_documents"
	GuardrailContentStructuredData GuardrailType = "content_structured_data"
	GuardrailContentSourceCode     GuardrailType = "content_source_code"
)

// Action is the outcome a policy assigns to its guardrail.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionRedact   Action = "redact"
	ActionThrottle Action = "throttle"
	ActionLogOnly  Action = "log_only"
)

// Scope reports which of the three precedence levels a Policy row targets.
type Scope int

const (
	ScopeTenant Scope = iota
	ScopeWorkspace
	ScopeAgent
)

// Policy associates a guardrail with a scope, an action, and a
// guardrail-specific config map. WorkspaceID/AgentID being empty determines
// the scope: both empty is tenant scope, only AgentID empty is workspace
// scope, both set is agent scope.
type Policy struct {
	ID            string
	TenantID      string
	WorkspaceID   string
	AgentID       string
	GuardrailType GuardrailType
	Action        Action
	Config        map[string]any
	Priority      int
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Scope reports this row's precedence level from which IDs are set.
func (p *Policy) Scope() Scope {
	switch {
	case p.AgentID != "":
		return ScopeAgent
	case p.WorkspaceID != "":
		return ScopeWorkspace
	default:
		return ScopeTenant
	}
}

// Active reports whether this row should participate in resolution.
func (p *Policy) Active() bool {
	return p.Enabled && p.DeletedAt == nil
}

// EffectivePolicy is one resolved, precedence-won entry in an
// EffectivePolicySet.
type EffectivePolicy struct {
	GuardrailType GuardrailType
	Action        Action
	Config        map[string]any
}

// EffectivePolicySet is the resolved, deduplicated list of policies
// applicable to one request, already reduced to a canonical evaluation
// order by Resolve.
type EffectivePolicySet struct {
	Entries []EffectivePolicy
	// Degraded is true when resolution fell back to an empty set because
	// the store was unreachable under fail-open.
	Degraded bool
}

// ByType returns the effective policy for a guardrail type, if present.
func (s *EffectivePolicySet) ByType(t GuardrailType) (EffectivePolicy, bool) {
	for _, e := range s.Entries {
		if e.GuardrailType == t {
			return e, true
		}
	}
	return EffectivePolicy{}, false
}
