// Package guardrail implements the evaluator contract and
// the concrete RBAC, PII, content-size, and rate-limit evaluators.
//
// An Evaluator is a tagged-variant value: a kind, its config, and a pure
// evaluation function, rather than a registry of name-to-implementation
// objects with a chained "next" pointer. The Pipeline (not the evaluator)
// owns ordering and short-circuiting.
package guardrail

import (
	"context"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// Direction is which side of the forwarded call an evaluator inspects.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// EvaluationContext carries everything an evaluator may need beyond the
// body itself: the resolved identity and the destination the request is
// headed to, mirroring the fields the ported CEL environment exposes for
// RBAC's optional condition supplement.
type EvaluationContext struct {
	TenantID      string
	WorkspaceID   string
	AgentID       string
	Method        string
	ToolName      string
	Arguments     map[string]any
	DestinationURL string
	RequestTime   time.Time
}

// ResultAction is the outcome one evaluator assigns to a (direction, body)
// pair.
type ResultAction string

const (
	ResultAllow    ResultAction = "allow"
	ResultBlock    ResultAction = "block"
	ResultRedact   ResultAction = "redact"
	ResultThrottle ResultAction = "throttle"
	ResultLogOnly  ResultAction = "log_only"
)

// EvaluationResult is what a single evaluator invocation returns.
type EvaluationResult struct {
	Action ResultAction
	// Triggered is true whenever the evaluator's condition fired, even if
	// the configured Action for that condition is allow/log_only; audit
	// needs to know a guardrail matched, independent of what it did.
	Triggered bool
	// Body is the (possibly rewritten) working body; only meaningful when
	// Action is ResultRedact, mirroring evaluate()'s redact_with(new_body).
	Body any
	// RetryAfter is set when Action is ResultThrottle.
	RetryAfter time.Duration
	// Details is structured, audit-facing context (e.g. which PII kind hit,
	// which tool pattern matched).
	Details map[string]any
}

// EvalFunc is the pure evaluation function an Evaluator value wraps. It may
// suspend (e.g. the rate-limit evaluator's counter-store round trip) but
// must not retain the body or context beyond the call.
type EvalFunc func(ctx context.Context, direction Direction, body any, evalCtx EvaluationContext) (EvaluationResult, error)

// Evaluator is one configured guardrail instance, built by the registry
// from an EffectivePolicy row.
type Evaluator struct {
	Kind   policy.GuardrailType
	Config map[string]any
	Eval   EvalFunc
}

// AppliesTo reports whether this evaluator should run for the given
// direction. RBAC and rate-limit are request-only; PII and content-size
// default to both directions unless their config narrows it.
func (e Evaluator) AppliesTo(direction Direction) bool {
	switch e.Kind {
	case policy.GuardrailRBAC, policy.GuardrailRateLimitPerMinute, policy.GuardrailRateLimitPerHour:
		return direction == DirectionRequest
	default:
		configured, ok := e.Config["direction"].(string)
		if !ok || configured == "" || configured == "both" {
			return true
		}
		return Direction(configured) == direction
	}
}
