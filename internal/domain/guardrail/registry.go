package guardrail

import (
	"fmt"

	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// ConditionEvaluator is the narrow interface the RBAC evaluator needs from
// the CEL adapter: compile-once, evaluate-many over an EvaluationContext.
// Defined here (the domain) and implemented by internal/adapter/outbound/cel
// so the domain never imports the adapter.
type ConditionEvaluator interface {
	EvaluateCondition(expr string, evalCtx EvaluationContext) (bool, error)
}

// Registry maps a guardrail type to its evaluator constructor and
// instantiates one Evaluator per request from the resolved EffectivePolicy.
type Registry struct {
	conditions ConditionEvaluator
	ratelimit  *RateLimitDeps
}

// NewRegistry builds a Registry. conditions may be nil to disable the
// RBAC CEL condition supplement (glob-only matching still works).
func NewRegistry(conditions ConditionEvaluator, rl *RateLimitDeps) *Registry {
	return &Registry{conditions: conditions, ratelimit: rl}
}

// Build instantiates the Evaluator for one EffectivePolicy entry.
func (r *Registry) Build(ep policy.EffectivePolicy) (Evaluator, error) {
	switch ep.GuardrailType {
	case policy.GuardrailRBAC:
		return newRBACEvaluator(ep, r.conditions), nil
	case policy.GuardrailPIISSN:
		return newPIIEvaluator(ep, detectSSN, "SSN"), nil
	case policy.GuardrailPIICreditCard:
		return newPIIEvaluator(ep, detectCreditCard, "CREDIT_CARD"), nil
	case policy.GuardrailPIIEmail:
		return newPIIEvaluator(ep, detectEmail, "EMAIL"), nil
	case policy.GuardrailPIIPhone:
		return newPIIEvaluator(ep, detectPhone, "PHONE"), nil
	case policy.GuardrailPIIIPAddress:
		return newPIIEvaluator(ep, detectIPv4, "IP_ADDRESS"), nil
	case policy.GuardrailContentLargeDocuments:
		return newContentSizeEvaluator(ep, contentLargeDocuments), nil
	case policy.GuardrailContentStructuredData:
		return newContentSizeEvaluator(ep, contentStructuredData), nil
	case policy.GuardrailContentSourceCode:
		return newContentSizeEvaluator(ep, contentSourceCode), nil
	case policy.GuardrailRateLimitPerMinute:
		return newRateLimitEvaluator(ep, r.ratelimit), nil
	case policy.GuardrailRateLimitPerHour:
		return newRateLimitEvaluator(ep, r.ratelimit), nil
	default:
		return Evaluator{}, fmt.Errorf("guardrail: no evaluator registered for type %q", ep.GuardrailType)
	}
}

// BuildAll instantiates evaluators for every entry in set, skipping any
// guardrail type the registry doesn't recognize (forward compatibility
// with a newer admin surface) rather than failing the whole pipeline.
func (r *Registry) BuildAll(set policy.EffectivePolicySet) []Evaluator {
	out := make([]Evaluator, 0, len(set.Entries))
	for _, ep := range set.Entries {
		ev, err := r.Build(ep)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}
