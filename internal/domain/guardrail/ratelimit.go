package guardrail

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/policy"
	"github.com/sentinelops/gatekeep/internal/domain/ratelimit"
)

// RateLimitDeps bundles what the rate-limit evaluator needs beyond its own
// config: the counter store. The workspace's fail-mode used when the store
// is unreachable travels in each policy row's config (see newRateLimitEvaluator).
type RateLimitDeps struct {
	Store ratelimit.Store
}

// windowFor maps a guardrail type to its fixed window size.
func windowFor(t policy.GuardrailType) time.Duration {
	if t == policy.GuardrailRateLimitPerHour {
		return time.Hour
	}
	return time.Minute
}

// FailMode is duplicated here (rather than importing a shared package) to
// keep the guardrail package's only policy dependency the EffectivePolicy
// config map; the fail mode is read from the policy row's "fail_mode"
// config key and is closed when that key is absent.
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

func newRateLimitEvaluator(ep policy.EffectivePolicy, deps *RateLimitDeps) Evaluator {
	limit := int64(intConfig(ep.Config, "limit", 0))
	window := windowFor(ep.GuardrailType)
	failMode := FailClosed
	if fm, ok := ep.Config["fail_mode"].(string); ok && fm != "" {
		failMode = FailMode(fm)
	}

	return Evaluator{
		Kind:   ep.GuardrailType,
		Config: ep.Config,
		Eval: func(ctx context.Context, direction Direction, body any, evalCtx EvaluationContext) (EvaluationResult, error) {
			if deps == nil || deps.Store == nil || limit <= 0 {
				return EvaluationResult{Action: ResultAllow, Triggered: false}, nil
			}

			result, err := ratelimit.Check(ctx, deps.Store, evalCtx.TenantID, evalCtx.AgentID, string(ep.GuardrailType), limit, window, evalCtx.RequestTime)
			if err != nil {
				var unavailable *ratelimit.ErrStoreUnavailable
				if errors.As(err, &unavailable) {
					if failMode == FailOpen {
						return EvaluationResult{Action: ResultAllow, Triggered: false, Details: map[string]any{"degraded": true}}, nil
					}
					return EvaluationResult{Action: ResultThrottle, Triggered: true, Details: map[string]any{"degraded": true}}, nil
				}
				return EvaluationResult{}, err
			}

			if !result.Allowed {
				return EvaluationResult{
					Action:     ResultThrottle,
					Triggered:  true,
					RetryAfter: result.RetryAfter,
					Details:    map[string]any{"count": result.Count, "limit": result.Limit},
				}, nil
			}
			return EvaluationResult{Action: ResultAllow, Triggered: false, Details: map[string]any{"count": result.Count, "limit": result.Limit}}, nil
		},
	}
}
