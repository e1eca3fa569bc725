package guardrail

import (
	"context"
	"fmt"

	"github.com/sentinelops/gatekeep/internal/domain/jsonwalk"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// defaultToken returns the per-kind redaction placeholder used when a
// policy's config omits "redaction_token".
func defaultToken(kind string) string {
	return fmt.Sprintf("[REDACTED:%s]", kind)
}

// newPIIEvaluator builds one of the five PII evaluators.
// Detection runs over every string leaf of the decoded JSON body via the
// shared jsonwalk walker; block short-circuits on the first hit, redact
// rewrites every occurrence and continues.
func newPIIEvaluator(ep policy.EffectivePolicy, detect detectFunc, kind string) Evaluator {
	token := defaultToken(kind)
	if t, ok := ep.Config["redaction_token"].(string); ok && t != "" {
		token = t
	}

	return Evaluator{
		Kind:   ep.GuardrailType,
		Config: ep.Config,
		Eval: func(ctx context.Context, direction Direction, body any, evalCtx EvaluationContext) (EvaluationResult, error) {
			switch ep.Action {
			case policy.ActionBlock:
				hit := jsonwalk.Scan(body, func(s string) bool {
					_, found := detect(s, token)
					return found
				})
				if hit {
					return EvaluationResult{
						Action:    ResultBlock,
						Triggered: true,
						Details:   map[string]any{"kind": kind},
					}, nil
				}
				return EvaluationResult{Action: ResultAllow, Triggered: false}, nil

			case policy.ActionRedact:
				anyHit := false
				newBody, _ := jsonwalk.Walk(body, func(s string) (string, bool) {
					redacted, hit := detect(s, token)
					if hit {
						anyHit = true
					}
					return redacted, hit
				})
				if anyHit {
					return EvaluationResult{
						Action:    ResultRedact,
						Triggered: true,
						Body:      newBody,
						Details:   map[string]any{"kind": kind},
					}, nil
				}
				return EvaluationResult{Action: ResultAllow, Triggered: false}, nil

			default:
				return EvaluationResult{Action: ResultLogOnly, Triggered: false}, nil
			}
		},
	}
}
