package guardrail

import (
	"context"
	"strings"

	"github.com/sentinelops/gatekeep/internal/domain/jsonwalk"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// sizeCheck implements one of the three content_* variants.
// It returns true (and stops the scan) on the first violation.
type sizeCheck func(body any, config map[string]any) bool

func intConfig(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func contentLargeDocuments(body any, config map[string]any) bool {
	maxChars := intConfig(config, "max_chars", 1<<31-1)
	return jsonwalk.Scan(body, func(s string) bool {
		return len(s) > maxChars
	})
}

func contentStructuredData(body any, config map[string]any) bool {
	maxRows := intConfig(config, "max_rows", 1<<31-1)
	return jsonwalk.RowCount(body) > maxRows
}

// looksLikeCode reports whether a string leaf should be treated as source
// code: triple-backtick fenced, or an explicit type:code
// sibling (approximated here by a leaf containing a fenced block, since the
// walker only sees leaves, not parent keys).
func looksLikeCode(s string) bool {
	return strings.Contains(s, "```")
}

func contentSourceCode(body any, config map[string]any) bool {
	maxChars := intConfig(config, "max_chars", 1<<31-1)
	explicitCode, _ := config["is_code"].(bool)
	return jsonwalk.Scan(body, func(s string) bool {
		if !explicitCode && !looksLikeCode(s) {
			return false
		}
		return len(s) > maxChars
	})
}

// newContentSizeEvaluator builds one of the content_* guardrails. All three
// variants only ever block or allow; there is no redact form.
func newContentSizeEvaluator(ep policy.EffectivePolicy, check sizeCheck) Evaluator {
	return Evaluator{
		Kind:   ep.GuardrailType,
		Config: ep.Config,
		Eval: func(ctx context.Context, direction Direction, body any, evalCtx EvaluationContext) (EvaluationResult, error) {
			if check(body, ep.Config) {
				return EvaluationResult{
					Action:    ResultBlock,
					Triggered: true,
					Details:   map[string]any{"guardrail": string(ep.GuardrailType)},
				}, nil
			}
			return EvaluationResult{Action: ResultAllow, Triggered: false}, nil
		},
	}
}
