package guardrail

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

// globCache memoizes pattern -> compiled regexp across evaluator instances,
// since the same small set of patterns is re-instantiated every request.
var (
	globCacheMu sync.RWMutex
	globCache   = make(map[string]*regexp.Regexp)
)

// compileGlob translates an RBAC tool-name pattern (case-sensitive, full-string,
// '*' matching zero or more of any character) into an anchored regexp.
func compileGlob(pattern string) *regexp.Regexp {
	globCacheMu.RLock()
	if re, ok := globCache[pattern]; ok {
		globCacheMu.RUnlock()
		return re
	}
	globCacheMu.RUnlock()

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")

	globCacheMu.Lock()
	globCache[pattern] = re
	globCacheMu.Unlock()
	return re
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if compileGlob(p).MatchString(name) {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// newRBACEvaluator builds the tool allow/deny evaluator.
// Applies only on the request direction (enforced by Evaluator.AppliesTo).
func newRBACEvaluator(ep policy.EffectivePolicy, conditions ConditionEvaluator) Evaluator {
	allowed := stringSlice(ep.Config["allowed_tools"])
	denied := stringSlice(ep.Config["denied_tools"])
	defaultAction := policy.ActionAllow
	if da, ok := ep.Config["default_action"].(string); ok && da != "" {
		defaultAction = policy.Action(da)
		if da == "deny" {
			defaultAction = policy.ActionBlock
		}
	}
	condition, _ := ep.Config["condition"].(string)

	return Evaluator{
		Kind:   policy.GuardrailRBAC,
		Config: ep.Config,
		Eval: func(ctx context.Context, direction Direction, body any, evalCtx EvaluationContext) (EvaluationResult, error) {
			name := evalCtx.ToolName

			blocked := matchesAny(denied, name)
			allowedExplicit := false
			if !blocked {
				if len(allowed) > 0 {
					if matchesAny(allowed, name) {
						allowedExplicit = true
					} else {
						blocked = true
					}
				}
			}

			var decision policy.Action
			switch {
			case blocked:
				decision = policy.ActionBlock
			case allowedExplicit:
				decision = policy.ActionAllow
			default:
				decision = defaultAction
			}

			if decision == policy.ActionAllow && condition != "" && conditions != nil {
				ok, err := conditions.EvaluateCondition(condition, evalCtx)
				if err == nil && !ok {
					decision = policy.ActionBlock
				}
			}

			if decision == policy.ActionBlock {
				return EvaluationResult{
					Action:    ResultBlock,
					Triggered: true,
					Details:   map[string]any{"tool_name": name},
				}, nil
			}
			return EvaluationResult{Action: ResultAllow, Triggered: false}, nil
		},
	}
}
