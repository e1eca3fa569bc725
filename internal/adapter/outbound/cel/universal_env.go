package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// newConditionEnvironment builds the CEL environment RBAC's optional
// condition supplement evaluates against: the same identity and
// destination fields guardrail.EvaluationContext exposes, plus a "glob"
// helper for ad-hoc tool-name matching inside a condition expression.
func newConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("tool_args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("workspace_id", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("destination_url", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}
