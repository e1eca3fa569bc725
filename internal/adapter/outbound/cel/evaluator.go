// Package cel provides the CEL-based evaluator for RBAC's optional
// condition supplement (guardrail.EvaluationContext-scoped
// boolean expression).
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	celgo "github.com/google/cel-go/cel"

	"github.com/sentinelops/gatekeep/internal/domain/guardrail"
)

const (
	maxExpressionLength = 1024
	maxCostBudget       = 100_000
	maxNestingDepth      = 50
	evalTimeout          = 5 * time.Second
	interruptCheckFreq   = 100
)

// Evaluator compiles and evaluates CEL expressions against
// guardrail.EvaluationContext. Compiled programs are cached by expression
// text since the same small set of policy-authored conditions is
// re-evaluated on every matching request.
type Evaluator struct {
	env *celgo.Env

	mu    sync.RWMutex
	cache map[string]celgo.Program
}

// NewEvaluator builds a new Evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]celgo.Program)}, nil
}

// Compile parses, type-checks, and compiles expr into a runnable program.
func (e *Evaluator) Compile(expr string) (celgo.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		celgo.EvalOptions(celgo.OptOptimize),
		celgo.CostLimit(maxCostBudget),
		celgo.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks that expr's parenthesis/bracket/brace nesting does
// not exceed maxNestingDepth, a cheap guard before handing attacker-reachable
// text to the CEL parser.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks expr is syntactically valid and within the
// safety limits (length, nesting) before it is ever evaluated.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

func (e *Evaluator) compiled(expr string) (celgo.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.Compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// EvaluateCondition compiles (or reuses a cached compile of) expr and runs
// it against evalCtx, implementing guardrail.ConditionEvaluator.
func (e *Evaluator) EvaluateCondition(expr string, evalCtx guardrail.EvaluationContext) (bool, error) {
	prg, err := e.compiled(expr)
	if err != nil {
		return false, err
	}
	return e.Evaluate(prg, evalCtx)
}

// Evaluate runs a compiled program against evalCtx with a bounded timeout.
func (e *Evaluator) Evaluate(prg celgo.Program, evalCtx guardrail.EvaluationContext) (bool, error) {
	activation := buildActivation(evalCtx)

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

func buildActivation(evalCtx guardrail.EvaluationContext) map[string]any {
	args := evalCtx.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"tool_name":       evalCtx.ToolName,
		"method":          evalCtx.Method,
		"tool_args":       args,
		"tenant_id":       evalCtx.TenantID,
		"workspace_id":    evalCtx.WorkspaceID,
		"agent_id":        evalCtx.AgentID,
		"destination_url": evalCtx.DestinationURL,
		"request_time":    evalCtx.RequestTime,
	}
}

var _ guardrail.ConditionEvaluator = (*Evaluator)(nil)
