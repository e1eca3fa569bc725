package pipeline

import (
	"context"
	"testing"

	"github.com/sentinelops/gatekeep/internal/domain/guardrail"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
)

func allowEvaluator(kind policy.GuardrailType, calls *int) guardrail.Evaluator {
	return guardrail.Evaluator{
		Kind: kind,
		Eval: func(ctx context.Context, d guardrail.Direction, body any, ec guardrail.EvaluationContext) (guardrail.EvaluationResult, error) {
			if calls != nil {
				*calls++
			}
			return guardrail.EvaluationResult{Action: guardrail.ResultAllow}, nil
		},
	}
}

func blockEvaluator(kind policy.GuardrailType, calls *int) guardrail.Evaluator {
	return guardrail.Evaluator{
		Kind: kind,
		Eval: func(ctx context.Context, d guardrail.Direction, body any, ec guardrail.EvaluationContext) (guardrail.EvaluationResult, error) {
			if calls != nil {
				*calls++
			}
			return guardrail.EvaluationResult{Action: guardrail.ResultBlock, Triggered: true}, nil
		},
	}
}

func redactEvaluator(kind policy.GuardrailType, newBody any) guardrail.Evaluator {
	return guardrail.Evaluator{
		Kind: kind,
		Eval: func(ctx context.Context, d guardrail.Direction, body any, ec guardrail.EvaluationContext) (guardrail.EvaluationResult, error) {
			return guardrail.EvaluationResult{Action: guardrail.ResultRedact, Triggered: true, Body: newBody}, nil
		},
	}
}

func TestPipeline_ShortCircuitsAfterBlock(t *testing.T) {
	var laterCalls int
	evs := []guardrail.Evaluator{
		blockEvaluator(policy.GuardrailRBAC, nil),
		allowEvaluator(policy.GuardrailPIIEmail, &laterCalls),
	}

	out, err := Run(context.Background(), guardrail.DirectionRequest, "body", evs, guardrail.EvaluationContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FinalAction != FinalBlock {
		t.Fatalf("expected block, got %v", out.FinalAction)
	}
	if laterCalls != 0 {
		t.Fatalf("expected evaluator after block not to run, got %d calls", laterCalls)
	}
}

func TestPipeline_RedactComposesThenAllows(t *testing.T) {
	evs := []guardrail.Evaluator{
		redactEvaluator(policy.GuardrailPIIEmail, "body-without-email"),
		redactEvaluator(policy.GuardrailPIISSN, "body-without-email-or-ssn"),
	}

	out, err := Run(context.Background(), guardrail.DirectionResponse, "original body", evs, guardrail.EvaluationContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FinalAction != FinalModify {
		t.Fatalf("expected modify, got %v", out.FinalAction)
	}
	if out.Body != "body-without-email-or-ssn" {
		t.Fatalf("expected final redaction to compose, got %v", out.Body)
	}
}

func TestPipeline_BlockBeatsRedact(t *testing.T) {
	evs := []guardrail.Evaluator{
		redactEvaluator(policy.GuardrailPIIEmail, "partially redacted"),
		blockEvaluator(policy.GuardrailPIICreditCard, nil),
	}

	out, err := Run(context.Background(), guardrail.DirectionResponse, "body", evs, guardrail.EvaluationContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FinalAction != FinalBlock {
		t.Fatalf("expected block to win over redact, got %v", out.FinalAction)
	}
}

func TestPipeline_EmptySetIsRoundTripAllow(t *testing.T) {
	out, err := Run(context.Background(), guardrail.DirectionRequest, "bytes", nil, guardrail.EvaluationContext{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.FinalAction != FinalAllow || out.Body != "bytes" {
		t.Fatalf("expected pass-through allow, got %+v", out)
	}
}

func TestPipeline_RespectsDirectionFiltering(t *testing.T) {
	var calls int
	rbac := allowEvaluator(policy.GuardrailRBAC, &calls)

	if _, err := Run(context.Background(), guardrail.DirectionResponse, nil, []guardrail.Evaluator{rbac}, guardrail.EvaluationContext{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 0 {
		t.Fatalf("RBAC is request-only; expected 0 calls on response direction, got %d", calls)
	}
}
