// Package pipeline composes guardrail evaluators per direction in the
// canonical guardrail order, short-circuiting on block/throttle and
// accumulating redactions otherwise.
package pipeline

import (
	"context"

	"github.com/sentinelops/gatekeep/internal/domain/guardrail"
)

// FinalAction is the pipeline's aggregate outcome across every evaluator it
// ran for one direction.
type FinalAction string

const (
	FinalAllow    FinalAction = "allow"
	FinalModify   FinalAction = "modify"
	FinalBlock    FinalAction = "block"
	FinalThrottle FinalAction = "throttle"
)

// TriggeredGuardrail is one evaluator's recorded contribution to the
// outcome, regardless of whether it ultimately fired.
type TriggeredGuardrail struct {
	Kind      string
	Triggered bool
	Action    guardrail.ResultAction
	Details   map[string]any
}

// Outcome is the result of running one direction's guardrail pipeline.
type Outcome struct {
	FinalAction FinalAction
	Triggered   []TriggeredGuardrail
	Body        any
	RetryAfter  float64 // seconds, set when FinalAction is throttle
}

// Run evaluates evaluators in order against body, skipping any whose
// AppliesTo rejects direction, short-circuiting on the first block/throttle
// and otherwise folding redactions into the working body before continuing.
func Run(ctx context.Context, direction guardrail.Direction, body any, evaluators []guardrail.Evaluator, evalCtx guardrail.EvaluationContext) (Outcome, error) {
	working := body
	modified := false
	var triggered []TriggeredGuardrail

	for _, ev := range evaluators {
		if !ev.AppliesTo(direction) {
			continue
		}

		result, err := ev.Eval(ctx, direction, working, evalCtx)
		if err != nil {
			return Outcome{}, err
		}

		triggered = append(triggered, TriggeredGuardrail{
			Kind:      string(ev.Kind),
			Triggered: result.Triggered,
			Action:    result.Action,
			Details:   result.Details,
		})

		switch result.Action {
		case guardrail.ResultBlock:
			return Outcome{FinalAction: FinalBlock, Triggered: triggered, Body: working}, nil
		case guardrail.ResultThrottle:
			return Outcome{
				FinalAction: FinalThrottle,
				Triggered:   triggered,
				Body:        working,
				RetryAfter:  result.RetryAfter.Seconds(),
			}, nil
		case guardrail.ResultRedact:
			working = result.Body
			modified = true
		case guardrail.ResultAllow, guardrail.ResultLogOnly:
			// continue
		}
	}

	final := FinalAllow
	if modified {
		final = FinalModify
	}
	return Outcome{FinalAction: final, Triggered: triggered, Body: working}, nil
}

// Direction-scoped ordering: there is no separate per-direction list; Run
// relies on guardrail.Evaluator.AppliesTo, so it is given the full effective
// set and filters inline rather than the caller pre-splitting the slice twice.
