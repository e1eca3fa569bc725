// Package service contains the core proxy orchestration implementation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinelops/gatekeep/internal/ctxkey"
	"github.com/sentinelops/gatekeep/internal/domain/audit"
	"github.com/sentinelops/gatekeep/internal/domain/auth"
	"github.com/sentinelops/gatekeep/internal/domain/guardrail"
	"github.com/sentinelops/gatekeep/internal/domain/pipeline"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
	"github.com/sentinelops/gatekeep/internal/domain/upstream"
	"github.com/sentinelops/gatekeep/pkg/jsonrpc"
)

// ErrorCode is a JSON-RPC 2.0 error code in gatekeep's reserved range.
type ErrorCode int

const (
	ErrorCodeGovernanceBlock  ErrorCode = -32001
	ErrorCodeUpstreamTimeout  ErrorCode = -32002
	ErrorCodeUpstreamError    ErrorCode = -32003
)

// RequestAction is the client-visible decision for a proxied call.
type RequestAction string

const (
	ActionPassthrough       RequestAction = "passthrough"
	ActionBlocked           RequestAction = "block"
	ActionThrottled         RequestAction = "throttle"
	ActionUpstreamErr       RequestAction = "upstream_error"
	ActionClientDisconnected RequestAction = "client_disconnected"
)

// Outcome is what ProxyOrchestrator.Handle returns to the transport layer.
type Outcome struct {
	StatusCode        int
	Body              []byte
	ContentType       string
	RequestDecisionID string
	ResponseDecisionID string
	RetryAfterSeconds int
	Action            RequestAction
}

// Inbound is the transport-agnostic shape of one client call.
type Inbound struct {
	Method        string
	Path          string
	Body          []byte
	ContentType   string
	AccessKey     string
	Authorization string
	ForwardedFor  []string
}

// ProxyOrchestrator authenticates, resolves policy, runs the request
// pipeline, forwards to the upstream, runs the response pipeline, and emits
// an audit decision, all per request, with no shared mutable state.
type ProxyOrchestrator struct {
	authenticator *auth.KeyAuthenticator
	resolver      *policy.Resolver
	registry      *guardrail.Registry
	upstreams     upstream.Store
	client        upstream.Client
	audit         *AuditEmitter
	usage         *UsageRecorder
	logger        *slog.Logger

	failMode      policy.FailMode
	decisionBudget time.Duration
	tracer        trace.Tracer
}

// NewProxyOrchestrator builds a ProxyOrchestrator.
func NewProxyOrchestrator(
	authenticator *auth.KeyAuthenticator,
	resolver *policy.Resolver,
	registry *guardrail.Registry,
	upstreams upstream.Store,
	client upstream.Client,
	emitter *AuditEmitter,
	logger *slog.Logger,
	failMode policy.FailMode,
	decisionBudget time.Duration,
	usage ...*UsageRecorder,
) *ProxyOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if decisionBudget <= 0 {
		decisionBudget = 5 * time.Second
	}
	var usageRecorder *UsageRecorder
	if len(usage) > 0 {
		usageRecorder = usage[0]
	}
	return &ProxyOrchestrator{
		authenticator:  authenticator,
		resolver:       resolver,
		registry:       registry,
		upstreams:      upstreams,
		client:         client,
		audit:          emitter,
		usage:          usageRecorder,
		logger:         logger,
		failMode:       failMode,
		decisionBudget: decisionBudget,
		tracer:         otel.Tracer("github.com/sentinelops/gatekeep/internal/service"),
	}
}

// Handle runs one proxied call end to end. The destination upstream is
// resolved from the authenticated request's workspace: each workspace owns
// exactly one upstream, keyed in the store by the workspace's ID.
func (o *ProxyOrchestrator) Handle(ctx context.Context, in Inbound) (*Outcome, error) {
	requestID := uuid.NewString()
	start := time.Now()

	inboundCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, o.decisionBudget)
	defer cancel()

	authCtx, authSpan := o.tracer.Start(ctx, "gatekeep.authenticate")
	rc, err := o.authenticator.Authenticate(authCtx, in.AccessKey)
	authSpan.End()
	if err != nil {
		return &Outcome{StatusCode: 401, Action: ActionBlocked}, nil
	}
	rc.RequestID = requestID
	if o.usage != nil {
		o.usage.Touch(rc.AccessKeyID)
	}

	target, err := o.upstreams.Get(ctx, rc.WorkspaceID)
	if err != nil || !target.Enabled {
		return &Outcome{StatusCode: 502, Action: ActionUpstreamErr}, nil
	}

	policyCtx, policySpan := o.tracer.Start(ctx, "gatekeep.resolve_policy")
	effective, err := o.resolver.Resolve(policyCtx, rc, o.failMode)
	policySpan.End()
	if err != nil {
		o.logger.Error("policy resolution failed", "error", err, "tenant_id", rc.TenantID)
		return o.blockedOutcome(ctx, rc, nil, requestID, "policy store unavailable", nil, start), nil
	}
	evaluators := o.registry.BuildAll(effective)

	env, bodyOpaque := decodeBody(in.Body, in.ContentType)
	evalCtx := buildEvalContext(rc, env, target.URL)

	var workingBody any
	var reqOutcome pipeline.Outcome
	if !bodyOpaque {
		var decoded any
		if err := json.Unmarshal(in.Body, &decoded); err != nil {
			bodyOpaque = true
		} else {
			reqPipelineCtx, reqPipelineSpan := o.tracer.Start(ctx, "gatekeep.request_pipeline")
			reqOutcome, err = pipeline.Run(reqPipelineCtx, guardrail.DirectionRequest, decoded, evaluators, evalCtx)
			reqPipelineSpan.End()
			if err != nil {
				o.logger.Error("request pipeline error", "error", err)
				return o.blockedOutcome(ctx, rc, env, requestID, "guardrail evaluation error", nil, start), nil
			}
			workingBody = reqOutcome.Body
		}
	}

	if reqOutcome.FinalAction == pipeline.FinalBlock {
		return o.blockedOutcome(ctx, rc, env, requestID, "blocked by policy", reqOutcome.Triggered, start), nil
	}
	if reqOutcome.FinalAction == pipeline.FinalThrottle {
		return o.throttledOutcome(ctx, rc, env, requestID, reqOutcome, start), nil
	}

	forwardBody := in.Body
	if reqOutcome.FinalAction == pipeline.FinalModify {
		forwardBody, _ = json.Marshal(workingBody)
	}

	forwardCtx, forwardSpan := o.tracer.Start(ctx, "gatekeep.forward")
	upResp, err := o.client.Do(forwardCtx, target, upstream.Request{
		Method:        in.Method,
		Path:          in.Path,
		Body:          forwardBody,
		ContentType:   in.ContentType,
		RequestID:     requestID,
		TenantID:      rc.TenantID,
		WorkspaceID:   rc.WorkspaceID,
		AgentID:       rc.AgentID,
		ForwardedFor:  in.ForwardedFor,
		Authorization: in.Authorization,
	})
	forwardSpan.End()
	if err != nil {
		if isClientDisconnected(inboundCtx, err) {
			return o.clientDisconnectedOutcome(ctx, rc, requestID, reqOutcome.Triggered, start), nil
		}
		return o.upstreamErrorOutcome(ctx, rc, env, requestID, err, reqOutcome.Triggered, start), nil
	}

	respEnv, respOpaque := decodeBody(upResp.Body, upResp.ContentType)
	var respOutcome pipeline.Outcome
	respBody := upResp.Body
	if !respOpaque {
		var decodedResp any
		if err := json.Unmarshal(upResp.Body, &decodedResp); err != nil {
			respOpaque = true
		} else {
			respPipelineCtx, respPipelineSpan := o.tracer.Start(ctx, "gatekeep.response_pipeline")
			respOutcome, err = pipeline.Run(respPipelineCtx, guardrail.DirectionResponse, decodedResp, evaluators, evalCtx)
			respPipelineSpan.End()
			if err != nil {
				o.logger.Error("response pipeline error", "error", err)
			} else {
				switch respOutcome.FinalAction {
				case pipeline.FinalBlock:
					return o.responseBlockedOutcome(ctx, rc, env, respEnv, requestID, respOutcome, reqOutcome, start), nil
				case pipeline.FinalModify:
					respBody, _ = json.Marshal(respOutcome.Body)
				}
			}
		}
	}

	latency := time.Since(start)
	o.emit(ctx, audit.Record{
		Timestamp:        start.UTC(),
		RequestID:        requestID,
		TenantID:         rc.TenantID,
		WorkspaceID:      rc.WorkspaceID,
		AgentID:          rc.AgentID,
		ToolName:         evalCtx.ToolName,
		Method:           evalCtx.Method,
		RequestDecision:  string(audit.DecisionAllow),
		ResponseDecision: string(audit.DecisionAllow),
		Triggered:        toAuditTriggered(append(append([]pipeline.TriggeredGuardrail{}, reqOutcome.Triggered...), respOutcome.Triggered...)),
		UpstreamStatus:   upResp.StatusCode,
		RetryCount:       retriesFromAttempts(upResp.Attempts),
		LatencyMicros:    latency.Microseconds(),
	})

	return &Outcome{
		StatusCode:  upResp.StatusCode,
		Body:        respBody,
		ContentType: upResp.ContentType,
		Action:      ActionPassthrough,
	}, nil
}

func (o *ProxyOrchestrator) emit(ctx context.Context, rec audit.Record) {
	if o.audit == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "gatekeep.audit")
	defer span.End()
	o.audit.Emit(rec)
}

func decodeBody(raw []byte, contentType string) (*jsonrpc.Envelope, bool) {
	if !strings.Contains(contentType, "json") && contentType != "" {
		return nil, true
	}
	env, err := jsonrpc.Decode(raw)
	if err != nil {
		return nil, true
	}
	return env, false
}

func buildEvalContext(rc *auth.RequestContext, env *jsonrpc.Envelope, destinationURL string) guardrail.EvaluationContext {
	evalCtx := guardrail.EvaluationContext{
		TenantID:       rc.TenantID,
		WorkspaceID:    rc.WorkspaceID,
		AgentID:        rc.AgentID,
		DestinationURL: destinationURL,
		RequestTime:    time.Now().UTC(),
	}
	if env != nil {
		evalCtx.Method = env.Method()
		if env.IsToolCall() {
			evalCtx.ToolName = env.ToolName()
			evalCtx.Arguments = env.ToolArguments()
		} else {
			evalCtx.ToolName = evalCtx.Method
		}
	}
	return evalCtx
}

func toAuditTriggered(ts []pipeline.TriggeredGuardrail) []audit.TriggeredGuardrail {
	out := make([]audit.TriggeredGuardrail, 0, len(ts))
	for _, t := range ts {
		out = append(out, audit.TriggeredGuardrail{Kind: t.Kind, Triggered: t.Triggered, Action: string(t.Action)})
	}
	return out
}

func (o *ProxyOrchestrator) blockedOutcome(ctx context.Context, rc *auth.RequestContext, env *jsonrpc.Envelope, requestID, reason string, triggered []pipeline.TriggeredGuardrail, start time.Time) *Outcome {
	kinds := triggeredKinds(triggered)
	body := buildErrorEnvelope(rawID(env), ErrorCodeGovernanceBlock, reason, errorData{
		DecisionID: requestID,
		Action:     "block_request",
		Guardrails: kinds,
	})

	o.emit(ctx, audit.Record{
		Timestamp:       start.UTC(),
		RequestID:       requestID,
		TenantID:        rc.TenantID,
		WorkspaceID:     rc.WorkspaceID,
		AgentID:         rc.AgentID,
		RequestDecision: string(audit.DecisionBlock),
		Triggered:       toAuditTriggered(triggered),
		Reason:          reason,
		LatencyMicros:   time.Since(start).Microseconds(),
	})

	return &Outcome{StatusCode: 403, Body: body, ContentType: "application/json", RequestDecisionID: requestID, Action: ActionBlocked}
}

func (o *ProxyOrchestrator) responseBlockedOutcome(ctx context.Context, rc *auth.RequestContext, reqEnv, respEnv *jsonrpc.Envelope, requestID string, respOutcome, reqOutcome pipeline.Outcome, start time.Time) *Outcome {
	kinds := triggeredKinds(respOutcome.Triggered)
	body := buildErrorEnvelope(rawID(reqEnv), ErrorCodeGovernanceBlock, "response blocked by policy", errorData{
		DecisionID: requestID,
		Action:     "block_response",
		Guardrails: kinds,
	})

	o.emit(ctx, audit.Record{
		Timestamp:        start.UTC(),
		RequestID:        requestID,
		TenantID:         rc.TenantID,
		WorkspaceID:      rc.WorkspaceID,
		AgentID:          rc.AgentID,
		RequestDecision:  string(audit.DecisionAllow),
		ResponseDecision: string(audit.DecisionBlock),
		Triggered:        toAuditTriggered(append(append([]pipeline.TriggeredGuardrail{}, reqOutcome.Triggered...), respOutcome.Triggered...)),
		LatencyMicros:    time.Since(start).Microseconds(),
	})

	return &Outcome{StatusCode: 403, Body: body, ContentType: "application/json", ResponseDecisionID: requestID, Action: ActionBlocked}
}

func (o *ProxyOrchestrator) throttledOutcome(ctx context.Context, rc *auth.RequestContext, env *jsonrpc.Envelope, requestID string, out pipeline.Outcome, start time.Time) *Outcome {
	retryAfter := int(out.RetryAfter)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	body := buildErrorEnvelope(rawID(env), ErrorCodeGovernanceBlock, "rate limit exceeded", errorData{
		DecisionID:        requestID,
		Action:            "throttle",
		Guardrails:        triggeredKinds(out.Triggered),
		RetryAfterSeconds: retryAfter,
	})

	o.emit(ctx, audit.Record{
		Timestamp:       start.UTC(),
		RequestID:       requestID,
		TenantID:        rc.TenantID,
		WorkspaceID:     rc.WorkspaceID,
		AgentID:         rc.AgentID,
		RequestDecision: string(audit.DecisionThrottle),
		Triggered:       toAuditTriggered(out.Triggered),
		LatencyMicros:   time.Since(start).Microseconds(),
	})

	return &Outcome{
		StatusCode:        429,
		Body:              body,
		ContentType:       "application/json",
		RequestDecisionID: requestID,
		RetryAfterSeconds: retryAfter,
		Action:            ActionThrottled,
	}
}

func (o *ProxyOrchestrator) upstreamErrorOutcome(ctx context.Context, rc *auth.RequestContext, env *jsonrpc.Envelope, requestID string, err error, triggered []pipeline.TriggeredGuardrail, start time.Time) *Outcome {
	var timeoutErr *upstream.TimeoutError
	var statusCode int
	var code ErrorCode
	var message string

	switch {
	case errors.As(err, &timeoutErr):
		statusCode, code, message = 504, ErrorCodeUpstreamTimeout, "upstream request timed out"
	default:
		statusCode, code, message = 502, ErrorCodeUpstreamError, "upstream request failed"
	}

	body := buildErrorEnvelope(rawID(env), code, message, errorData{DecisionID: requestID, Action: "upstream_error"})

	o.emit(ctx, audit.Record{
		Timestamp:       start.UTC(),
		RequestID:       requestID,
		TenantID:        rc.TenantID,
		WorkspaceID:     rc.WorkspaceID,
		AgentID:         rc.AgentID,
		RequestDecision: string(audit.DecisionAllow),
		Triggered:       toAuditTriggered(triggered),
		RetryCount:      retriesFromAttempts(attemptsFromErr(err)),
		Reason:          err.Error(),
		LatencyMicros:   time.Since(start).Microseconds(),
	})

	return &Outcome{StatusCode: statusCode, Body: body, ContentType: "application/json", Action: ActionUpstreamErr}
}

// clientDisconnectedOutcome handles a forwarded call abandoned by the
// client before the upstream responded: the upstream request was already
// cancelled (the inbound cancellation propagated through forwardCtx), the
// response pipeline is skipped, and no response is written since there is
// no client left to read it.
func (o *ProxyOrchestrator) clientDisconnectedOutcome(ctx context.Context, rc *auth.RequestContext, requestID string, triggered []pipeline.TriggeredGuardrail, start time.Time) *Outcome {
	o.emit(ctx, audit.Record{
		Timestamp:       start.UTC(),
		RequestID:       requestID,
		TenantID:        rc.TenantID,
		WorkspaceID:     rc.WorkspaceID,
		AgentID:         rc.AgentID,
		RequestDecision: string(audit.DecisionAllow),
		Triggered:       toAuditTriggered(triggered),
		Reason:          audit.ReasonClientDisconnected,
		LatencyMicros:   time.Since(start).Microseconds(),
	})

	return &Outcome{Action: ActionClientDisconnected}
}

// isClientDisconnected reports whether a forwarded call failed because the
// inbound client hung up, as opposed to a genuine upstream failure or our
// own decision-budget timeout firing. inboundCtx is the caller's original
// context, captured before Handle wraps it with the decision budget: only
// the client disconnecting cancels it, since the budget timeout only ever
// expires the derived context.
func isClientDisconnected(inboundCtx context.Context, err error) bool {
	if inboundCtx.Err() != context.Canceled {
		return false
	}
	return errors.Is(err, context.Canceled)
}

// attemptsFromErr extracts the total round-trip count UpstreamClient
// recorded on a failed call, for threading into the audit trail.
func attemptsFromErr(err error) int {
	var timeoutErr *upstream.TimeoutError
	var unavailableErr *upstream.UnavailableError
	switch {
	case errors.As(err, &timeoutErr):
		return timeoutErr.Attempts
	case errors.As(err, &unavailableErr):
		return unavailableErr.Attempts
	}
	return 0
}

// retriesFromAttempts converts a total round-trip count into a retry count
// (the first attempt is not a retry).
func retriesFromAttempts(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

func triggeredKinds(ts []pipeline.TriggeredGuardrail) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		if t.Triggered {
			out = append(out, t.Kind)
		}
	}
	return out
}

func rawID(env *jsonrpc.Envelope) json.RawMessage {
	if env == nil {
		return nil
	}
	return env.RawID()
}

type errorData struct {
	DecisionID        string   `json:"decision_id"`
	Action            string   `json:"action"`
	Guardrails        []string `json:"guardrails_triggered,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

// buildErrorEnvelope constructs the JSON-RPC 2.0 error body for a governance decision.
func buildErrorEnvelope(id json.RawMessage, code ErrorCode, message string, data errorData) []byte {
	env := map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(nullIfEmpty(id)),
		"error": map[string]any{
			"code":    int(code),
			"message": message,
			"data":    data,
		},
	}
	out, err := json.Marshal(env)
	if err != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, code, message))
	}
	return out
}

func nullIfEmpty(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// loggerFromContext retrieves the request-enriched logger, if one was
// attached by inbound middleware.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}
