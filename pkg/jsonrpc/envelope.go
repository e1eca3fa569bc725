// Package jsonrpc provides JSON-RPC 2.0 / MCP envelope parsing for
// gatekeep's proxy surface: decoding a request enough to extract the
// method and tool name the guardrail pipeline evaluates against, while
// keeping the raw bytes for passthrough forwarding.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	sdkjsonrpc "github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// toolCallMethod is the MCP method name whose params carry the tool name
// and arguments gatekeep's guardrails evaluate.
const toolCallMethod = "tools/call"

// Envelope wraps a decoded JSON-RPC message with the fields the proxy
// needs: the raw bytes for exact passthrough, and lazily-parsed params for
// policy/guardrail evaluation.
type Envelope struct {
	Raw     []byte
	Decoded sdkjsonrpc.Message

	parsedParams map[string]any
}

// Decode parses raw JSON-RPC wire bytes into an Envelope. On decode
// failure the caller should treat the body as opaque (spec's "otherwise
// treat as opaque" rule) rather than fail the whole request.
func Decode(raw []byte) (*Envelope, error) {
	decoded, err := sdkjsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: decode: %w", err)
	}
	return &Envelope{Raw: raw, Decoded: decoded}, nil
}

// Encode serializes msg back to wire format.
func Encode(msg sdkjsonrpc.Message) ([]byte, error) {
	return sdkjsonrpc.EncodeMessage(msg)
}

// IsRequest reports whether the envelope holds a JSON-RPC request.
func (e *Envelope) IsRequest() bool {
	_, ok := e.Decoded.(*sdkjsonrpc.Request)
	return ok
}

// Method returns the method name if this is a request, else "".
func (e *Envelope) Method() string {
	req, ok := e.Decoded.(*sdkjsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsToolCall reports whether this request invokes a tool.
func (e *Envelope) IsToolCall() bool {
	return e.Method() == toolCallMethod
}

// Request returns the underlying request, or nil if this is not one.
func (e *Envelope) Request() *sdkjsonrpc.Request {
	req, _ := e.Decoded.(*sdkjsonrpc.Request)
	return req
}

// Params parses and caches the request's params object.
func (e *Envelope) Params() map[string]any {
	if e.parsedParams != nil {
		return e.parsedParams
	}
	req := e.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	e.parsedParams = params
	return params
}

// ToolName returns the "name" field of a tools/call request's params, or
// "" if this isn't a tool call or the field is absent.
func (e *Envelope) ToolName() string {
	if !e.IsToolCall() {
		return ""
	}
	params := e.Params()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}

// ToolArguments returns the "arguments" object of a tools/call request's
// params, or nil.
func (e *Envelope) ToolArguments() map[string]any {
	if !e.IsToolCall() {
		return nil
	}
	params := e.Params()
	if params == nil {
		return nil
	}
	args, _ := params["arguments"].(map[string]any)
	return args
}

// RawID extracts the request ID straight from the raw bytes, since the
// SDK's ID type does not round-trip cleanly through interface{}.
func (e *Envelope) RawID() json.RawMessage {
	if e.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}
