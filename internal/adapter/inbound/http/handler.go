// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sentinelops/gatekeep/internal/service"
)

// ProxyRoutePattern is the single inbound route: {path} is forwarded
// verbatim onto the authenticated workspace's upstream base URL.
const ProxyRoutePattern = "/governance-plane/api/v1/proxy/"

// maxRequestBodySize is the largest inbound request body accepted before
// the request is rejected outright.
const maxRequestBodySize = 1 << 20 // 1 MB

// proxyHandler adapts HTTP requests to the ProxyOrchestrator and writes its
// Outcome back onto the wire.
func proxyHandler(orch *service.ProxyOrchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, ProxyRoutePattern)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
		if err != nil {
			writeJSONRPCError(w, http.StatusBadRequest, -32700, "failed to read request body")
			return
		}
		if len(body) > maxRequestBodySize {
			writeJSONRPCError(w, http.StatusRequestEntityTooLarge, -32700, "request body too large")
			return
		}

		accessKey := bearerToken(r.Header.Get("Authorization"))

		in := service.Inbound{
			Method:        r.Method,
			Path:          path,
			Body:          body,
			ContentType:   r.Header.Get("Content-Type"),
			AccessKey:     accessKey,
			Authorization: r.Header.Get("Authorization"),
			ForwardedFor:  append(forwardedForChain(r), extractRealIP(r)),
		}

		out, err := orch.Handle(r.Context(), in)
		if err != nil {
			writeJSONRPCError(w, http.StatusBadGateway, -32003, "internal proxy error")
			return
		}

		writeOutcome(w, out)
	})
}

// writeOutcome writes a ProxyOrchestrator Outcome as the HTTP response,
// including the decision-correlation headers a governed call requires.
func writeOutcome(w http.ResponseWriter, out *service.Outcome) {
	if out.Action == service.ActionClientDisconnected {
		// The client is already gone; nothing to write back.
		return
	}

	h := w.Header()
	if out.RequestDecisionID != "" {
		h.Set("X-Request-Decision-ID", out.RequestDecisionID)
	}
	if out.ResponseDecisionID != "" {
		h.Set("X-Response-Decision-ID", out.ResponseDecisionID)
	}
	if out.RetryAfterSeconds > 0 {
		h.Set("Retry-After", strconv.Itoa(out.RetryAfterSeconds))
	}
	if out.ContentType != "" {
		h.Set("Content-Type", out.ContentType)
	} else if len(out.Body) > 0 {
		h.Set("Content-Type", "application/json")
	}

	status := out.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if len(out.Body) > 0 {
		_, _ = w.Write(out.Body)
	}
}

// bearerToken extracts the raw key from an "Authorization: Bearer <key>"
// header value. Returns "" for any other scheme or an absent header.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// forwardedForChain returns the existing X-Forwarded-For chain, if any, so
// it can be extended rather than overwritten when proxying onward.
func forwardedForChain(r *http.Request) []string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return nil
	}
	parts := strings.Split(xff, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// jsonRPCError is the minimal JSON-RPC 2.0 error envelope used for
// transport-level failures that never reach ProxyOrchestrator (malformed
// body, oversized payload) and for an error returned by
// ProxyOrchestrator.Handle itself.
type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      any                `json:"id"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonRPCError{
		JSONRPC: "2.0",
		ID:      nil,
		Error:   jsonRPCErrorDetail{Code: code, Message: message},
	})
}

// healthHandler returns a minimal liveness handler used when no
// HealthChecker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
