// Package http provides the inbound HTTP transport for gatekeep's
// governance proxy.
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(orchestrator,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /governance-plane/api/v1/proxy/{path} - forward a governed call
//	GET  /health                                - liveness/readiness check
//	GET  /metrics                                - Prometheus metrics
//
// # Request headers
//
//	Authorization: Bearer <access-key>  - required; identifies tenant/workspace/agent
//	Content-Type: <client-supplied>     - JSON bodies enable content-aware guardrails
//
// # Response headers
//
//	X-Request-ID: <uuid>                         - correlates log lines for this call
//	X-Request-Decision-ID: <uuid>                 - set when the request pipeline ran
//	X-Response-Decision-ID: <uuid>                - set when the response pipeline ran
//	Retry-After: <seconds>                        - set on a 429 throttle response
//
// # Security
//
//   - TLS 1.2 minimum when WithTLS is configured.
//   - DNS rebinding protection via Origin header allowlisting.
//   - Per-request authentication and policy evaluation happens inside the
//     ProxyOrchestrator, not as HTTP middleware, so every decision (allow,
//     block, or throttle) is audited uniformly regardless of which layer
//     produced it.
//
// # Middleware chain
//
// Requests pass through, outermost first: MetricsMiddleware, RequestID,
// RealIP, DNSRebindingProtection, then the proxy handler.
package http
