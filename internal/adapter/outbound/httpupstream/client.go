// Package httpupstream forwards governed proxy calls to upstream MCP
// servers over HTTP, with a shared pooled transport, header
// injection/stripping, and retry with full jitter.
package httpupstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelops/gatekeep/internal/domain/upstream"
)

// maxResponseBodySize bounds how much of an upstream response is read into
// memory, guarding against a malicious or misbehaving upstream.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

var defaultBlockedHeaders = []string{"cookie", "set-cookie"}

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Config controls pooling, timeouts, retries, and header policy.
type Config struct {
	Timeout               time.Duration
	MaxRetries            int
	MaxKeepaliveConns     int
	MaxConns              int
	ForwardAuthorization  bool
	BlockedHeaders        []string
	BackoffBase           time.Duration
	BackoffCap            time.Duration
}

// DefaultConfig returns the configuration's documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:              30 * time.Second,
		MaxRetries:           2,
		MaxKeepaliveConns:    20,
		MaxConns:             100,
		ForwardAuthorization: false,
		BlockedHeaders:       defaultBlockedHeaders,
		BackoffBase:          50 * time.Millisecond,
		BackoffCap:           2 * time.Second,
	}
}

// Client implements upstream.Client over HTTP with a shared connection pool.
type Client struct {
	httpClient     *http.Client
	cfg            Config
	blockedHeaders map[string]bool
}

// New builds a Client sharing one pooled *http.Client across all upstreams.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	if len(cfg.BlockedHeaders) == 0 {
		cfg.BlockedHeaders = defaultBlockedHeaders
	}

	blocked := make(map[string]bool, len(cfg.BlockedHeaders))
	for _, h := range cfg.BlockedHeaders {
		blocked[strings.ToLower(h)] = true
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        cfg.MaxConns,
				MaxIdleConnsPerHost: cfg.MaxKeepaliveConns,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		blockedHeaders: blocked,
	}
}

// Do forwards req to target, retrying per the documented policy: idempotent
// methods are always retriable, non-idempotent methods only on connect
// failure before any bytes were sent.
func (c *Client) Do(ctx context.Context, target *upstream.Upstream, req upstream.Request) (*upstream.Response, error) {
	url := strings.TrimRight(target.URL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	idempotent := idempotentMethods[strings.ToUpper(req.Method)]

	maxRetries := c.cfg.MaxRetries
	if target.MaxRetries > 0 {
		maxRetries = target.MaxRetries
	}

	var lastErr error
	attemptsMade := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.BackoffBase, c.cfg.BackoffCap, attempt); err != nil {
				return nil, err
			}
		}

		attemptsMade = attempt + 1
		resp, sentBytes, err := c.attempt(ctx, url, req)
		if err == nil {
			resp.Attempts = attemptsMade
			return resp, nil
		}
		lastErr = err

		retriable := idempotent || !sentBytes
		if !retriable {
			break
		}
		if !isRetriableError(err) {
			break
		}
	}

	setAttempts(lastErr, attemptsMade)
	return nil, lastErr
}

// setAttempts back-fills the total round-trip count onto the final error's
// Attempts field; attempt() always stamps 1, since it has no view of the
// retry loop above it.
func setAttempts(err error, attempts int) {
	var timeoutErr *upstream.TimeoutError
	var unavailableErr *upstream.UnavailableError
	switch {
	case errors.As(err, &timeoutErr):
		timeoutErr.Attempts = attempts
	case errors.As(err, &unavailableErr):
		unavailableErr.Attempts = attempts
	}
}

// attempt performs a single HTTP round trip. sentBytes reports whether the
// request body left the process, which governs retry eligibility for
// non-idempotent methods.
func (c *Client) attempt(ctx context.Context, url string, req upstream.Request) (*upstream.Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, false, fmt.Errorf("httpupstream: build request: %w", err)
	}

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("X-Gateway-Request-ID", req.RequestID)
	httpReq.Header.Set("X-Tenant-ID", req.TenantID)
	if req.WorkspaceID != "" {
		httpReq.Header.Set("X-Workspace-ID", req.WorkspaceID)
	}
	if req.AgentID != "" {
		httpReq.Header.Set("X-Agent-ID", req.AgentID)
	}
	if len(req.ForwardedFor) > 0 {
		httpReq.Header.Set("X-Forwarded-For", strings.Join(req.ForwardedFor, ", "))
	}
	if c.cfg.ForwardAuthorization && req.Authorization != "" {
		httpReq.Header.Set("Authorization", req.Authorization)
	}
	for h := range c.blockedHeaders {
		httpReq.Header.Del(h)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isConnectPhaseError(err) {
			return nil, false, &upstream.UnavailableError{Upstream: target(req), Attempts: 1, Cause: err}
		}
		if isTimeoutErr(err) {
			return nil, true, &upstream.TimeoutError{Upstream: target(req), Attempts: 1}
		}
		return nil, true, &upstream.UnavailableError{Upstream: target(req), Attempts: 1, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		return nil, true, fmt.Errorf("httpupstream: read response: %w", err)
	}
	if len(body) > maxResponseBodySize {
		return nil, true, fmt.Errorf("httpupstream: response body exceeds %d bytes", maxResponseBodySize)
	}

	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
		return nil, true, &upstream.StatusError{Upstream: target(req), StatusCode: resp.StatusCode}
	}

	return &upstream.Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, true, nil
}

func target(req upstream.Request) string {
	return req.TenantID + "/" + req.Path
}

func isTimeoutErr(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isConnectPhaseError(err error) bool {
	return strings.Contains(err.Error(), "connect:") || strings.Contains(err.Error(), "no such host") || strings.Contains(err.Error(), "connection refused")
}

func isRetriableError(err error) bool {
	var timeoutErr *upstream.TimeoutError
	var unavailableErr *upstream.UnavailableError
	var statusErr *upstream.StatusError
	if errors.As(err, &timeoutErr) || errors.As(err, &unavailableErr) {
		return true
	}
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusBadGateway ||
			statusErr.StatusCode == http.StatusServiceUnavailable ||
			statusErr.StatusCode == http.StatusGatewayTimeout
	}
	return false
}

// sleepBackoff waits exponential-backoff-with-full-jitter for the given
// attempt number, honoring context cancellation.
func sleepBackoff(ctx context.Context, base, backoffCap time.Duration, attempt int) error {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
			break
		}
	}
	if delay > backoffCap {
		delay = backoffCap
	}

	jittered := time.Duration(rand.Int63n(int64(delay) + 1))

	select {
	case <-time.After(jittered):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ upstream.Client = (*Client)(nil)
