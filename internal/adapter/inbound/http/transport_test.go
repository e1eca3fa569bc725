package http

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sentinelops/gatekeep/internal/adapter/outbound/memory"
	"github.com/sentinelops/gatekeep/internal/domain/auth"
	"github.com/sentinelops/gatekeep/internal/domain/guardrail"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
	"github.com/sentinelops/gatekeep/internal/domain/upstream"
	"github.com/sentinelops/gatekeep/internal/service"
)

func newMinimalOrchestrator() *service.ProxyOrchestrator {
	authStore := memory.NewAuthStore()
	authenticator := auth.NewKeyAuthenticator(authStore)

	polStore := memory.NewPolicyStore()
	cache := memory.NewPolicyCache(10 * time.Second)
	resolver := policy.NewResolver(polStore, cache, discardLogger())

	registry := guardrail.NewRegistry(nil, &guardrail.RateLimitDeps{Store: memory.NewRateLimitStore()})

	upStore := memory.NewUpstreamStore()
	emitter := service.NewAuditEmitter(&discardAuditStore{}, discardLogger())

	return service.NewProxyOrchestrator(authenticator, resolver, registry, upStore, &fakeUpstreamClient{
		resp: &upstream.Response{StatusCode: 200, Body: []byte("{}"), ContentType: "application/json"},
	}, emitter, discardLogger(), policy.FailClosed, 2*time.Second)
}

func TestTransport_StartAndShutdown(t *testing.T) {
	logger := slog.Default()
	transport := NewHTTPTransport(newMinimalOrchestrator(),
		WithAddr("127.0.0.1:0"),
		WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5 seconds after cancel")
	}
}

func TestWithAddr_Option(t *testing.T) {
	transport := &HTTPTransport{}
	WithAddr("127.0.0.1:9999")(transport)
	if transport.addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q, want 127.0.0.1:9999", transport.addr)
	}
}

func TestWithAllowedOrigins_Option(t *testing.T) {
	transport := &HTTPTransport{}
	WithAllowedOrigins([]string{"https://example.com"})(transport)
	if len(transport.allowedOrigins) != 1 || transport.allowedOrigins[0] != "https://example.com" {
		t.Errorf("allowedOrigins = %v", transport.allowedOrigins)
	}
}

func TestNewHTTPTransport_Defaults(t *testing.T) {
	transport := NewHTTPTransport(newMinimalOrchestrator())
	if transport.addr != "127.0.0.1:8080" {
		t.Errorf("default addr = %q, want 127.0.0.1:8080", transport.addr)
	}
	if transport.logger == nil {
		t.Error("default logger should not be nil")
	}
}
