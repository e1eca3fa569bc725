package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	inbound "github.com/sentinelops/gatekeep/internal/adapter/inbound/http"
	filestore "github.com/sentinelops/gatekeep/internal/adapter/outbound/audit"
	"github.com/sentinelops/gatekeep/internal/adapter/outbound/httpupstream"
	"github.com/sentinelops/gatekeep/internal/adapter/outbound/memory"
	"github.com/sentinelops/gatekeep/internal/adapter/outbound/seedstore"
	embeddedsql "github.com/sentinelops/gatekeep/internal/adapter/outbound/sqlite"
	"github.com/sentinelops/gatekeep/internal/config"
	"github.com/sentinelops/gatekeep/internal/domain/audit"
	domainauth "github.com/sentinelops/gatekeep/internal/domain/auth"
	"github.com/sentinelops/gatekeep/internal/domain/guardrail"
	"github.com/sentinelops/gatekeep/internal/domain/policy"
	"github.com/sentinelops/gatekeep/internal/domain/upstream"
	"github.com/sentinelops/gatekeep/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance gateway",
	Long: `Start the gatekeep governance gateway.

Every proxied call is authenticated, policy-resolved, evaluated through
the guardrail pipeline, forwarded to the owning workspace's upstream, and
audited.

Examples:
  gatekeep serve
  gatekeep --config /path/to/gatekeep.yaml serve --dev`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, permissive seed defaults)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to wire gateway: %w", err)
	}
	defer deps.Close()

	orchestrator := service.NewProxyOrchestrator(
		deps.authenticator, deps.resolver, deps.registry, deps.upstreams, deps.client,
		deps.emitter, logger, deps.failMode, cfg.UpstreamTimeoutDuration(), deps.usage,
	)

	deps.emitter.Start(ctx)
	defer deps.emitter.Stop()
	deps.usage.Start(ctx)
	defer deps.usage.Stop()

	reloadSeedsOnSIGHUP(ctx, cfg, deps, logger)

	healthChecker := inbound.NewHealthChecker(deps.emitter, Version)

	transport := inbound.NewHTTPTransport(orchestrator,
		inbound.WithAddr(cfg.Server.HTTPAddr),
		inbound.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		inbound.WithLogger(logger),
		inbound.WithHealthChecker(healthChecker),
	)
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		inbound.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)(transport)
	}

	logger.Info("starting gatekeep", "addr", cfg.Server.HTTPAddr)
	if err := transport.Start(ctx); err != nil {
		shutdownTracing(context.Background())
		return fmt.Errorf("server error: %w", err)
	}

	shutdownTracing(context.Background())
	logger.Info("gatekeep stopped")
	return nil
}

// gatewayDependencies holds every wired port implementation, so buildDependencies
// can branch between the in-memory and embedded-sqlite adapter sets while
// runServe stays agnostic to which one is live.
type gatewayDependencies struct {
	authenticator *domainauth.KeyAuthenticator
	resolver      *policy.Resolver
	registry      *guardrail.Registry
	upstreams     upstream.Store
	client        upstream.Client
	emitter       *service.AuditEmitter
	usage         *service.UsageRecorder
	failMode      policy.FailMode

	authStore   domainauth.AuthStore
	policyStore policy.Store
	putPolicy   func(ctx context.Context, p *policy.Policy) error
	sqliteDB    *embeddedsql.Store
}

func (d *gatewayDependencies) Close() {
	if d.sqliteDB != nil {
		_ = d.sqliteDB.Close()
	}
}

// buildDependencies wires the domain ports to either the embedded sqlite
// store (when cfg.Database.DSN is set) or the in-memory dev adapters, then
// seeds both from cfg.Seed and, if configured, cfg.Seed.File.
func buildDependencies(cfg *config.GatewayConfig, logger *slog.Logger) (*gatewayDependencies, error) {
	deps := &gatewayDependencies{}

	if cfg.Database.DSN != "" {
		db, err := embeddedsql.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open embedded database: %w", err)
		}
		deps.sqliteDB = db
		deps.authStore = db
		deps.policyStore = db
		deps.upstreams = db
		deps.putPolicy = db.PutPolicy
		logger.Info("using embedded sqlite store", "dsn", cfg.Database.DSN)
	} else {
		authStore := memory.NewAuthStore()
		policyStore := memory.NewPolicyStore()
		upstreamStore := memory.NewUpstreamStore()
		deps.authStore = authStore
		deps.policyStore = policyStore
		deps.upstreams = upstreamStore
		deps.putPolicy = func(ctx context.Context, p *policy.Policy) error {
			policyStore.Put(p)
			return nil
		}
	}

	seed := cfg.Seed
	if cfg.Seed.File != "" {
		fileSeed, err := seedstore.New(cfg.Seed.File).Load()
		if err != nil {
			return nil, fmt.Errorf("load seed file %s: %w", cfg.Seed.File, err)
		}
		seed = mergeSeed(cfg.Seed, *fileSeed)
	}
	if err := applySeed(context.Background(), deps, seed, cfg.Upstream); err != nil {
		return nil, err
	}

	deps.authenticator = domainauth.NewKeyAuthenticator(deps.authStore)

	policyCache := memory.NewPolicyCache(30 * time.Second)
	deps.resolver = policy.NewResolver(deps.policyStore, policyCache, logger)

	rateLimitStore := memory.NewRateLimitStoreWithInterval(parseDurationOr(cfg.RateLimit.CleanupInterval, 5*time.Minute))
	deps.registry = guardrail.NewRegistry(nil, &guardrail.RateLimitDeps{Store: rateLimitStore})

	upstreamClientCfg := httpupstream.DefaultConfig()
	upstreamClientCfg.Timeout = time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	upstreamClientCfg.MaxRetries = cfg.Upstream.MaxRetries
	deps.client = httpupstream.New(upstreamClientCfg)

	auditStore, err := buildAuditStore(cfg.Audit, deps.sqliteDB)
	if err != nil {
		return nil, err
	}
	deps.emitter = service.NewAuditEmitter(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(parseDurationOr(cfg.Audit.FlushInterval, time.Second)),
	)

	deps.usage = service.NewUsageRecorder(deps.authStore, logger)

	deps.failMode = policy.FailClosed
	if cfg.Server.FailureMode == "open" {
		deps.failMode = policy.FailOpen
	}

	return deps, nil
}

// mergeSeed overrides base's rows with any present in overlay, per entity
// kind: an overlay with any tenants replaces the base tenant list wholesale,
// and likewise per kind. This keeps reload semantics simple: the seed file
// is the full authority over whichever entity lists it declares.
func mergeSeed(base, overlay config.SeedConfig) config.SeedConfig {
	merged := base
	merged.File = base.File
	if len(overlay.Tenants) > 0 {
		merged.Tenants = overlay.Tenants
	}
	if len(overlay.Workspaces) > 0 {
		merged.Workspaces = overlay.Workspaces
	}
	if len(overlay.Upstreams) > 0 {
		merged.Upstreams = overlay.Upstreams
	}
	if len(overlay.AccessKeys) > 0 {
		merged.AccessKeys = overlay.AccessKeys
	}
	if len(overlay.Policies) > 0 {
		merged.Policies = overlay.Policies
	}
	return merged
}

// applySeed upserts every seeded row into the live stores. Tenants and
// workspaces have no dedicated store of their own (they only constrain
// access-key/policy scope at config-validation time), so only upstreams,
// access keys, and policies are materialized.
func applySeed(ctx context.Context, deps *gatewayDependencies, seed config.SeedConfig, upstreamDefaults config.UpstreamDefaultsConfig) error {
	if err := seedAccessKeys(ctx, deps.authStore, seed.AccessKeys); err != nil {
		return err
	}
	if err := seedUpstreams(ctx, deps.upstreams, seed.Upstreams, upstreamDefaults); err != nil {
		return err
	}
	for _, p := range seed.Policies {
		pol := &policy.Policy{
			ID:            p.ID,
			TenantID:      p.TenantID,
			WorkspaceID:   p.WorkspaceID,
			AgentID:       p.AgentID,
			GuardrailType: policy.GuardrailType(p.GuardrailType),
			Action:        policy.Action(p.Action),
			Config:        p.Config,
			Priority:      p.Priority,
			Enabled:       p.Enabled,
		}
		if err := deps.putPolicy(ctx, pol); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// reloadSeedsOnSIGHUP re-reads cfg.Seed.File on SIGHUP and re-applies it to
// the live stores. A no-op when no seed file is configured, since there is
// nothing to watch.
func reloadSeedsOnSIGHUP(ctx context.Context, cfg *config.GatewayConfig, deps *gatewayDependencies, logger *slog.Logger) {
	if cfg.Seed.File == "" {
		return
	}
	store := seedstore.New(cfg.Seed.File)
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sighup)
				return
			case <-sighup:
				err := store.Reload(func(seed *config.SeedConfig) error {
					merged := mergeSeed(cfg.Seed, *seed)
					return applySeed(ctx, deps, merged, cfg.Upstream)
				})
				if err != nil {
					logger.Error("seed file reload failed", "error", err, "file", cfg.Seed.File)
					continue
				}
				logger.Info("seed file reloaded", "file", cfg.Seed.File)
			}
		}
	}()
}

// setupTracing installs a TracerProvider on the global otel registry per
// cfg, returning a shutdown func that is safe to call even when tracing is
// disabled. Every ProxyOrchestrator stage span goes through this provider.
func setupTracing(cfg config.TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Exporter == "none" || cfg.Exporter == "" {
		return noop, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return noop, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gatekeep"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return noop, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// seedAccessKeys hashes each seeded raw key with a fresh random salt and
// stores it. The raw key never touches the store or logs past this point.
func seedAccessKeys(ctx context.Context, store domainauth.AuthStore, seeds []config.AccessKeySeed) error {
	for _, s := range seeds {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("seed access key %s: generate salt: %w", s.ID, err)
		}
		key := &domainauth.AgentAccessKey{
			ID:          s.ID,
			Prefix:      s.RawKey[:min(12, len(s.RawKey))],
			Hash:        domainauth.HashKey(s.RawKey, salt),
			TenantID:    s.TenantID,
			WorkspaceID: s.WorkspaceID,
			AgentID:     s.AgentID,
			Deactivated: s.Deactivated,
		}
		if s.ExpiresIn != "" {
			d, err := time.ParseDuration(s.ExpiresIn)
			if err != nil {
				return fmt.Errorf("seed access key %s: invalid expires_in: %w", s.ID, err)
			}
			expiry := time.Now().UTC().Add(d)
			key.ExpiresAt = &expiry
		}
		if err := store.Put(ctx, key); err != nil {
			return fmt.Errorf("seed access key %s: %w", s.ID, err)
		}
	}
	return nil
}

func seedUpstreams(ctx context.Context, store upstream.Store, seeds []config.UpstreamSeed, defaults config.UpstreamDefaultsConfig) error {
	for _, s := range seeds {
		timeout := s.TimeoutSeconds
		if timeout == 0 {
			timeout = defaults.TimeoutSeconds
		}
		retries := s.MaxRetries
		if retries == 0 {
			retries = defaults.MaxRetries
		}
		u := &upstream.Upstream{
			ID:             s.ID,
			Name:           s.Name,
			URL:            s.URL,
			Enabled:        s.Enabled,
			TimeoutSeconds: timeout,
			MaxRetries:     retries,
		}
		if err := store.Add(ctx, u); err != nil {
			return fmt.Errorf("seed upstream %s: %w", s.ID, err)
		}
	}
	return nil
}

// buildAuditStore returns the store the AuditEmitter drains into: the
// embedded sqlite database when cfg.Output is "sqlite" (and one is open),
// a bounded in-memory ring buffer writing each record as JSON to stdout
// when cfg.Output is "stdout" (records lost on restart), otherwise the
// flat-file store rooted at a file:// path.
func buildAuditStore(cfg config.AuditConfig, db *embeddedsql.Store) (audit.Store, error) {
	switch cfg.Output {
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("audit.output is \"sqlite\" but database.dsn is not configured")
		}
		return embeddedsql.NewAuditStore(db), nil
	case "stdout":
		return memory.NewAuditStore(cfg.RingBufferSize), nil
	}
	return filestore.NewFileAuditStore(filestore.AuditFileConfig{
		Dir:           auditDir(cfg),
		CacheSize:     cfg.RingBufferSize,
		RetentionDays: 7,
		MaxFileSizeMB: 100,
	}, nil)
}

func auditDir(cfg config.AuditConfig) string {
	const filePrefix = "file://"
	if len(cfg.Output) > len(filePrefix) && cfg.Output[:len(filePrefix)] == filePrefix {
		return cfg.Output[len(filePrefix):]
	}
	return os.TempDir() + "/gatekeep-audit"
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
