// ABOUTME: Gateway assembly and lifecycle: wires catalog, ACL, limiter,
// ABOUTME: dispatcher, orchestrator, and journal behind one HTTP server

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/procure-gateway/internal/acl"
	"github.com/2389/procure-gateway/internal/auth"
	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/config"
	"github.com/2389/procure-gateway/internal/dispatch"
	"github.com/2389/procure-gateway/internal/journal"
	"github.com/2389/procure-gateway/internal/metrics"
	"github.com/2389/procure-gateway/internal/orchestrator"
	"github.com/2389/procure-gateway/internal/ratelimit"
	"github.com/2389/procure-gateway/internal/registry"
	"github.com/2389/procure-gateway/internal/store"
	"github.com/2389/procure-gateway/internal/tools"
)

// startupLoadTimeout bounds the catalog and ACL loads during New. A slow
// database must not hang startup; the built-in defaults stay active instead.
const startupLoadTimeout = 15 * time.Second

// Gateway owns every long-lived component of the procure-gateway server.
// store and journal may be nil (degraded mode, journaling disabled);
// orchCfg.Planner is nil when no planner model is configured.
type Gateway struct {
	config     *config.Config
	store      *store.Store
	catalog    *catalog.Catalog
	acl        *acl.List
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	container  *registry.Container
	dispatcher *dispatch.Dispatcher
	journal    *journal.Journal
	metrics    *metrics.Metrics
	verifier   auth.TokenVerifier
	logger     *slog.Logger

	// orchCfg is the orchestrator template; handleAchieveGoal copies it and
	// sets Caller per request.
	orchCfg orchestrator.Config

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// initStore opens the procedural database when configured. An empty URL is
// a supported degraded mode: the catalog and ACL run from defaults or seeds
// and procedure calls answer SERVICE_UNAVAILABLE.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url not set - running without procedural database")
		return nil, nil
	}
	s, err := store.Open(store.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
		CallTimeout:     cfg.Database.CallTimeout,
		CloseTimeout:    cfg.Database.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// applySeeds merges the optional TOML seed file over the built-in defaults.
// Called before any database load so stored rows still win.
func applySeeds(cfg *config.Config, cat *catalog.Catalog, grants *acl.List, logger *slog.Logger) error {
	if cfg.Seed.Path == "" {
		return nil
	}
	methods, err := catalog.LoadSeed(cfg.Seed.Path)
	if err != nil {
		return fmt.Errorf("loading catalog seed: %w", err)
	}
	seedGrants, err := acl.LoadSeed(cfg.Seed.Path)
	if err != nil {
		return fmt.Errorf("loading acl seed: %w", err)
	}
	cat.Replace(catalog.Merge(catalog.Defaults(), methods))
	grants.Replace(acl.Merge(acl.Defaults(), seedGrants))
	logger.Info("seed file applied", "path", cfg.Seed.Path, "methods", len(methods), "callers", len(seedGrants))
	return nil
}

// refreshFromStore reloads the catalog and ACL from database rows. A failed
// load keeps the entries already in place; both loads are attempted so one
// bad table does not block the other.
func refreshFromStore(ctx context.Context, s *store.Store, cat *catalog.Catalog, grants *acl.List) error {
	var errs []error
	if err := cat.Load(ctx, s); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	}
	if err := grants.Load(ctx, s); err != nil {
		errs = append(errs, fmt.Errorf("acl: %w", err))
	}
	return errors.Join(errs...)
}

// buildPlanner constructs the LLM planner client when a model is configured.
// Returns nil otherwise; the goal endpoints answer 503 in that case.
func buildPlanner(cfg *config.Config, logger *slog.Logger) *orchestrator.LLMClient {
	if cfg.Planner.Model == "" {
		logger.Warn("planner.model not set - goal endpoints disabled")
		return nil
	}
	return orchestrator.NewLLMClient(orchestrator.LLMConfig{
		BaseURL:           cfg.Planner.BaseURL,
		APIKey:            cfg.Planner.APIKey,
		Model:             cfg.Planner.Model,
		RequestsPerSecond: cfg.Planner.RequestsPerSecond,
		Timeout:           cfg.Planner.Timeout,
		Logger:            logger,
	})
}

// New assembles a Gateway from cfg. The returned gateway is fully wired but
// not listening; call Run to serve.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cat := catalog.New(logger)
	grants := acl.New(logger)
	if err := applySeeds(cfg, cat, grants, logger); err != nil {
		return nil, err
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), startupLoadTimeout)
		defer cancel()
		if err := s.EnsureSchema(ctx); err != nil {
			logger.Warn("schema check failed, continuing with current config", "error", err)
		}
		if err := refreshFromStore(ctx, s, cat, grants); err != nil {
			logger.Warn("startup config load failed, defaults stay active", "error", err)
		}
	}

	limiter := ratelimit.New(cfg.Limits.Window, cfg.Limits.Default, cfg.Limits.PerCaller)
	m := metrics.New()

	reg := registry.NewRegistry(logger)
	if err := tools.RegisterBuiltins(reg, logger); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	container := registry.NewContainer()
	planner := buildPlanner(cfg, logger)
	if planner != nil {
		container.Provide("llm_gateway", planner)
	}

	// dispatch.ProcedureCaller must stay a nil interface when there is no
	// store; a typed nil would pass the dispatcher's nil check.
	var procedures dispatch.ProcedureCaller
	if s != nil {
		procedures = s
	}
	dispatcher := dispatch.New(dispatch.Config{
		Catalog:         cat,
		ACL:             grants,
		Limiter:         limiter,
		Procedures:      procedures,
		EndpointTimeout: cfg.Endpoints.CallTimeout,
		Logger:          logger,
		Metrics:         m,
	})

	var jn *journal.Journal
	if cfg.Journal.Path != "" {
		jn, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening goal journal: %w", err)
		}
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		catalog:    cat,
		acl:        grants,
		limiter:    limiter,
		registry:   reg,
		container:  container,
		dispatcher: dispatcher,
		journal:    jn,
		metrics:    m,
		logger:     logger.With("component", "gateway"),
	}

	gw.orchCfg = orchestrator.Config{
		ACL:            grants,
		Catalog:        cat,
		Registry:       reg,
		Container:      container,
		Dispatcher:     dispatcher,
		MaxIterations:  cfg.Orchestrator.MaxIterations,
		PlannerTimeout: cfg.Planner.Timeout,
		Logger:         logger,
	}
	if planner != nil {
		gw.orchCfg.Planner = planner
		gw.orchCfg.Verifier = planner
	}
	if jn != nil {
		gw.orchCfg.Recorder = jn
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	mux := http.NewServeMux()
	gw.routes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes registers every endpoint on mux. Admin endpoints go through the
// JWT middleware when a secret is configured and are left open otherwise.
func (g *Gateway) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /rpc", g.handleRPC)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /metrics", g.handleMetrics)
	mux.HandleFunc("GET /discover/{agent}", g.handleDiscover)
	mux.HandleFunc("POST /achieve-goal", g.handleAchieveGoal)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	if g.verifier != nil {
		adminOnly := auth.RequireAdmin(g.verifier)
		mux.Handle("POST /reload-config", adminOnly(http.HandlerFunc(g.handleReload)))
		mux.Handle("GET /debug/config", adminOnly(http.HandlerFunc(g.handleDebugConfig)))
		mux.Handle("GET /goals", adminOnly(http.HandlerFunc(g.handleGoals)))
		mux.Handle("GET /goals/{id}", adminOnly(http.HandlerFunc(g.handleGoal)))
		g.logger.Info("admin auth middleware enabled")
	} else {
		mux.HandleFunc("POST /reload-config", g.handleReload)
		mux.HandleFunc("GET /debug/config", g.handleDebugConfig)
		mux.HandleFunc("GET /goals", g.handleGoals)
		mux.HandleFunc("GET /goals/{id}", g.handleGoal)
		g.logger.Warn("admin auth disabled - no jwt_secret configured")
	}
}

// setupTCPListener creates a standard TCP listener for the HTTP server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, reporting failures on the channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using the default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "procure-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	if g.journal != nil {
		errs = appendCloseError(errs, "journal close", g.journal.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
