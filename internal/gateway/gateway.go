// ABOUTME: Gateway orchestrator wiring stores, sessions, approvals, and the WS server
// ABOUTME: Manages listeners (TCP or tsnet), document watching, and graceful shutdown

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
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/sigil-gateway/internal/approval"
	"github.com/2389/sigil-gateway/internal/auditlog"
	"github.com/2389/sigil-gateway/internal/auth"
	"github.com/2389/sigil-gateway/internal/authflow"
	"github.com/2389/sigil-gateway/internal/config"
	"github.com/2389/sigil-gateway/internal/configstore"
	"github.com/2389/sigil-gateway/internal/credentials"
	"github.com/2389/sigil-gateway/internal/credstore"
	"github.com/2389/sigil-gateway/internal/replay"
	"github.com/2389/sigil-gateway/internal/session"
)

// Gateway owns every long-lived component and serves the framed protocol
// over a websocket endpoint.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	creds     *credstore.Store
	runtime   *configstore.Store
	approvals *approval.Manager
	resolver  *credentials.Resolver
	sessions  *session.Registry
	catalog   *authflow.Catalog
	audit     *auditlog.Ledger
	replay    *replay.Guard
	verifier  *auth.JWTVerifier // nil when auth is disabled

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	connsMu sync.Mutex
	conns   map[string]*conn

	methods map[string]handler

	stopTick chan struct{}
	tickOnce sync.Once
}

// New builds a gateway from config. Nothing is listening until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := os.MkdirAll(cfg.State.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	creds, err := credstore.New(cfg.State.CredentialsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	runtime, err := configstore.New(cfg.State.ConfigPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening config store: %w", err)
	}
	approvals, err := approval.New(cfg.State.ApprovalsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening approval ledger: %w", err)
	}
	audit, err := auditlog.Open(cfg.State.AuditDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit ledger: %w", err)
	}
	catalog, err := authflow.LoadCatalog()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		creds:     creds,
		runtime:   runtime,
		approvals: approvals,
		resolver:  credentials.New(creds, runtime, logger),
		sessions:  session.NewRegistry(logger),
		catalog:   catalog,
		audit:     audit,
		replay:    replay.New(5*time.Minute, 10_000),
		conns:     make(map[string]*conn),
		stopTick:  make(chan struct{}),
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		g.logger.Info("device token auth enabled")
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}

	// Approval mutations fan out as event frames. The callback runs under
	// the manager's lock, so it must not call back into the manager.
	approvals.OnEvent = func(event string, record approval.Record) {
		g.Broadcast("workflow.approval."+event, record, true)
	}

	g.methods = g.buildMethods()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ws", g.handleWS)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts the listener and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if err := g.approvals.StartSweeper(g.config.Approvals.SweepSchedule); err != nil {
		return fmt.Errorf("starting approval sweeper: %w", err)
	}
	if err := g.creds.StartSweeper(g.config.Approvals.SweepSchedule); err != nil {
		return fmt.Errorf("starting usage sweeper: %w", err)
	}

	watcher, err := g.startWatcher()
	if err != nil {
		g.logger.Warn("document watcher unavailable", "error", err)
	}

	go g.runTicker()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	if watcher != nil {
		_ = watcher.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener returns a TCP or tsnet listener per config.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if !g.config.Tailscale.Enabled {
		ln, err := net.Listen("tcp", g.config.Server.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", g.config.Server.ListenAddr, err)
		}
		return ln, nil
	}
	return g.setupTailscaleListener(ctx)
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
		}
		stateDir = filepath.Join(home, ".local", "share", "sigil-gateway", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
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
	if len(status.TailscaleIPs) > 0 {
		g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// Shutdown announces the stop to connected clients, then tears components
// down in dependency order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.Broadcast("gateway.shutdown", nil, false)
	g.tickOnce.Do(func() { close(g.stopTick) })

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	g.sessions.Close()
	g.approvals.Close()
	g.creds.Close()
	g.replay.Close()
	if err := g.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// runTicker emits a best-effort heartbeat so idle clients can detect both
// liveness and missed events via the sequence numbers.
func (g *Gateway) runTicker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			g.Broadcast("tick", map[string]int64{"timeMs": now.UnixMilli()}, true)
		case <-g.stopTick:
			return
		}
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
