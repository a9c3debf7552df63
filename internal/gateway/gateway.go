// ABOUTME: Gateway orchestrator that wires the coordination services behind HTTP
// ABOUTME: Manages the store, listeners (TCP or tsnet), gRPC health, the sweeper and shutdown

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

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/rig-gateway/internal/accounts"
	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/commands"
	"github.com/2389/rig-gateway/internal/config"
	"github.com/2389/rig-gateway/internal/liveness"
	"github.com/2389/rig-gateway/internal/queue"
	"github.com/2389/rig-gateway/internal/registry"
	"github.com/2389/rig-gateway/internal/session"
	"github.com/2389/rig-gateway/internal/store"
)

// Gateway orchestrates the rig-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	now    func() time.Time
	logger *slog.Logger

	verifier  *auth.JWTVerifier
	liveness  *liveness.Tracker
	registry  *registry.Registry
	accounts  *accounts.Service
	queue     *queue.Manager
	channel   *commands.Channel
	signaling *commands.Signaling
	sessions  *session.Controller

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	closeOnce sync.Once
}

// initStore opens the SQLite store named by config or RIG_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RIG_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(cfg, s, time.Now, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires every service over s using the given clock.
func newGateway(cfg *config.Config, s store.Store, now func() time.Time, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	tracker := liveness.New(s, liveness.Options{
		LiveWindow:     cfg.Liveness.LiveWindow,
		PresenceWindow: cfg.Liveness.PresenceWindow,
		Now:            now,
		Logger:         logger,
	})
	channel := commands.New(s, commands.Options{
		MaxPendingPerDevice: cfg.Commands.MaxPendingPerDevice,
		PendingTTL:          cfg.Commands.PendingTTL,
		Retention:           cfg.Commands.Retention,
		Now:                 now,
		Logger:              logger,
	})
	q := queue.New(s, tracker, queue.Options{
		SessionCost: cfg.Queue.SessionCost,
		HeadTimeout: cfg.Queue.HeadTimeout,
		Now:         now,
		Logger:      logger,
	})

	gw := &Gateway{
		config:   cfg,
		store:    s,
		now:      now,
		logger:   logger.With("component", "gateway"),
		verifier: verifier,
		liveness: tracker,
		registry: registry.New(s, tracker, registry.Options{Now: now, Logger: logger}),
		accounts: accounts.New(s, accounts.Options{
			StartingCredits: cfg.Queue.StartingCredits,
			Now:             now,
			Logger:          logger,
		}),
		queue:   q,
		channel: channel,
		signaling: commands.NewSignaling(channel, s, commands.SignalingOptions{
			STUNURLs:      cfg.Signaling.STUNURLs,
			AnswerTimeout: cfg.Signaling.AnswerTimeout,
			Now:           now,
		}),
		sessions: session.New(s, tracker, q, channel, session.Options{
			DurationSeconds:  cfg.Session.DurationSeconds,
			MovementSpeedKMH: cfg.Session.MovementSpeedKMH,
			MovementTimeout:  cfg.Session.MovementTimeout,
			LapGrace:         cfg.Session.LapGrace,
			Now:              now,
			Logger:           logger,
		}),
		healthServer: health.NewServer(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		registerHealth(gw.grpcServer, gw.healthServer)
	}

	return gw, nil
}

// listeners holds the sockets the gateway serves on. grpc is nil when the
// health server is disabled.
type listeners struct {
	http net.Listener
	grpc net.Listener
}

func (l listeners) close() {
	if l.http != nil {
		_ = l.http.Close()
	}
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
}

// setupTCPListeners creates standard TCP listeners for HTTP and gRPC health.
func (g *Gateway) setupTCPListeners() (listeners, error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	var ls listeners
	var err error
	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return ls, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "rig-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet so rigs behind NAT can reach the
// coordinator, serving HTTP on :80 and gRPC health on :50051.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
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
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ls listeners
	ls.http, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	ls.grpc, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		ls.close()
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return ls, nil
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

// startServers starts the HTTP and gRPC servers in goroutines, returning error channel.
func (g *Gateway) startServers(ls listeners) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// Run starts the servers and the sweeper and blocks until the context is
// canceled. Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		g.runSweeper(sweepCtx)
	}()

	errCh := g.startServers(ls)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopSweeper()
	<-sweeperDone

	// The caller's context is already done; shutdown gets a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
	})
	return errors.Join(errs...)
}
