// ABOUTME: Gateway orchestrator that wires the store, registry, jobs and both servers
// ABOUTME: Run serves HTTP and gRPC health until its context ends; Shutdown drains in dependency order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/agent"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/auth"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/config"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/dedupe"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/enroll"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

// EnvDBPath overrides database.path when set.
const EnvDBPath = "REMOTEIQ_DB_PATH"

// ServiceName is the gRPC health service name reported for the gateway.
const ServiceName = "remoteiq.gateway"

// idempotencyMaxKeys bounds the number of remembered Idempotency-Key values.
const idempotencyMaxKeys = 100_000

// shutdownTimeout bounds the graceful stop after Run's context ends.
const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the remoteiq-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	agentManager *agent.Manager
	authn        *auth.AgentAuthenticator
	verifier     *auth.JWTVerifier
	enroll       *enroll.Service
	jobs         *jobs.Service
	dispatcher   *jobs.Dispatcher
	events       *jobs.EventBroadcaster
	sweeper      *jobs.Sweeper

	// sockets counts running agent websocket handlers; none start once closing is set
	socketsMu sync.Mutex
	closing   bool
	sockets   sync.WaitGroup

	// idempotency remembers Idempotency-Key headers on job creation
	idempotency *dedupe.Cache

	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// initStore opens the configured SQLite database. REMOTEIQ_DB_PATH wins over the config file.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that carries the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newWithStore wires every component around an already-open store.
func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	agentMgr := agent.NewManager(logger.With("component", "agent-manager"))
	authn := auth.NewAgentAuthenticator(s, cfg.Auth.TokenCacheTTL, logger)
	events := jobs.NewEventBroadcaster(logger)
	idem := dedupe.New(cfg.Jobs.IdempotencyTTL, idempotencyMaxKeys)

	jobService := jobs.NewService(s, jobs.Options{
		DefaultTimeout: cfg.Jobs.DefaultTimeout,
		Idempotency:    idem,
		Events:         events,
		Logger:         logger,
	})
	dispatcher := jobs.NewDispatcher(s, agentMgr, jobService, logger)
	jobService.SetDispatcher(dispatcher)

	sweeper, err := jobs.NewSweeper(jobs.SweeperConfig{
		Jobs:               s,
		Online:             agentMgr,
		Dispatcher:         dispatcher,
		StuckAfter:         cfg.Jobs.StuckAfter,
		StuckCheckSchedule: cfg.Jobs.StuckCheckSchedule,
		RedispatchSchedule: cfg.Jobs.RedispatchSchedule,
		Logger:             logger,
	})
	if err != nil {
		idem.Close()
		return nil, fmt.Errorf("creating sweeper: %w", err)
	}

	grpcServer, healthServer := createGRPCServer()

	gw := &Gateway{
		config:       cfg,
		store:        s,
		agentManager: agentMgr,
		authn:        authn,
		verifier:     verifier,
		enroll:       enroll.NewService(s, cfg.Auth.EnrollmentSecret, authn, logger),
		jobs:         jobService,
		dispatcher:   dispatcher,
		events:       events,
		sweeper:      sweeper,
		idempotency:  idem,
		grpcServer:   grpcServer,
		healthServer: healthServer,
		logger:       logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return gw, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run opens the listeners, starts the servers and the maintenance sweeper,
// then blocks until ctx is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.openListeners(ctx)
	if err != nil {
		return err
	}

	g.sweeper.Start()

	failed := make(chan error, 2)
	serve := func(name string, fn func() error) {
		go func() {
			err := fn()
			if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
				return
			}
			failed <- fmt.Errorf("%s server: %w", name, err)
		}()
	}

	g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
	serve("HTTP", func() error { return g.httpServer.Serve(ls.http) })
	if ls.grpc != nil {
		g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
		serve("gRPC", func() error { return g.grpcServer.Serve(ls.grpc) })
	}

	var runErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, shutting down")
	case runErr = <-failed:
		g.logger.Error("server failed", "error", runErr)
	}

	// ctx is already done here, so shutdown gets its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, g.Shutdown(shutdownCtx))
}

// beginSocket admits a new agent socket handler unless shutdown has begun.
// A true result must be paired with g.sockets.Done.
func (g *Gateway) beginSocket() bool {
	g.socketsMu.Lock()
	defer g.socketsMu.Unlock()
	if g.closing {
		return false
	}
	g.sockets.Add(1)
	return true
}

// waitCtx waits for wg unless ctx ends first. It reports whether wg finished.
func waitCtx(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// stopGRPC waits for in-flight health RPCs unless ctx expires first.
func (g *Gateway) stopGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown stops accepting work, closes agent sockets, drains in-flight
// dispatches and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.healthServer.Shutdown()

	// Open event streams would hold http.Server.Shutdown until ctx expires.
	g.events.Close()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// The listener is closed now. CloseAll also refuses a registration from
	// an upgrade that was already in flight, so no socket outlives the store.
	g.socketsMu.Lock()
	g.closing = true
	g.socketsMu.Unlock()
	g.agentManager.CloseAll(agent.ReasonShutdown)
	if !waitCtx(ctx, &g.sockets) {
		g.logger.Warn("agent socket handlers still running at shutdown deadline")
	}

	g.sweeper.Stop(ctx)
	g.dispatcher.Close()
	g.stopGRPC(ctx)

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	g.idempotency.Close()

	return errors.Join(errs...)
}
