// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/taskescrow/internal/chain"
	"github.com/mbd888/taskescrow/internal/config"
	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/events"
	"github.com/mbd888/taskescrow/internal/health"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/metrics"
	"github.com/mbd888/taskescrow/internal/payments"
	"github.com/mbd888/taskescrow/internal/ratelimit"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	db         *sql.DB // nil if using in-memory
	chain      *chain.Client
	ledger     escrow.Ledger // nil in offline mode
	store      payments.Store
	audit      events.AuditLog
	service    *payments.Service
	runner     *payments.Runner
	reconciler *payments.Reconciler
	hub        *events.Hub
	bus        *events.Bus
	amqp       *events.AMQPSink
	health     *health.Registry
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	cancelRunCtx context.CancelFunc
	drainDelay   time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLedger sets the escrow ledger instead of dialing RPC_URL (for testing).
func WithLedger(l escrow.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger != nil && cfg.Offline {
		return nil, errors.New("a ledger was supplied but X402_OFFLINE is set")
	}

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	if err := s.setupLedger(); err != nil {
		s.closeResources()
		return nil, err
	}
	if err := s.setupEvents(); err != nil {
		s.closeResources()
		return nil, err
	}

	manager := escrow.NewManager(s.ledger, escrow.Defaults{
		Treasury:          cfg.MarketplaceTreasury,
		Verifiers:         cfg.DefaultVerifiers,
		ApprovalsRequired: cfg.DefaultApprovals,
		MarketplaceFeeBps: cfg.MarketplaceFeeBps,
		VerifierFeeBps:    cfg.VerifierFeeBps,
	}, escrow.WithVerifierKey(cfg.VerifierKey))

	s.service = payments.NewService(s.store, manager, s.bus,
		payments.WithVerifierAgent(cfg.VerifierAgentID),
		payments.WithDefaultPayer(cfg.PayerAccountID),
	)
	s.runner = payments.NewRunner(cfg.AsyncWorkers, cfg.TxWaitTimeout+time.Minute, s.logger)
	if !manager.Offline() {
		s.reconciler = payments.NewReconciler(s.service, s.store, cfg.ReconcileInterval, s.logger)
	}
	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	s.logger.Info("server configured", "mode", manager.Mode(), "persistent", s.db != nil)
	return s, nil
}

func (s *Server) setupStorage() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, payments are kept in memory")
		s.store = payments.NewMemoryStore()
		s.audit = events.NewMemoryAuditLog()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = payments.NewPostgresStore(db)
	s.audit = events.NewPostgresAuditLog(db)
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupLedger() error {
	if s.cfg.Offline {
		s.logger.Warn("X402_OFFLINE set, settlements are simulated")
		return nil
	}
	if s.ledger != nil {
		return nil
	}

	client, err := chain.New(chain.Config{
		RPCURL:           s.cfg.RPCURL,
		ChainID:          s.cfg.ChainID,
		ContractAddress:  s.cfg.EscrowAddress,
		OperatorKey:      s.cfg.OperatorKey,
		TxTimeout:        s.cfg.TxWaitTimeout,
		GasBufferPercent: s.cfg.GasBufferPercent,
	}, chain.WithKeyDeriver(chain.KeccakDeriver{Domain: s.cfg.KeyDerivationDomain}))
	if err != nil {
		return fmt.Errorf("failed to create escrow client: %w", err)
	}
	s.chain = client
	s.ledger = client
	s.logger.Info("escrow client ready",
		"contract", client.Contract().Hex(),
		"operator", client.OperatorAddress().Hex(),
	)
	return nil
}

func (s *Server) setupEvents() error {
	s.hub = events.NewHub(s.logger)
	sinks := []events.Sink{
		events.LogSink{Logger: s.logger},
		events.AuditSink{Log: s.audit},
		s.hub,
	}
	if len(s.cfg.WebhookURLs) > 0 {
		sinks = append(sinks, events.NewWebhookSink(s.cfg.WebhookURLs, s.cfg.WebhookSecret))
		s.logger.Info("webhook delivery enabled", "endpoints", len(s.cfg.WebhookURLs))
	}
	if s.cfg.AMQPURL != "" {
		sink, err := events.DialAMQP(s.cfg.AMQPURL, s.cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
		s.amqp = sink
		sinks = append(sinks, sink)
		s.logger.Info("AMQP delivery enabled", "exchange", s.cfg.AMQPExchange)
	}
	s.bus = events.NewBus(s.logger, s.cfg.EventBuffer, sinks...)
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	} else {
		s.health.Register("database", health.Static("database", "in-memory"))
	}
	if s.chain != nil {
		s.health.Register("ledger", health.Ping("ledger", s.chain.Ping))
	} else if s.cfg.Offline {
		s.health.Register("ledger", health.Static("ledger", "offline"))
	}
	if s.reconciler != nil {
		s.health.Register("reconciler", health.Running("reconciler", s.reconciler.Running, "reconciler loop not running"))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	handler := payments.NewHandler(s.service, s.runner, s.audit)
	v1 := s.router.Group("/v1")
	v1.Use(metrics.Middleware())
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	protected.Use(requireAPIKey(s.cfg.APIKey), limiter.Middleware())
	handler.RegisterProtectedRoutes(protected)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Mode      string          `json:"mode"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Mode:      s.service.Manager().Mode(),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Synchronous settlements wait for ledger inclusion.
		WriteTimeout: s.cfg.TxWaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.reconciler != nil {
		go s.reconciler.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight settlements finish
// before the event bus and the ledger connection close.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if err := s.runner.Wait(ctx); err != nil {
		s.logger.Warn("async settlements still running at shutdown", "error", err)
	}
	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if err := s.bus.Close(ctx); err != nil {
		s.logger.Warn("event bus did not drain", "error", err)
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeResources() {
	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			s.logger.Error("AMQP close error", "error", err)
		}
	}
	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("escrow client close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service exposes the payment service.
func (s *Server) Service() *payments.Service {
	return s.service
}
