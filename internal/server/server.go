// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idempotency"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reconciliation"
	"github.com/mbd888/escrowd/internal/refund"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/migrations"
)

// Version is reported by /health and tagged on traces.
const Version = "0.1.0"

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	dbStatsInterval  = 15 * time.Second
	shutdownDrain    = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	nowFn  func() time.Time
	drain  time.Duration

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil if idempotency keys are in-memory

	ledger         *ledger.Ledger
	wallet         *ledger.Guarded
	escrowService  *escrow.Service
	refundWorkflow *refund.Workflow
	gate           *auth.Gate
	idempotency    idempotency.Store

	dispatcher  *events.Dispatcher
	kafkaSink   *events.KafkaSink
	realtimeHub *realtime.Hub

	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	shutdownTracing func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the time source of the escrow and refund services
// (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.nowFn = now
	}
}

// WithShutdownDrain sets how long Shutdown waits for load balancers before
// closing the listener.
func WithShutdownDrain(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		nowFn:  time.Now,
		drain:  shutdownDrain,
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore ledger.Store
		escrowStore escrow.Store
		refundStore refund.Store
		adminStore  auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.health.Register(health.Ping("postgres", 2*time.Second, db.PingContext))

		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		refundStore = refund.NewPostgresStore(db)
		adminStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		refundStore = refund.NewMemoryStore()
		adminStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Idempotency keys (Redis if REDIS_URL set)
	if cfg.RedisURL != "" {
		client, err := idempotency.Connect(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		store := idempotency.NewRedisStore(client)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.idempotency = store
		s.health.Register(health.Ping("redis", 2*time.Second, store.Ping))
		s.logger.Info("idempotency keys stored in redis")
	} else {
		s.idempotency = idempotency.NewMemoryStore()
	}

	// Events: log + websocket, plus kafka when brokers are configured
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []events.Sink{events.NewLogSink(s.logger), s.realtimeHub}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to configure kafka: %w", err)
		}
		s.kafkaSink = ks
		sinks = append(sinks, ks)
		s.logger.Info("kafka event sink enabled", "brokers", len(cfg.KafkaBrokers), "prefix", cfg.KafkaTopicPrefix)
	}
	s.dispatcher = events.NewDispatcher(cfg.EventBuffer, s.logger, sinks...)
	go s.dispatcher.Run()

	// Wallet: the internal ledger behind a circuit breaker
	s.ledger = ledger.New(ledgerStore, ledger.WithLogger(s.logger))
	s.wallet = ledger.NewGuarded(s.ledger, circuitbreaker.New(breakerThreshold, breakerOpenFor))

	// Admin allow-list
	s.gate = auth.NewGate(adminStore).WithLogger(s.logger)
	if err := s.gate.Seed(ctx, cfg.AdminIdentities); err != nil {
		return nil, fmt.Errorf("failed to seed admin identities: %w", err)
	}
	if len(cfg.AdminIdentities) == 0 {
		s.logger.Warn("no ADMIN_IDENTITIES configured; admin routes reject everyone until one is granted")
	}

	s.escrowService = escrow.NewService(escrowStore, s.wallet).
		WithLogger(s.logger).
		WithEmitter(s.dispatcher).
		WithClock(s.nowFn)

	s.refundWorkflow = refund.NewWorkflow(refundStore, s.wallet, s.gate).
		WithEscrows(s.escrowService).
		WithDefaultAsset(cfg.DefaultAssetTag).
		WithLogger(s.logger).
		WithEmitter(s.dispatcher).
		WithClock(s.nowFn)

	// Background loops (started in Run)
	if cfg.EscrowTimeout > 0 {
		s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.EscrowTimeout, cfg.SweepInterval, s.logger)
	} else {
		s.logger.Info("escrow timeout sweep disabled")
	}
	s.reconciler = reconciliation.NewRunner(s.logger,
		reconciliation.Check{Name: "escrow", Run: func(ctx context.Context) (reconciliation.Result, error) {
			r, err := s.escrowService.RecoverInFlight(ctx)
			return reconciliation.Result(r), err
		}},
		reconciliation.Check{Name: "refund", Run: func(ctx context.Context) (reconciliation.Result, error) {
			r, err := s.refundWorkflow.RecoverInFlight(ctx)
			return reconciliation.Result(r), err
		}},
	)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return db, nil
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", s.realtimeHub.HandleWebSocket)

	threshold := s.cfg.EscrowTimeout
	if threshold == 0 {
		threshold = config.DefaultEscrowTimeout
	}
	escrowHandler := escrow.NewHandler(s.escrowService, threshold)
	refundHandler := refund.NewHandler(s.refundWorkflow)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	authHandler := auth.NewHandler(s.gate)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(idempotency.Middleware(s.idempotency, s.cfg.IdempotencyTTL, s.logger))

	escrowHandler.RegisterRoutes(v1)
	refundHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	// Admin routes: allow-listed identity (and shared secret when configured)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.gate, s.cfg.AdminSecret))

	escrowHandler.RegisterAdminRoutes(admin)
	refundHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	admin.GET("/reconciliation", s.reconciliationReportHandler)
	admin.POST("/reconciliation/run", s.reconciliationRunHandler)
	admin.GET("/stream/stats", s.streamStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: s.nowFn().UTC().Format(time.RFC3339),
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
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconciliationReportHandler handles GET /v1/admin/reconciliation
func (s *Server) reconciliationReportHandler(c *gin.Context) {
	report := s.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation run has completed yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// reconciliationRunHandler handles POST /v1/admin/reconciliation/run
func (s *Server) reconciliationRunHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	resp := gin.H{"report": report, "healthy": report.Healthy()}
	if err != nil {
		logging.L(c.Request.Context()).Warn("manual reconciliation had failures", "error", err)
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// streamStatsHandler handles GET /v1/admin/stream/stats
func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stream": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, the sweep and reconciliation loops. The
// startup reconciliation pass runs before the server reports ready.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}

	if s.escrowTimer != nil {
		go s.escrowTimer.Start(ctx)
		s.health.Register(health.Running("escrow_timeout_sweep", s.escrowTimer.Running))
	}

	go func() {
		if _, err := s.reconciler.RunAll(ctx); err != nil {
			s.logger.Warn("startup reconciliation had failures", "error", err)
		}
		s.health.Register(health.Running("reconciliation", s.reconcileTimer.Running))
		go s.reconcileTimer.Start(ctx)

		s.ready.Store(true)
		s.logger.Info("server ready")
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Flush queued events before closing the sinks behind them
	if err := s.dispatcher.Close(ctx); err != nil {
		s.logger.Warn("event dispatcher did not drain", "error", err)
	}
	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
