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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/auth"
	"github.com/mbd888/lockdrop/internal/circuitbreaker"
	"github.com/mbd888/lockdrop/internal/config"
	"github.com/mbd888/lockdrop/internal/health"
	"github.com/mbd888/lockdrop/internal/lockdrop"
	"github.com/mbd888/lockdrop/internal/logging"
	"github.com/mbd888/lockdrop/internal/metrics"
	"github.com/mbd888/lockdrop/internal/publisher"
	"github.com/mbd888/lockdrop/internal/ratelimit"
	"github.com/mbd888/lockdrop/internal/realtime"
	"github.com/mbd888/lockdrop/internal/reconciliation"
	"github.com/mbd888/lockdrop/internal/security"
	"github.com/mbd888/lockdrop/internal/settlement"
	"github.com/mbd888/lockdrop/internal/traces"
	"github.com/mbd888/lockdrop/internal/units"
	"github.com/mbd888/lockdrop/internal/validation"
	"github.com/mbd888/lockdrop/internal/webhooks"
)

// Version is reported by /health and the info endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	lockService   *lockdrop.Service
	lockStore     lockdrop.EventStore
	lockTimer     *lockdrop.Timer
	settle        lockdrop.Settlement
	bank          *settlement.MemoryBank   // dev mode only
	custody       *settlement.ChainCustody // chain mode only
	reconciler    *reconciliation.Service  // nil when settlement is injected
	reconcileTmr  *reconciliation.Timer
	authMgr       *auth.Manager
	realtimeHub   *realtime.Hub
	kafka         *publisher.Kafka
	kafkaDone     chan struct{} // closed when the publisher has drained
	hookStore     webhooks.Store
	hooks         *webhooks.Dispatcher
	hooksDone     chan struct{}
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay time.Duration

	// Health state
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSettlement replaces the settlement backend chosen from config (for testing)
func WithSettlement(settle lockdrop.Settlement) Option {
	return func(s *Server) {
		s.settle = settle
	}
}

// WithEventStore replaces the event store chosen from config (for testing)
func WithEventStore(store lockdrop.EventStore) Option {
	return func(s *Server) {
		s.lockStore = store
	}
}

// WithShutdownDelay sets how long Shutdown waits for load balancers to drain.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	authStore := auth.Store(auth.NewMemoryStore())
	s.hookStore = webhooks.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		if s.lockStore == nil {
			s.lockStore = lockdrop.NewPostgresStore(db)
		}
		authStore = auth.NewPostgresStore(db)
		s.hookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, lock events are kept in memory")
	}
	if s.lockStore == nil {
		s.lockStore = lockdrop.NewMemoryStore()
	}
	s.authMgr = auth.NewManager(authStore, s.logger)

	if s.settle == nil {
		if err := s.setupSettlement(); err != nil {
			return nil, err
		}
	}

	// Lock service
	s.lockService = lockdrop.NewService(cfg.LockPolicy(), s.lockStore, s.settle, s.logger)
	if err := s.lockService.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore ledger: %w", err)
	}
	if s.bank != nil {
		// Free balances are not persisted; custody must still cover restored locks.
		if sum, err := s.lockService.Summary(ctx); err == nil {
			s.bank.SeedCustody(sum.TotalLocked)
		}
	}
	s.lockTimer = lockdrop.NewTimer(s.lockService, cfg.MaturityInterval, cfg.AutoRelease, s.logger)

	if custodian := s.custodian(); custodian != nil {
		s.reconciler = reconciliation.NewService(s.lockService, custodian)
		s.reconcileTmr = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	// Event sinks
	s.realtimeHub = realtime.NewHub(s.logger)
	s.lockService.WithSink(s.realtimeHub)
	var hookOpts []webhooks.Option
	if cfg.IsDevelopment() {
		hookOpts = append(hookOpts, webhooks.AllowPrivateTargets())
	}
	s.hooks = webhooks.NewDispatcher(s.hookStore, s.logger, hookOpts...)
	s.lockService.WithSink(s.hooks)
	if len(cfg.KafkaBrokers) > 0 {
		w := publisher.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		s.kafka = publisher.NewKafka(w, cfg.KafkaTopic, 0, s.logger)
		s.lockService.WithSink(s.kafka)
		s.logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	s.setupHealth()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	policy := s.lockService.Policy()
	s.logger.Info("lock service ready",
		"topUpPolicy", policy.TopUp,
		"defaultPeriod", policy.DefaultPeriod.String(),
		"settlement", cfg.Settlement,
		"autoRelease", cfg.AutoRelease,
	)
	return s, nil
}

func (s *Server) setupSettlement() error {
	switch s.cfg.Settlement {
	case config.SettlementChain:
		custody, err := settlement.NewChainCustody(settlement.ChainConfig{
			RPCURL:     s.cfg.RPCURL,
			PrivateKey: s.cfg.CustodyPrivateKey,
			ChainID:    s.cfg.ChainID,
		}, settlement.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to create chain custody: %w", err)
		}
		s.custody = custody
		s.settle = settlement.NewGuarded(custody, circuitbreaker.New(5, 30*time.Second), s.logger)
		s.logger.Info("chain settlement enabled",
			"custody", custody.Address().Hex(),
			"chainId", s.cfg.ChainID,
		)
	default:
		s.bank = settlement.NewMemoryBank()
		s.settle = s.bank
		s.logger.Warn("using in-memory settlement; balances are simulated")
	}
	return nil
}

func (s *Server) custodian() reconciliation.Custodian {
	switch {
	case s.custody != nil:
		return s.custody
	case s.bank != nil:
		return s.bank
	}
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(Version)
	if p, ok := s.lockStore.(interface{ Ping(context.Context) error }); ok {
		s.health.Register("event_store", health.Ping("event_store", p.Ping))
	}
	if p, ok := s.settlementPinger(); ok {
		s.health.Register("settlement", health.Ping("settlement", p))
	}
	s.health.Register("ledger", health.Ping("ledger", s.lockService.Audit))
	s.health.Register("maturity_timer", health.Flag("maturity_timer", s.lockTimer.Running, "maturity timer is not running"))
	if s.reconciler != nil {
		s.health.Register("custody", health.Flag("custody", s.reconciler.Healthy, "custody does not cover locked funds"))
	}
}

func (s *Server) settlementPinger() (func(context.Context) error, bool) {
	switch {
	case s.custody != nil:
		return s.custody.Ping, true
	case s.bank != nil:
		return s.bank.Ping, true
	}
	if p, ok := s.settle.(interface{ Ping(context.Context) error }); ok {
		return p.Ping, true
	}
	return nil, false
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Resolve the caller before rate limiting so limits apply per account.
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/6)
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Ready)
	s.router.GET("/health/live", s.health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Live event stream
	v1.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// PUBLIC ROUTES (no auth required)
	lockHandler := lockdrop.NewHandler(s.lockService)
	lockHandler.RegisterRoutes(v1)

	authHandler := auth.NewHandler(s.authMgr, s.cfg.AdminSecret)
	authHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (the API key names the caller)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	lockHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.hookStore, s.hooks).RegisterProtectedRoutes(protected)

	if s.bank != nil && !s.cfg.IsProduction() {
		v1.POST("/dev/faucet", s.faucetHandler)
	}
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	policy := s.lockService.Policy()
	c.JSON(http.StatusOK, gin.H{
		"name":          "lockdrop",
		"description":   "Time-locked custody ledger",
		"version":       Version,
		"settlement":    s.cfg.Settlement,
		"unit":          units.Symbol,
		"decimals":      units.Decimals,
		"topUpPolicy":   policy.TopUp,
		"defaultPeriod": policy.DefaultPeriod.String(),
	})
}

// FaucetRequest credits free balance in the in-memory bank.
type FaucetRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (s *Server) faucetHandler(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account and amount are required",
		})
		return
	}
	owner, err := account.Parse(req.Account)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account", "message": err.Error()})
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil || amount.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}
	if err := s.bank.Fund(owner, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_overflow", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":   account.Hex(owner),
		"balance": units.Format(s.bank.BalanceOf(owner)),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.lockTimer.Start(runCtx)
	s.hooksDone = make(chan struct{})
	go func() {
		defer close(s.hooksDone)
		s.hooks.Run(runCtx)
	}()
	if s.reconcileTmr != nil {
		go s.reconcileTmr.Start(runCtx)
	}
	if s.kafka != nil {
		s.kafkaDone = make(chan struct{})
		go func() {
			defer close(s.kafkaDone)
			s.kafka.Run(runCtx)
		}()
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop background goroutines after in-flight requests finish.
	s.lockTimer.Stop()
	if s.reconcileTmr != nil {
		s.reconcileTmr.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.hooksDone != nil {
		<-s.hooksDone
	}
	s.hooks.Close()

	if s.kafka != nil {
		if s.kafkaDone != nil {
			<-s.kafkaDone
		}
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.custody != nil {
		s.custody.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// LockService returns the hosted lock service.
func (s *Server) LockService() *lockdrop.Service {
	return s.lockService
}
