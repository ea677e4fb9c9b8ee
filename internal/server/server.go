// Package server wires configuration, storage, chain access and the HTTP API.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/custody/internal/auth"
	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/circuitbreaker"
	"github.com/mbd888/custody/internal/config"
	"github.com/mbd888/custody/internal/escrow"
	"github.com/mbd888/custody/internal/health"
	"github.com/mbd888/custody/internal/keystore"
	"github.com/mbd888/custody/internal/logging"
	"github.com/mbd888/custody/internal/metrics"
	"github.com/mbd888/custody/internal/ratelimit"
	"github.com/mbd888/custody/internal/reconciliation"
	"github.com/mbd888/custody/internal/retry"
	"github.com/mbd888/custody/internal/security"
	"github.com/mbd888/custody/internal/split"
	"github.com/mbd888/custody/internal/traces"
	"github.com/mbd888/custody/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil when using in-memory stores
	logger *slog.Logger

	gateway  chain.Gateway
	closeRPC func()
	chains   *chain.Registry
	keys     *keystore.AgeKeystore

	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	splitService   *split.Service
	splitTimer     *split.Timer
	retryProcessor *retry.Processor
	retryTimer     *retry.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer

	rateLimiter  *ratelimit.Limiter
	adminLimiter *ratelimit.Limiter
	health       *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the RPC-backed gateway (for testing).
func WithGateway(gw chain.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New builds a server from cfg. Storage is Postgres when DATABASE_URL is
// set and in-memory otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		traceShutdown: func(context.Context) error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}

	keys, err := keystore.New(cfg.CustodyAgeIdentity, cfg.CustodyAgeRecipients)
	if err != nil {
		return nil, fmt.Errorf("custody keystore: %w", err)
	}
	s.keys = keys

	if s.gateway == nil {
		eth, err := chain.NewEthGateway(chain.EthConfig{
			Name:    cfg.ChainName,
			RPCURL:  cfg.RPCURL,
			ChainID: cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("chain gateway: %w", err)
		}
		s.gateway = eth
		s.closeRPC = eth.Close
	}
	breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("chain circuit breaker transition", "chain", key, "from", from.String(), "to", to.String())
	})
	guarded := chain.NewBreakerGateway(s.gateway, breaker)
	s.chains = chain.NewRegistry(guarded)

	var (
		escrowStore escrow.Store
		splitStore  split.Store
		retryStore  retry.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		splitStore = split.NewPostgresStore(db)
		retryStore = retry.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		splitStore = split.NewMemoryStore()
		retryStore = retry.NewMemoryStore()
		s.logger.Warn("using in-memory storage; custody keys are lost on restart")
	}

	s.retryProcessor = retry.NewProcessor(retryStore, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		BatchSize:   cfg.RetryBatchSize,
		Lease:       cfg.RetryLease,
	}, s.logger)

	s.escrowService = escrow.NewService(escrowStore, s.chains, keys, s.logger).
		WithConfig(escrow.Config{
			Decimals:       cfg.ChainDecimals,
			Currency:       cfg.ChainSymbol,
			Arbiters:       cfg.ArbiterAddrs,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}).
		WithRetries(s.retryProcessor)
	s.splitService = split.NewService(splitStore, s.chains, keys, s.logger).
		WithConfig(split.Config{
			Decimals:       cfg.ChainDecimals,
			Currency:       cfg.ChainSymbol,
			ConfirmTimeout: cfg.ConfirmTimeout,
		}).
		WithRetries(s.retryProcessor)

	s.retryProcessor.
		Register(retry.SubjectEscrow, s.escrowService).
		Register(retry.SubjectSplit, s.splitService)

	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, cfg.FundingPollInterval, s.logger)
	s.splitTimer = split.NewTimer(s.splitService, splitStore, cfg.FundingPollInterval, s.logger)
	s.retryTimer = retry.NewTimer(s.retryProcessor, cfg.RetrySweepInterval, cfg.RetryRetentionDays, s.logger)
	s.reconciler = reconciliation.NewRunner(s.chains, s.logger, s.escrowService, s.splitService)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("chain", health.Ping("chain", guarded))
	s.health.Register("escrow_timer", health.Worker("escrow_timer", s.escrowTimer))
	s.health.Register("split_timer", health.Worker("split_timer", s.splitTimer))
	s.health.Register("retry_timer", health.Worker("retry_timer", s.retryTimer))
	s.health.Register("reconcile_timer", health.Worker("reconcile_timer", s.reconcileTimer))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	// url.UserPassword would percent-encode the mask.
	u.User = url.User(u.User.Username())
	return strings.Replace(u.String(), "@", ":***@", 1)
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", health.Handler(s.health, Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/auth/info", auth.Info)
	v1.GET("/chains", s.chainsHandler)

	escrowHandler := escrow.NewHandler(s.escrowService)
	splitHandler := split.NewHandler(s.splitService)
	escrowHandler.RegisterRoutes(v1)
	splitHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireActor(auth.NewVerifier(auth.DefaultMaxSkew)))
	escrowHandler.RegisterProtectedRoutes(protected)
	splitHandler.RegisterProtectedRoutes(protected)

	// The admin limiter runs before the secret check so guessing is throttled too.
	s.adminLimiter = ratelimit.New(ratelimit.AdminConfig(s.cfg.AdminRateLimit, s.cfg.AdminRateWindow))
	admin := v1.Group("")
	admin.Use(s.adminLimiter.Middleware(), auth.RequireAdmin(s.cfg.AdminSecret))
	retry.NewHandler(s.retryProcessor).RegisterRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(admin)
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

func (s *Server) chainsHandler(c *gin.Context) {
	circuits := make(map[string]string)
	for _, name := range s.chains.Names() {
		if gw, err := s.chains.Get(name); err == nil {
			if b, ok := gw.(*chain.BreakerGateway); ok {
				circuits[name] = b.State().String()
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"chains":   s.chains.Names(),
		"circuits": circuits,
		"default":  s.chains.Default(),
		"chainId":  s.cfg.ChainID,
		"currency": s.cfg.ChainSymbol,
		"decimals": s.cfg.ChainDecimals,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal arrives, ctx is cancelled, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, traces.Config{
		Endpoint:       s.cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    s.cfg.OTLPSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without traces", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Settlement requests wait for on-chain confirmation.
		WriteTimeout: s.cfg.ConfirmTimeout*4 + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "chain", s.cfg.ChainName)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.escrowTimer.Start(runCtx)
	go s.splitTimer.Start(runCtx)
	go s.retryTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
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
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Workers stop before the database
// closes so no sweep is cut off mid-write.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.splitTimer.Stop()
	s.retryTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
	s.adminLimiter.Stop()

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}
	if s.closeRPC != nil {
		s.closeRPC()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Retries exposes the retry processor to operator tooling.
func (s *Server) Retries() *retry.Processor {
	return s.retryProcessor
}
