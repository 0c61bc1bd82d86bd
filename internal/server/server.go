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

	"github.com/chronopay/chronopay/internal/config"
	"github.com/chronopay/chronopay/internal/fees"
	"github.com/chronopay/chronopay/internal/health"
	"github.com/chronopay/chronopay/internal/keeper"
	"github.com/chronopay/chronopay/internal/ledger"
	"github.com/chronopay/chronopay/internal/ledger/eth"
	"github.com/chronopay/chronopay/internal/logging"
	"github.com/chronopay/chronopay/internal/metrics"
	"github.com/chronopay/chronopay/internal/payment"
	"github.com/chronopay/chronopay/internal/ratelimit"
	"github.com/chronopay/chronopay/internal/realtime"
	"github.com/chronopay/chronopay/internal/security"
	"github.com/chronopay/chronopay/internal/traces"
	"github.com/chronopay/chronopay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          payment.Store
	ledger         ledger.Ledger
	service        *payment.Service
	keeper         *keeper.Keeper
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// WithLedger sets a custom ledger (for testing)
func WithLedger(led ledger.Ledger) Option {
	return func(s *Server) {
		s.ledger = led
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = payment.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.store = payment.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Initialize the settlement ledger (on-chain if a vault contract is
	// configured, otherwise in-memory)
	if s.ledger == nil {
		if cfg.OnChain() {
			led, err := eth.New(eth.Config{
				RPCURL:     cfg.RPCURL,
				PrivateKey: cfg.PrivateKey,
				ChainID:    cfg.ChainID,
				Contract:   cfg.VaultContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create on-chain ledger: %w", err)
			}
			s.ledger = led
			s.logger.Info("on-chain settlement enabled",
				"contract", cfg.VaultContract,
				"chainId", cfg.ChainID,
			)
		} else {
			s.ledger = ledger.NewMemory()
			s.logger.Info("in-memory settlement enabled (demo mode)")
		}
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Payment service and keeper share the store, ledger, and event hub
	calc := fees.NewCalculator(cfg.FeeBps)
	s.service = payment.NewService(s.store, s.ledger, calc).
		WithLogger(s.logger).
		WithInstallmentPeriod(cfg.InstallmentPeriod).
		WithEvents(s.realtimeHub)

	s.keeper = keeper.New(s.store, s.ledger).
		WithInterval(cfg.KeeperInterval).
		WithLedgerTimeout(cfg.LedgerTimeout).
		WithMaxAttempts(cfg.KeeperMaxAttempts).
		WithInstallmentPeriod(cfg.InstallmentPeriod).
		WithLogger(s.logger).
		WithEvents(s.realtimeHub)

	s.checks.Register("keeper", func(ctx context.Context) health.Status {
		if !s.keeper.Running() {
			return health.Status{Name: "keeper", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "keeper", Healthy: true}
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

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
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
			logger.Info("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time payment lifecycle events
	s.router.GET("/v1/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	paymentHandler := payment.NewHandler(s.service)
	paymentHandler.RegisterRoutes(v1)

	// Keeper routes: immediate settlement and orchestrator status
	v1.POST("/payments/:id/execute", s.executeNowHandler)
	v1.GET("/keeper/health", s.keeperHealthHandler)

	// Platform info (chain, fee rate, streaming stats)
	v1.GET("/platform", s.platformHandler)
}

// executeNowHandler handles POST /v1/payments/:id/execute.
// It asks the keeper to settle the payment immediately instead of
// waiting for the next polling cycle. The ledger still enforces the
// release time.
func (s *Server) executeNowHandler(c *gin.Context) {
	id := c.Param("id")

	p, err := s.keeper.ExecuteNow(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"payment": p,
			"status":  p.ExternalStatus(),
		})
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	case errors.Is(err, ledger.ErrTooEarly), errors.Is(err, payment.ErrTooEarly):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_due",
			"message": "Payment is not due yet",
		})
	case errors.Is(err, ledger.ErrAlreadyCancelled):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Payment was cancelled",
		})
	default:
		logging.L(c.Request.Context()).Error("immediate settlement failed",
			"paymentId", id, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "settlement_failed",
			"message": "Settlement did not complete: " + err.Error(),
		})
	}
}

// keeperHealthHandler handles GET /v1/keeper/health.
func (s *Server) keeperHealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"keeper":   s.keeper.Status(),
		"interval": s.cfg.KeeperInterval.String(),
	})
}

// platformHandler returns platform info including the fee schedule
func (s *Server) platformHandler(c *gin.Context) {
	mode := "in-memory"
	if s.cfg.OnChain() {
		mode = "on-chain"
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":          "ChronoPay",
			"version":       "0.1.0",
			"chainId":       s.cfg.ChainID,
			"tokenContract": s.cfg.TokenContract,
			"settlement":    mode,
			"feeBps":        s.cfg.FeeBps,
		},
		"streaming": s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Keeper    keeper.Snapshot `json:"keeper"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Keeper:    s.keeper.Status(),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "ChronoPay",
		"description": "Payment scheduling and release engine",
		"version":     "0.1.0",
		"currency":    "USDC",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no collector is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the settlement keeper
	go s.keeper.Start(runCtx)

	// Export database pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, keeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the keeper
	s.keeper.Stop()
	s.logger.Info("keeper stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close the on-chain RPC connection
	if closer, ok := s.ledger.(interface{ Close() }); ok {
		closer.Close()
	}

	// Flush pending trace spans
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Keeper returns the settlement keeper for testing
func (s *Server) Keeper() *keeper.Keeper {
	return s.keeper
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
