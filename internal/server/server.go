// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clinscale/clinscale/internal/billing"
	"github.com/clinscale/clinscale/internal/config"
	"github.com/clinscale/clinscale/internal/entitlement"
	"github.com/clinscale/clinscale/internal/health"
	"github.com/clinscale/clinscale/internal/logging"
	"github.com/clinscale/clinscale/internal/metrics"
	"github.com/clinscale/clinscale/internal/plan"
	"github.com/clinscale/clinscale/internal/quota"
	"github.com/clinscale/clinscale/internal/ratelimit"
	"github.com/clinscale/clinscale/internal/realtime"
	"github.com/clinscale/clinscale/internal/security"
	"github.com/clinscale/clinscale/internal/team"
	"github.com/clinscale/clinscale/internal/traces"
	"github.com/clinscale/clinscale/internal/validation"
	"github.com/clinscale/clinscale/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	teams        team.Store
	billingStore billing.Store
	quotaStore   quota.Store
	tracker      *quota.Tracker
	resolver     *entitlement.Resolver
	registry     *plan.Registry
	prices       *plan.PriceTable
	provider     billing.ProviderClient
	checkout     *billing.Service
	processor    *billing.Processor
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthChecks *health.Registry
	webhookStore webhooks.Store
	notifier     *webhooks.Emitter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithProvider sets a custom billing provider client (for testing)
func WithProvider(p billing.ProviderClient) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, "json"),
		registry: plan.NewRegistry(),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	prices, err := plan.NewPriceTable(map[plan.PriceRef]string{
		{Plan: plan.Starter, Interval: plan.IntervalMonth}:    cfg.PriceStarterMonthly,
		{Plan: plan.Starter, Interval: plan.IntervalYear}:     cfg.PriceStarterYearly,
		{Plan: plan.Enterprise, Interval: plan.IntervalMonth}: cfg.PriceEnterpriseMonthly,
		{Plan: plan.Enterprise, Interval: plan.IntervalYear}:  cfg.PriceEnterpriseYearly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build price table: %w", err)
	}
	s.prices = prices

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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		teamStore := team.NewPostgresStore(db)
		billingStore := billing.NewPostgresStore(db)
		quotaStore := quota.NewPostgresStore(db)
		webhookStore := webhooks.NewPostgresStore(db)

		// In development the stores create their own schema; production
		// deploys run cmd/migrate before the server starts.
		if cfg.IsDevelopment() {
			if err := teamStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate team store", "error", err)
			}
			if err := billingStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate billing store", "error", err)
			}
			if err := quotaStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate quota store", "error", err)
			}
			if err := webhookStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate webhook store", "error", err)
			}
		}

		s.teams = teamStore
		s.billingStore = billingStore
		s.quotaStore = quotaStore
		s.webhookStore = webhookStore
	} else {
		s.teams = team.NewMemoryStore()
		s.billingStore = billing.NewMemoryStore()
		s.quotaStore = quota.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create billing provider client if not injected. The real Stripe
	// client sits behind retries and a circuit breaker.
	if s.provider == nil {
		s.provider = billing.NewResilientProvider(billing.NewStripeClient(cfg.StripeSecretKey))
	}

	s.tracker = quota.NewTracker(s.quotaStore)
	s.resolver = entitlement.NewResolver(s.billingStore, s.registry, s.tracker)

	s.checkout = billing.NewService(
		s.billingStore, s.teams, s.provider, s.registry, s.prices,
		cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL,
	)
	s.processor = billing.NewProcessor(s.billingStore, s.provider, s.prices, cfg.StripeWebhookSecret)

	// Subsystem health checks surfaced on /health
	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		})
	}
	if rp, ok := s.provider.(*billing.ResilientProvider); ok {
		s.healthChecks.Register("payment_provider", func(ctx context.Context) health.Status {
			if !rp.Healthy() {
				return health.Status{Name: "payment_provider", Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Name: "payment_provider", Healthy: true}
		})
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Outbound webhook notifications for registered endpoints
	s.notifier = webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore), s.logger)

	// Push billing state changes to connected clients and webhook
	// subscribers as they land
	s.processor.OnTransition(func(tr billing.Transition) {
		s.realtimeHub.BroadcastBillingChange(tr.TeamID, map[string]interface{}{
			"plan":      string(tr.Plan),
			"status":    string(tr.Status),
			"eventType": tr.EventType,
		})

		s.notifier.EmitPlanChanged(tr.TeamID, string(tr.Plan), string(tr.Status), tr.EventType)
		switch {
		case tr.Status == billing.StatusPastDue:
			s.notifier.EmitPaymentFailed(tr.TeamID, string(tr.Plan))
		case tr.Status == billing.StatusCanceled || tr.EventType == "customer.subscription.deleted":
			s.notifier.EmitSubscriptionCanceled(tr.TeamID, string(tr.Plan))
		}
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
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

// internalAuthMiddleware guards platform-internal routes with the shared
// token. In development with no token configured, internal routes are open.
func (s *Server) internalAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.InternalAPIToken
		if token == "" {
			if s.cfg.IsProduction() {
				// Config validation rejects this at startup; refuse anyway.
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "internal_api_disabled",
					"message": "Internal API token is not configured",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Internal-Token header required",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.TeamIDParamMiddleware())

	// INTERNAL ROUTES (platform services only)
	// Team management, checkout initiation and usage recording change money
	// or counters, so they require the shared internal token.
	internal := v1.Group("")
	internal.Use(s.internalAuthMiddleware())

	teamHandler := team.NewHandler(s.teams)
	teamHandler.RegisterRoutes(internal)

	billingHandler := billing.NewHandler(s.checkout, s.processor, s.billingStore)
	billingHandler.RegisterRoutes(internal, v1)

	entitlementHandler := entitlement.NewHandler(s.resolver, s.registry)
	entitlementHandler.OnQuotaExhausted(func(teamID string, feature plan.FeatureKey) {
		s.notifier.EmitQuotaExhausted(teamID, string(feature))
	})
	entitlementHandler.RegisterRoutes(internal, v1)

	webhookHandler := webhooks.NewHandler(s.webhookStore)
	webhookHandler.RegisterRoutes(internal)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Clinscale",
		"description": "Subscription billing and entitlements for clinical assessment scales",
		"version":     "0.1.0",
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

	// Distributed tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample connection pool stats for Prometheus
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

	shutdownErr := s.Shutdown()

	tracesCtx, tracesCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracesCancel()
	if err := shutdownTraces(tracesCtx); err != nil {
		s.logger.Error("traces shutdown error", "error", err)
	}

	return shutdownErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
