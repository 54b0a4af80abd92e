// Package server wires the ledger services into the HTTP API
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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"

	"github.com/renecastillotv/clic-ledger/internal/auth"
	"github.com/renecastillotv/clic-ledger/internal/billing"
	"github.com/renecastillotv/clic-ledger/internal/circuitbreaker"
	"github.com/renecastillotv/clic-ledger/internal/commission"
	"github.com/renecastillotv/clic-ledger/internal/config"
	"github.com/renecastillotv/clic-ledger/internal/events"
	"github.com/renecastillotv/clic-ledger/internal/health"
	"github.com/renecastillotv/clic-ledger/internal/idempotency"
	"github.com/renecastillotv/clic-ledger/internal/idgen"
	"github.com/renecastillotv/clic-ledger/internal/logging"
	"github.com/renecastillotv/clic-ledger/internal/metrics"
	"github.com/renecastillotv/clic-ledger/internal/plans"
	"github.com/renecastillotv/clic-ledger/internal/ratelimit"
	"github.com/renecastillotv/clic-ledger/internal/reconciliation"
	"github.com/renecastillotv/clic-ledger/internal/security"
	"github.com/renecastillotv/clic-ledger/internal/traces"
	"github.com/renecastillotv/clic-ledger/internal/usage"
	"github.com/renecastillotv/clic-ledger/internal/validation"
)

const (
	idempotencyTTL     = 24 * time.Hour
	idempotencyLockTTL = 30 * time.Second
	planCacheSize      = 64

	publishFailureThreshold = 5
	publishCooldown         = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db        *sql.DB       // nil if using in-memory
	redis     *redis.Client // nil if using in-memory idempotency
	nats      *nats.Conn    // nil if events are discarded
	usage     usage.Provider
	publisher events.Publisher

	authMgr     *auth.Manager
	billing     *billing.Service
	commissions *commission.Service
	sweeper     *billing.Sweeper
	reconciler  *reconciliation.Timer
	idempotency idempotency.Store
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	drainDelay      time.Duration
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithUsageProvider replaces the usage source (for testing or an external
// CRM adapter).
func WithUsageProvider(p usage.Provider) Option {
	return func(s *Server) {
		s.usage = p
	}
}

// WithPublisher replaces the event publisher chosen from NATS_URL.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	catalog, err := loadCatalog(cfg.PlansFile)
	if err != nil {
		return nil, err
	}

	var (
		billingStore    billing.Store
		commissionStore commission.Store
		authStore       auth.Store
		planRegistry    plans.Registry = catalog
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		pgPlans := plans.NewPostgresRegistry(db)
		for _, p := range catalog.List() {
			if err := pgPlans.Upsert(ctx, p); err != nil {
				s.closeAll()
				return nil, fmt.Errorf("failed to seed plans: %w", err)
			}
		}
		planRegistry = plans.NewCachedRegistry(pgPlans, planCacheSize, cfg.PlanCacheTTL)

		billingStore = billing.NewPostgresStore(db)
		commissionStore = commission.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		if s.usage == nil {
			s.usage = usage.NewPostgresProvider(db)
		}
		s.checks.RegisterPing("database", db.PingContext)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		billingStore = billing.NewMemoryStore()
		commissionStore = commission.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		if s.usage == nil {
			s.usage = usage.NewMemoryProvider()
		}
	}

	if cfg.RedisURL != "" {
		client, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.redis = client
		store := idempotency.NewRedisStore(client, "")
		s.idempotency = store
		s.checks.RegisterPing("redis", store.Ping)
		s.logger.Info("idempotency keys stored in Redis")
	} else {
		s.idempotency = idempotency.NewMemoryStore()
	}

	if s.publisher == nil {
		if cfg.NATSURL != "" {
			nc, err := events.Connect(cfg.NATSURL, s.logger)
			if err != nil {
				s.closeAll()
				return nil, err
			}
			s.nats = nc
			pub := events.NewNATSPublisher(nc, "")
			breaker := circuitbreaker.New(publishFailureThreshold, publishCooldown)
			breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
				s.logger.Warn("event publisher circuit changed", "key", key, "from", from.String(), "to", to.String())
			})
			s.publisher = events.NewGuardedPublisher(pub, breaker, "nats")
			s.checks.RegisterPing("nats", pub.Ping)
			s.logger.Info("publishing events to NATS", "url", nc.ConnectedUrl())
		} else {
			s.publisher = events.NopPublisher{}
		}
	}

	s.billing = billing.NewService(billingStore, planRegistry, s.usage, s.logger).
		WithPublisher(s.publisher).
		WithDueDays(cfg.InvoiceDueDays)
	s.commissions = commission.NewService(commissionStore, s.logger).
		WithPublisher(s.publisher)
	s.authMgr = auth.NewManager(authStore, cfg.JWTSecret)

	s.sweeper, err = billing.NewSweeper(s.billing, cfg.StatusSweepSchedule, s.logger)
	if err != nil {
		s.closeAll()
		return nil, err
	}

	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewService(s.billing, s.logger), cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func loadCatalog(path string) (*plans.Catalog, error) {
	if path == "" {
		return plans.DefaultCatalog()
	}
	c, err := plans.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load plans from %s: %w", path, err)
	}
	return c, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
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

// authDisabled reports whether tenant and admin routes are left open. Only
// a development config without any secret qualifies.
func (s *Server) authDisabled() bool {
	return s.cfg.IsDevelopment() && s.cfg.JWTSecret == "" && s.cfg.AdminSecret == ""
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
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(metrics.Middleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting keys on the principal, so credentials resolve first.
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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

// tenantContext tags the request logger with the tenant in the path.
func tenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithTenantID(c.Request.Context(), c.Param("id"))
		c.Request = c.Request.WithContext(ctx)
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

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	billingHandler := billing.NewHandler(s.billing)
	commissionHandler := commission.NewHandler(s.commissions)

	tenantGuard := auth.RequireTenant("id")
	adminGuard := auth.RequireAdmin(s.cfg.AdminSecret)
	if s.authDisabled() {
		s.logger.Warn("no JWT_SECRET or ADMIN_SECRET in development: tenant and admin routes are unauthenticated")
		tenantGuard = func(c *gin.Context) { c.Next() }
		adminGuard = func(c *gin.Context) { c.Next() }
	}

	tenants := v1.Group("/tenants/:id",
		validation.IDParamMiddleware("id", "invoiceId", "saleId"),
		tenantGuard,
		tenantContext(),
		idempotency.Middleware(s.idempotency, idempotency.Options{
			TTL:     idempotencyTTL,
			LockTTL: idempotencyLockTTL,
		}),
	)
	billingHandler.RegisterTenantRoutes(tenants)
	commissionHandler.RegisterTenantRoutes(tenants)

	admin := v1.Group("/admin", adminGuard, validation.IDParamMiddleware("id", "keyId"))
	billingHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
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

	ok, checks := s.checks.CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if ok, checks := s.checks.CheckAll(ctx); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "clic-ledger",
		"description": "Tenant billing and sale commission ledger",
		"version":     s.version,
		"storage":     s.storageKind(),
		"sweep":       s.cfg.StatusSweepSchedule,
	})
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// -----------------------------------------------------------------------------
// Lifecycle
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"storage", s.storageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		if err := s.sweeper.Start(runCtx); err != nil {
			s.logger.Error("failed to start status sweeper", "error", err)
		}
	}()

	go s.reconciler.Start(runCtx)

	if s.db != nil {
		if err := metrics.RegisterDBStats(s.db); err != nil {
			s.logger.Warn("db stats not exported", "error", err)
		}
	}

	if mem, ok := s.idempotency.(*idempotency.MemoryStore); ok {
		go sweepIdempotency(runCtx, mem, time.Minute)
	}

	// Mark as ready after brief delay for startup
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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func sweepIdempotency(ctx context.Context, store *idempotency.MemoryStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep()
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	s.closeAll()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases external connections. Safe on a partially built server.
func (s *Server) closeAll() {
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
		s.nats = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
		s.shutdownTracing = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
