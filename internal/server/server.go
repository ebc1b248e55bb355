// Package server wires the billing services into one HTTP server.
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

	"github.com/mbd888/guildbill/internal/admin"
	"github.com/mbd888/guildbill/internal/circuitbreaker"
	"github.com/mbd888/guildbill/internal/config"
	"github.com/mbd888/guildbill/internal/gateway"
	"github.com/mbd888/guildbill/internal/guild"
	"github.com/mbd888/guildbill/internal/health"
	"github.com/mbd888/guildbill/internal/invoices"
	"github.com/mbd888/guildbill/internal/logging"
	"github.com/mbd888/guildbill/internal/metrics"
	"github.com/mbd888/guildbill/internal/notify"
	"github.com/mbd888/guildbill/internal/outbox"
	"github.com/mbd888/guildbill/internal/payments"
	"github.com/mbd888/guildbill/internal/plans"
	"github.com/mbd888/guildbill/internal/ratelimit"
	"github.com/mbd888/guildbill/internal/reconciliation"
	"github.com/mbd888/guildbill/internal/security"
	"github.com/mbd888/guildbill/internal/subscriptions"
	"github.com/mbd888/guildbill/internal/traces"
	"github.com/mbd888/guildbill/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	db      *sql.DB // nil if using in-memory
	gateway gateway.Client

	catalog       *plans.Catalog
	subscriptions *subscriptions.Service
	invoices      *invoices.Service
	payments      *payments.Service
	paymentStore  payments.Store
	reconciler    *reconciliation.Service
	runner        *reconciliation.Runner
	outboxStore   outbox.Store
	relay         *outbox.Relay
	rateLimiter   *ratelimit.Limiter

	sweepTimer     *subscriptions.Timer
	overdueTimer   *invoices.OverdueTimer
	reconcileTimer *reconciliation.Timer

	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway replaces the configured payment gateway (for testing)
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the version reported by /health and build_info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		Environment: cfg.Env,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdown

	if s.gateway == nil {
		gw, err := newGateway(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.gateway = gw
	}

	var (
		planStore    plans.Store
		subStore     subscriptions.Store
		invoiceStore invoices.Store
	)
	storage := "memory"

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		storage = "postgres"
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgPlans := plans.NewPostgresStore(db)
		pgSubs := subscriptions.NewPostgresStore(db)
		pgInvoices := invoices.NewPostgresStore(db)
		pgPayments := payments.NewPostgresStore(db)
		pgOutbox := outbox.NewPostgresStore(db)

		// Order matters: payments reference plans, subscriptions and invoices.
		for _, m := range []struct {
			name string
			fn   func(context.Context) error
		}{
			{"plans", pgPlans.Migrate},
			{"subscriptions", pgSubs.Migrate},
			{"invoices", pgInvoices.Migrate},
			{"payments", pgPayments.Migrate},
			{"outbox", pgOutbox.Migrate},
		} {
			if err := m.fn(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", m.name, "error", err)
			}
		}

		planStore, subStore, invoiceStore = pgPlans, pgSubs, pgInvoices
		s.paymentStore, s.outboxStore = pgPayments, pgOutbox
		s.health.Register("database", health.Database("database", db, 2*time.Second))
	} else {
		planStore = plans.NewMemoryStore()
		subStore = subscriptions.NewMemoryStore()
		invoiceStore = invoices.NewMemoryStore()
		s.paymentStore = payments.NewMemoryStore()
		s.outboxStore = outbox.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	publisher := outbox.NewPublisher(s.outboxStore)

	s.catalog = plans.NewCatalog(planStore, cfg.DefaultCurrency, s.logger)
	if s.db == nil {
		if err := s.catalog.SeedDefaults(ctx); err != nil {
			return nil, fmt.Errorf("failed to seed plans: %w", err)
		}
		s.logger.Info("default plans seeded")
	}

	s.subscriptions = subscriptions.NewService(subStore, s.catalog, s.logger).
		WithPublisher(publisher).
		WithPolicy(subscriptions.ExistingPolicy(cfg.ExistingSubscriptionPolicy)).
		WithGracePeriod(cfg.GracePeriodDays)

	s.invoices = invoices.NewService(invoiceStore, invoices.Config{
		Prefix:          cfg.InvoicePrefix,
		DefaultCurrency: cfg.DefaultCurrency,
		DefaultTaxRate:  cfg.DefaultTaxRate,
		DueDays:         cfg.InvoiceDueDays,
	}, s.logger).WithPublisher(publisher)

	s.reconciler = reconciliation.NewService(s.subscriptions, s.invoices, s.paymentStore, s.logger).
		WithPublisher(publisher)
	s.runner = reconciliation.NewRunner(s.reconciler, s.logger)

	s.payments = payments.NewService(s.paymentStore, s.gateway, s.catalog, s.subscriptions, s.invoices, s.logger).
		WithReconciler(s.reconciler).
		WithPublisher(publisher)

	if err := s.setupBackground(); err != nil {
		return nil, err
	}

	if b, ok := s.gateway.(interface {
		Breaker() *circuitbreaker.Breaker
	}); ok {
		s.health.Register("gateway", health.Breaker("gateway", b.Breaker(), s.gateway.Name()))
	}

	metrics.SetBuildInfo(s.version, s.gateway.Name(), storage)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger) (gateway.Client, error) {
	switch cfg.GatewayProvider {
	case config.ProviderOrders:
		return gateway.NewOrdersClient(gateway.OrdersConfig{
			BaseURL:       cfg.GatewayBaseURL,
			KeyID:         cfg.GatewayKeyID,
			KeySecret:     cfg.GatewayKeySecret,
			WebhookSecret: cfg.GatewayWebhookSecret,
		}, logger.With(logging.Component("gateway"))), nil
	case config.ProviderStripe:
		return gateway.NewStripeClient(gateway.StripeConfig{
			SecretKey:      cfg.StripeSecretKey,
			PublishableKey: cfg.StripePublishableKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
		}, logger.With(logging.Component("gateway"))), nil
	case config.ProviderFake:
		secret := cfg.GatewayWebhookSecret
		if secret == "" {
			secret = "fake_secret"
		}
		logger.Warn("using fake payment gateway (payments are simulated)")
		return gateway.NewFakeClient(secret), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.GatewayProvider)
	}
}

// setupBackground builds the outbox relay and the periodic jobs. They are
// started by Run.
func (s *Server) setupBackground() error {
	cfg := s.cfg

	relayCfg := outbox.DefaultRelayConfig()
	if cfg.OutboxInterval > 0 {
		relayCfg.Interval = cfg.OutboxInterval
	}
	s.relay = outbox.NewRelay(s.outboxStore, relayCfg, s.logger)

	if cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyURL, cfg.IsProduction()); err != nil {
			return fmt.Errorf("NOTIFY_URL: %w", err)
		}
		sink := notify.NewWebhookSink(cfg.NotifyURL, cfg.NotifySecret, s.logger)
		s.relay.Register(outbox.TopicNotification, sink.Handle)
	} else {
		s.relay.Register(outbox.TopicNotification, s.logOnly(outbox.TopicNotification))
	}

	if cfg.GuildBaseURL != "" {
		if err := security.ValidateEndpointURL(cfg.GuildBaseURL, cfg.IsProduction()); err != nil {
			return fmt.Errorf("GUILD_BASE_URL: %w", err)
		}
		client := guild.NewClient(cfg.GuildBaseURL, cfg.GuildAPIKey, cfg.GuildTimeout, s.logger)
		s.relay.Register(outbox.TopicGuildSync, client.Handle)
	} else {
		s.relay.Register(outbox.TopicGuildSync, s.logOnly(outbox.TopicGuildSync))
	}

	var err error
	if s.sweepTimer, err = subscriptions.NewTimer(s.subscriptions, cfg.SweepSchedule, s.logger); err != nil {
		return fmt.Errorf("subscription sweep schedule: %w", err)
	}
	if s.overdueTimer, err = invoices.NewOverdueTimer(s.invoices, cfg.SweepSchedule, s.logger); err != nil {
		return fmt.Errorf("overdue schedule: %w", err)
	}
	s.reconcileTimer = reconciliation.NewTimer(s.runner, cfg.ReconcileInterval, s.logger)
	return nil
}

// logOnly acknowledges events for a topic that has no downstream configured.
func (s *Server) logOnly(topic string) outbox.Handler {
	return func(ctx context.Context, e *outbox.Event) error {
		s.logger.Debug("outbox event dropped, no sink configured",
			"topic", topic, "event_id", e.ID, "key", e.Key)
		return nil
	}
}

// maskDSN hides the password in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB). The webhook handler enforces its own limit.
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Gateway callbacks are signed and retried by the processor, so they sit
	// outside the rate limiter.
	hooks := s.router.Group("/v1")
	payments.NewHandler(s.payments).WithTrials(s.subscriptions).RegisterWebhookRoutes(hooks)

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	v1 := s.router.Group("/v1", s.rateLimiter.Middleware(), security.NoStore())
	plans.NewHandler(s.catalog).RegisterRoutes(v1)
	subscriptions.NewHandler(s.subscriptions).RegisterRoutes(v1)
	invoices.NewHandler(s.invoices, s.subscriptions).RegisterRoutes(v1)
	payments.NewHandler(s.payments).WithTrials(s.subscriptions).RegisterRoutes(v1)

	adminGroup := s.router.Group("/v1/admin", admin.RequireSecret(s.cfg.AdminSecret), security.NoStore())
	plans.NewHandler(s.catalog).RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithSubscriptions(s.subscriptions).
		WithInvoices(s.invoices).
		WithReconciler(s.runner).
		WithPayments(s.paymentStore).
		WithOutbox(s.outboxStore).
		RegisterRoutes(adminGroup)
	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are unauthenticated")
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Gateway   string          `json:"gateway"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Gateway:   s.gateway.Name(),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs, and blocks until a signal
// arrives, ctx is cancelled or the listener fails.
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
			"gateway", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.relay.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	go s.overdueTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

	s.health.Register("outbox_relay", health.Running("outbox_relay", s.relay.Running))
	s.health.Register("subscription_sweep", health.Running("subscription_sweep", s.sweepTimer.Running))
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconcileTimer.Running))

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.cfg.IsProduction() {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.relay.Stop()
	s.sweepTimer.Stop()
	s.overdueTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("background jobs stopped")

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

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
