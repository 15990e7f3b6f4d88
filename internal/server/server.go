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
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/captcharelay/internal/audit"
	"github.com/mbd888/captcharelay/internal/circuitbreaker"
	"github.com/mbd888/captcharelay/internal/config"
	"github.com/mbd888/captcharelay/internal/health"
	"github.com/mbd888/captcharelay/internal/logging"
	"github.com/mbd888/captcharelay/internal/metrics"
	"github.com/mbd888/captcharelay/internal/ratelimit"
	"github.com/mbd888/captcharelay/internal/recaptcha"
	"github.com/mbd888/captcharelay/internal/retry"
	"github.com/mbd888/captcharelay/internal/security"
	"github.com/mbd888/captcharelay/internal/validation"
)

// Version is reported on /health.
const Version = "1.0.0"

// HealthMessage is the fixed /health message.
const HealthMessage = "reCAPTCHA Verification API is running"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	upstream     recaptcha.Upstream
	relay        *recaptcha.Relay
	breaker      *circuitbreaker.Breaker
	auditStore   audit.Store
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
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

// WithUpstream replaces the reCAPTCHA upstream client (for testing)
func WithUpstream(u recaptcha.Upstream) Option {
	return func(s *Server) {
		s.upstream = u
	}
}

// WithAuditStore replaces the audit store (for testing)
func WithAuditStore(store audit.Store) Option {
	return func(s *Server) {
		s.auditStore = store
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Upstream first: a rejected endpoint must not leave a pool behind.
	if s.upstream == nil {
		upstream, err := newUpstream(cfg)
		if err != nil {
			return nil, err
		}
		s.upstream = upstream
	}

	ctx := context.Background()

	// Audit storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.auditStore == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(2)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			store := audit.NewPostgresStore(db)
			if err := store.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate audit table: %w", err)
			}

			s.db = db
			s.auditStore = store
			s.logger.Info("using PostgreSQL audit log", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.auditStore = audit.NewMemoryStore(audit.DefaultMemoryCapacity)
			s.logger.Info("using in-memory audit log", "capacity", audit.DefaultMemoryCapacity)
		}
	}

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("upstream circuit breaker transition",
			"upstream", key, "from", from.String(), "to", to.String())
	})

	s.relay = recaptcha.NewRelay(s.upstream, credentials(cfg),
		recaptcha.WithThreshold(cfg.ScoreThreshold),
		recaptcha.WithRetry(retry.Policy{
			MaxAttempts: cfg.UpstreamMaxAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		}),
		recaptcha.WithBreaker(s.breaker),
		recaptcha.WithRecorder(audit.NewRecorder(s.auditStore)),
	)

	if !s.relay.Configured() {
		s.logger.Warn("reCAPTCHA credentials missing; verification requests will fail until configured",
			"variant", string(s.relay.Variant()))
	}
	s.logger.Info("reCAPTCHA relay configured",
		"variant", string(s.relay.Variant()),
		"threshold", cfg.ScoreThreshold,
		"max_attempts", cfg.UpstreamMaxAttempts,
	)

	s.setupHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	// ClientIP feeds the rate limiter, upstream remoteip and the audit log,
	// so forwarded headers are only honored from configured proxies.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	if err := s.setupMiddleware(); err != nil {
		s.closeDB()
		return nil, err
	}
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newUpstream builds the upstream client for the configured variant.
// Overridden endpoints must pass the SSRF check in production.
func newUpstream(cfg *config.Config) (recaptcha.Upstream, error) {
	httpClient := recaptcha.NewHTTPClient(cfg.UpstreamTimeout)

	switch cfg.Variant {
	case config.VariantEnterprise:
		if cfg.IsProduction() && cfg.EnterpriseURL != config.DefaultEnterpriseURL {
			if err := security.ValidateUpstreamURL(cfg.EnterpriseURL); err != nil {
				return nil, fmt.Errorf("RECAPTCHA_ENTERPRISE_URL: %w", err)
			}
		}
		return recaptcha.NewEnterpriseClient(cfg.EnterpriseURL, httpClient), nil
	default:
		if cfg.IsProduction() && cfg.LegacyURL != config.DefaultLegacyURL {
			if err := security.ValidateUpstreamURL(cfg.LegacyURL); err != nil {
				return nil, fmt.Errorf("RECAPTCHA_LEGACY_URL: %w", err)
			}
		}
		return recaptcha.NewLegacyClient(cfg.LegacyURL, httpClient), nil
	}
}

func credentials(cfg *config.Config) recaptcha.Credentials {
	return recaptcha.Credentials{
		SecretKey:      cfg.SecretKey,
		ProjectID:      cfg.ProjectID,
		SiteKey:        cfg.SiteKey,
		ExpectedAction: cfg.ExpectedAction,
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

// pinger is implemented by audit stores backed by a database.
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) setupHealthChecks() {
	s.health = health.NewRegistry(3 * time.Second)

	s.health.Register("credentials", func(_ context.Context) health.Status {
		if !s.relay.Configured() {
			return health.Status{Healthy: false, Detail: "reCAPTCHA credentials missing"}
		}
		return health.Status{Healthy: true}
	})

	s.health.Register("upstream", func(_ context.Context) health.Status {
		state := s.breaker.State(string(s.relay.Variant()))
		return health.Status{
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  "circuit " + state.String(),
		}
	})

	if p, ok := s.auditStore.(pinger); ok {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := p.Ping(ctx); err != nil {
				return health.Status{Healthy: false, Detail: "ping failed"}
			}
			return health.Status{Healthy: true}
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() error {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"score":   nil,
			"message": recaptcha.MessageServerError,
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	cors, err := security.CORSMiddleware(s.cfg.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("invalid ALLOWED_ORIGINS: %w", err)
	}
	s.router.Use(cors)

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	return nil
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
	// Health checks
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api")

	// Verification, rate limited per client IP
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	verify := api.Group("", s.rateLimiter.Middleware())
	recaptcha.NewHandler(s.relay).RegisterRoutes(verify)

	// Admin audit routes, only when a secret is configured
	if s.cfg.AdminSecret != "" {
		admin := api.Group("", security.AdminMiddleware(s.cfg.AdminSecret))
		audit.NewHandler(s.auditStore).RegisterRoutes(admin)
		s.logger.Info("admin audit routes enabled")
	}

	if s.cfg.StaticDir != "" {
		s.router.Static("/static", s.cfg.StaticDir)
		index := filepath.Join(s.cfg.StaticDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			s.router.StaticFile("/", index)
		}
		s.logger.Info("serving static files", "dir", s.cfg.StaticDir)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Variant   string `json:"variant"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// healthHandler always answers 200 while the process is serving, whatever
// the state of credentials or upstream.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Message:   HealthMessage,
		Variant:   string(s.relay.Variant()),
		Version:   Version,
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
	s.health.ReadinessHandler()(c)
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
		WriteTimeout:      s.cfg.UpstreamTimeout*time.Duration(s.cfg.UpstreamMaxAttempts) + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"variant", string(s.relay.Variant()),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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
		s.ready.Store(false)
		cancel()
		s.closeDB()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
