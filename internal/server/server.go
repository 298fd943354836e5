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

	"github.com/mbd888/tiltguard/internal/assessment"
	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/config"
	"github.com/mbd888/tiltguard/internal/health"
	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/llm"
	"github.com/mbd888/tiltguard/internal/logging"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/patterns"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/ratelimit"
	"github.com/mbd888/tiltguard/internal/security"
	"github.com/mbd888/tiltguard/internal/validation"
)

// Version is reported by the health and info endpoints.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	assessments  *assessment.Service
	learner      *baseline.Learner
	learnerTimer *baseline.Timer
	matcher      *patterns.Matcher
	policies     policy.Provider
	policyFile   *policy.FileProvider // nil when running on the built-in policy
	analyzer     assessment.Analyzer
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB                 // nil unless DATABASE_URL is set
	sqlite       *assessment.SQLiteStore // nil unless SQLITE_PATH is set
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

// WithAnalyzer replaces the hosted scorer built from LLM_API_URL (for testing)
func WithAnalyzer(a assessment.Analyzer) Option {
	return func(s *Server) {
		s.analyzer = a
	}
}

// WithPolicyProvider replaces the policy source built from POLICY_FILE
func WithPolicyProvider(p policy.Provider) Option {
	return func(s *Server) {
		s.policies = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic.
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
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		store     assessment.Store
		baselines baseline.Store
		patStore  patterns.Store
	)
	switch cfg.StorageBackend() {
	case "postgres":
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
		store = assessment.NewPostgresStore(db)
		baselines = baseline.NewPostgresStore(db)
		patStore = patterns.NewPostgresStore(db)
		s.checks.Register("postgres", health.DBChecker("postgres", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	case "sqlite":
		st, err := assessment.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.sqlite = st
		store = st
		baselines = baseline.NewMemoryStore()
		patStore = patterns.NewMemoryStore()
		s.checks.Register("sqlite", health.DBChecker("sqlite", st.DB()))
		s.logger.Info("using SQLite storage for assessments (baselines and patterns in memory)",
			"path", cfg.SQLitePath)

	default:
		store = assessment.NewMemoryStore()
		baselines = baseline.NewMemoryStore()
		patStore = patterns.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Policy: YAML profiles with hot reload, or the built-in moderate policy
	if s.policies == nil {
		if cfg.PolicyFile != "" {
			fp, err := policy.NewFileProvider(cfg.PolicyFile, cfg.PolicyProfile, policy.WithLogger(s.logger))
			if err != nil {
				s.closeStores()
				return nil, fmt.Errorf("failed to load policy: %w", err)
			}
			fp.OnReload(func(p policy.Policy) {
				s.logger.Info("policy reloaded", "profile", p.Name, "blockThreshold", p.BlockThreshold)
			})
			s.policyFile = fp
			s.policies = fp
		} else {
			s.policies = policy.Static(policy.Default())
		}
	}
	s.checks.Register("policy", func(context.Context) health.Status {
		if err := s.policies.Active().Validate(); err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		return health.Status{Healthy: true, Detail: s.policies.Active().Name}
	})
	s.logger.Info("policy active", "profile", s.policies.Active().Name)

	s.matcher = patterns.NewMatcher(store, patStore,
		patterns.WithLogger(s.logger),
		patterns.WithCacheTTL(cfg.PatternCacheTTL),
		patterns.WithHistoryLimit(cfg.HistoryFetchLimit),
	)

	s.learner = baseline.NewLearner(store, baselines,
		baseline.WithLogger(s.logger),
		baseline.WithRecordLimit(cfg.HistoryFetchLimit),
	)
	if cfg.LearnerSchedule != "" {
		timer, err := baseline.NewTimer(s.learner, cfg.LearnerSchedule, s.logger)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to schedule baseline learner: %w", err)
		}
		s.learnerTimer = timer
	}

	if s.analyzer == nil && cfg.LLMEnabled() {
		s.analyzer = llm.NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.LLMModel,
			llm.WithTimeout(cfg.LLMTimeout),
			llm.WithLogger(s.logger),
		)
		s.logger.Info("hosted scorer enabled", "model", cfg.LLMModel)
	}

	svcOpts := []assessment.Option{
		assessment.WithLogger(s.logger),
		assessment.WithMatcher(s.matcher),
	}
	if s.analyzer != nil {
		svcOpts = append(svcOpts, assessment.WithAnalyzer(s.analyzer))
	}
	s.assessments = assessment.NewService(store, baselines, s.policies, svcOpts...)

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set by a load balancer when it is well formed
		requestID := c.GetHeader("X-Request-ID")
		if !validation.IsValidID(requestID) {
			requestID = idgen.WithPrefix(idgen.PrefixRequest)
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))

	assessment.NewHandler(s.assessments).RegisterRoutes(v1)
	baseline.NewHandler(s.learner).RegisterRoutes(v1)
	v1.GET("/policy", s.policyHandler)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
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
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())

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
	if ok, checks := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "tiltguard",
		"description": "Trade readiness gate from behavioral and physiological signals",
		"version":     Version,
		"storage":     s.cfg.StorageBackend(),
		"policy":      s.policies.Active().Name,
		"llm":         s.analyzer != nil,
	})
}

// policyHandler returns the policy evaluations currently run under
func (s *Server) policyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": s.policies.Active()})
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"storage", s.cfg.StorageBackend(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	} else if s.sqlite != nil {
		go metrics.StartDBStatsCollector(runCtx, s.sqlite.DB(), 15*time.Second)
	}

	if s.policyFile != nil {
		go func() {
			if err := s.policyFile.Watch(runCtx); err != nil {
				s.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	if s.learnerTimer != nil {
		s.learnerTimer.Start()
	}

	go s.pruneRateLimiter(runCtx, time.Minute)

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

	if s.learnerTimer != nil {
		s.learnerTimer.Stop(ctx)
		s.logger.Info("baseline learner stopped")
	}

	s.closeStores()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Error("sqlite close error", "error", err)
		}
	}
}

func (s *Server) pruneRateLimiter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.rateLimiter.Prune(); n > 0 {
				s.logger.Debug("rate limiter pruned idle clients", "removed", n)
			}
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Assessments returns the assessment service the routes are bound to
func (s *Server) Assessments() *assessment.Service {
	return s.assessments
}
