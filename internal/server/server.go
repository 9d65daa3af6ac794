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

	"github.com/mbd888/mandi/internal/auth"
	"github.com/mbd888/mandi/internal/cache"
	"github.com/mbd888/mandi/internal/circuitbreaker"
	"github.com/mbd888/mandi/internal/config"
	"github.com/mbd888/mandi/internal/health"
	"github.com/mbd888/mandi/internal/logging"
	"github.com/mbd888/mandi/internal/metrics"
	"github.com/mbd888/mandi/internal/negotiation"
	"github.com/mbd888/mandi/internal/pricing"
	"github.com/mbd888/mandi/internal/products"
	"github.com/mbd888/mandi/internal/ratelimit"
	"github.com/mbd888/mandi/internal/realtime"
	"github.com/mbd888/mandi/internal/security"
	"github.com/mbd888/mandi/internal/seed"
	"github.com/mbd888/mandi/internal/traces"
	"github.com/mbd888/mandi/internal/translation"
	"github.com/mbd888/mandi/internal/users"
	"github.com/mbd888/mandi/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const (
	translationCacheTTL   = 24 * time.Hour
	translationTimeout    = 2 * time.Second
	breakerThreshold      = 5
	breakerOpenDuration   = 30 * time.Second
	dbStatsInterval       = 15 * time.Second
	shutdownDrainDuration = 5 * time.Second
)

// Server wires the marketplace services behind one gin router.
type Server struct {
	cfg          *config.Config
	users        users.Store
	products     products.Store
	negotiations negotiation.Store
	priceCache   cache.Store
	redis        *cache.RedisStore // nil without REDIS_URL
	translator   translation.Translator
	pricing      *pricing.Service
	productSvc   *products.Service
	negotiation  *negotiation.Service
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	now          func() time.Time
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithTranslator replaces the built-in tagging translator (for testing or
// an external provider).
func WithTranslator(t translation.Translator) Option {
	return func(s *Server) {
		s.translator = t
	}
}

// WithClock sets the time source shared by the services.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		now:    func() time.Time { return time.Now().UTC() },
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Env, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stop

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
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
		s.users = users.NewPostgresStore(db)
		s.products = products.NewPostgresStore(db)
		s.negotiations = negotiation.NewPostgresStore(db)
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.users = users.NewMemoryStore()
		s.products = products.NewMemoryStore()
		s.negotiations = negotiation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Price and translation caches: Redis if REDIS_URL set
	var translationCache cache.Store
	if cfg.RedisURL != "" {
		rs, err := cache.NewRedisStoreFromURL(ctx, cfg.RedisURL, cache.DefaultPrefix)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.redis = rs
		s.priceCache = rs
		translationCache = rs.WithPrefix(cache.TranslationPrefix)
		s.health.Register("redis", health.Ping("redis", rs.Ping))
		s.logger.Info("using Redis cache", "url", maskDSN(cfg.RedisURL))
	} else {
		s.priceCache = cache.NewMemoryStore()
		translationCache = cache.NewMemoryStore()
		s.logger.Info("using in-process cache")
	}

	if cfg.SeedDemoData {
		res, err := seed.Load(ctx, s.users, s.products, s.now())
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
		s.logger.Info("demo data loaded", "users", res.Users, "products", res.Products)
	}

	// Translation: breaker-guarded provider behind a result cache
	if s.translator == nil {
		s.translator = translation.Tagger{}
	}
	breaker := circuitbreaker.New(breakerThreshold, breakerOpenDuration)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("translation circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	s.translator = translation.NewCached(
		translation.NewBreaker(s.translator, breaker, translationTimeout),
		translationCache, translationCacheTTL, s.logger,
	)

	s.pricing = pricing.NewService(s.products, s.negotiations, s.priceCache, s.logger).
		WithTTL(cfg.PriceCacheTTL).
		WithClock(s.now)
	s.productSvc = products.NewService(s.products, s.users, s.logger).WithClock(s.now)

	policy, err := negotiation.ParseOfferPolicy(cfg.OfferPolicy)
	if err != nil {
		s.closeDB()
		return nil, err
	}

	engine := negotiation.NewEngine(s.negotiations, s.products, s.pricing, s.logger)
	s.negotiation = negotiation.NewService(s.negotiations, s.products, s.users, s.logger).
		WithTranslator(s.translator).
		WithEngine(engine, cfg.SuggestOnOffer).
		WithOfferPolicy(policy).
		WithClock(s.now)

	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer)

	s.realtimeHub = realtime.NewHub(s.negotiation, s.users, s.authMgr, s.logger).
		WithCheckOrigin(security.NewOrigins(cfg.CORSOrigins).CheckOrigin)
	s.logger.Info("realtime negotiation rooms enabled")

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
	return u.Redacted()
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
			"success": false,
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(security.NewOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ClientIP))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, gateway) when present
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Negotiation rooms. The token travels in the Authorization header or
	// ?token= since browsers cannot set headers on a websocket upgrade.
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	productHandler := products.NewHandler(s.productSvc)
	pricingHandler := pricing.NewHandler(s.pricing)
	translationHandler := translation.NewHandler(s.translator, s.logger)

	productHandler.RegisterRoutes(v1)
	pricingHandler.RegisterRoutes(v1)
	translationHandler.RegisterRoutes(v1)

	if s.cfg.IsDevelopment() {
		auth.NewDevHandler(s.authMgr, s.lookupRole).RegisterRoutes(v1)
		s.logger.Warn("development token endpoint enabled", "path", "/v1/auth/dev-token")
	}

	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))

	productHandler.RegisterProtectedRoutes(protected)
	pricingHandler.RegisterProtectedRoutes(protected)
	negotiation.NewHandler(s.negotiation).RegisterProtectedRoutes(protected)
	users.NewHandler(s.users).RegisterProtectedRoutes(protected)
}

func (s *Server) lookupRole(ctx context.Context, userID string) (string, error) {
	u, err := s.users.Get(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return "", auth.ErrUnknownUser
	}
	if err != nil {
		return "", err
	}
	return string(u.Role), nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    []health.Status        `json:"checks"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Timestamp string                 `json:"timestamp"`
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
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: s.now().Format(time.RFC3339),
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
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

	// Stops the hub, which closes every websocket client
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(shutdownDrainDuration)

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

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	s.closeDB()

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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
