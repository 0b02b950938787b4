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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/sybilscan/internal/apikeys"
	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/config"
	"github.com/mbd888/sybilscan/internal/explorer"
	"github.com/mbd888/sybilscan/internal/featuretable"
	"github.com/mbd888/sybilscan/internal/health"
	"github.com/mbd888/sybilscan/internal/jobs"
	"github.com/mbd888/sybilscan/internal/logging"
	"github.com/mbd888/sybilscan/internal/metrics"
	"github.com/mbd888/sybilscan/internal/model"
	"github.com/mbd888/sybilscan/internal/ratelimit"
	"github.com/mbd888/sybilscan/internal/scoring"
	"github.com/mbd888/sybilscan/internal/security"
	"github.com/mbd888/sybilscan/internal/validation"
	"github.com/mbd888/sybilscan/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	model       *model.RiskModel
	table       featuretable.Table
	source      scoring.DataSource
	engine      *scoring.Engine
	jobs        *jobs.Manager
	keyStore    apikeys.Store
	keys        *apikeys.Manager
	webhooks    *webhooks.Dispatcher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil when the feature table comes from CSV
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

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

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithModel uses an already loaded model instead of reading MODEL_DIR
func WithModel(m *model.RiskModel) Option {
	return func(s *Server) {
		s.model = m
	}
}

// WithFeatureTable uses the given reference table instead of loading one
func WithFeatureTable(t featuretable.Table) Option {
	return func(s *Server) {
		s.table = t
	}
}

// WithDataSource replaces the block explorer client (for testing)
func WithDataSource(src scoring.DataSource) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithWebhooks replaces the callback dispatcher (for testing)
func WithWebhooks(d *webhooks.Dispatcher) Option {
	return func(s *Server) {
		s.webhooks = d
	}
}

// WithKeyStore replaces the file-backed API key store (for testing)
func WithKeyStore(store apikeys.Store) Option {
	return func(s *Server) {
		s.keyStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set model/table/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	if s.model == nil {
		m, err := model.Load(model.Paths{
			Classifier:      cfg.ClassifierPath(),
			AnomalyDetector: cfg.AnomalyDetectorPath(),
			FeatureNames:    cfg.FeatureNamesPath(),
		}, model.Bounds{Min: cfg.AnomalyMin, Max: cfg.AnomalyMax})
		if err != nil {
			return nil, fmt.Errorf("failed to load models: %w", err)
		}
		s.model = m
		s.logger.Info("models loaded", "dir", cfg.ModelDir, "columns", len(m.Columns()))
	}

	if s.table == nil {
		if err := s.loadFeatureTable(ctx); err != nil {
			s.closeDB()
			return nil, err
		}
	}
	metrics.FeatureTableRows.Set(float64(s.table.Len()))

	if cfg.AnomalyBounds == config.BoundsReference {
		b := s.model.ReferenceBounds(s.table.Vectors())
		s.model = s.model.WithBounds(b)
		s.logger.Info("anomaly bounds from reference table", "min", b.Min, "max", b.Max)
	}

	var explorerClient *explorer.Client
	if s.source == nil {
		explorerClient = explorer.NewClient(
			explorer.Config{BaseURL: cfg.ExplorerBaseURL, Timeout: cfg.ExplorerTimeout},
			explorer.NewRotator(cfg.ExplorerAPIKeys, cfg.ExplorerChainKeys),
			explorer.WithLogger(s.logger),
		)
		s.source = explorerClient
		if len(cfg.ExplorerAPIKeys) == 0 && len(cfg.ExplorerChainKeys) == 0 {
			s.logger.Warn("no explorer API keys configured, live scoring will be rate limited")
		}
	}

	s.engine = scoring.NewEngine(s.model, s.table, s.source).
		WithLogger(s.logger).
		WithNativeChain(chain.ID(cfg.NativeChain))

	if s.webhooks == nil {
		s.webhooks = webhooks.NewDispatcher(cfg.WebhookSecret, webhooks.WithLogger(s.logger))
	}

	s.jobs = jobs.NewManager(jobs.NewMemoryStore(), s.engine, jobs.Config{
		BatchSize:    cfg.JobBatchSize,
		Workers:      cfg.InferenceWorkers,
		MaxAddresses: cfg.MaxBatchAddresses,
	}).WithLogger(s.logger).WithNotifier(s.webhooks)

	if s.keyStore == nil {
		store, err := apikeys.OpenFileStore(cfg.APIKeysFile)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to open API key store: %w", err)
		}
		s.keyStore = store
	}
	s.keys = apikeys.NewManager(s.keyStore)

	s.registerHealthChecks(explorerClient)

	// Initialize router
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	// Run one inference so the first request does not pay for page faults.
	s.engine.WarmUp(ctx)

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) loadFeatureTable(ctx context.Context) error {
	var (
		table *featuretable.Memory
		stats featuretable.Stats
		err   error
	)
	if s.cfg.FeatureTableDSN != "" {
		db, openErr := sql.Open("postgres", s.cfg.FeatureTableDSN)
		if openErr != nil {
			return fmt.Errorf("failed to open database: %w", openErr)
		}

		// Configure connection pool
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		table, stats, err = featuretable.NewPostgresSource(db).Load(ctx)
		s.logger.Info("loading feature table from PostgreSQL", "url", maskDSN(s.cfg.FeatureTableDSN))
	} else {
		table, stats, err = featuretable.LoadCSV(s.cfg.FeatureTablePath)
		s.logger.Info("loading feature table from CSV", "path", s.cfg.FeatureTablePath)
	}
	if err != nil {
		return fmt.Errorf("failed to load feature table: %w", err)
	}

	s.logger.Info("feature table loaded",
		"rows", stats.Rows,
		"duplicates", stats.Duplicates,
		"invalid_cells", stats.InvalidCells,
		"missing_fields", strings.Join(stats.MissingFields, ","),
	)
	s.table = table
	return nil
}

func (s *Server) registerHealthChecks(client *explorer.Client) {
	s.health.RegisterFunc("model", func(context.Context) (string, error) {
		return fmt.Sprintf("%d columns", len(s.model.Columns())), nil
	})
	s.health.RegisterFunc("feature_table", func(context.Context) (string, error) {
		n := s.table.Len()
		if n == 0 {
			return "", errors.New("feature table is empty")
		}
		return fmt.Sprintf("%d rows", n), nil
	})
	if s.db != nil {
		s.health.RegisterFunc("database", func(ctx context.Context) (string, error) {
			return "", s.db.PingContext(ctx)
		})
	}
	if client != nil {
		s.health.RegisterFunc("explorer", func(context.Context) (string, error) {
			open := client.Breaker().OpenKeys()
			if len(open) == 0 {
				return "all circuits closed", nil
			}
			// Live scoring on these chains fails fast; cached scoring is unaffected.
			return "open circuits: " + strings.Join(open, ","), nil
		})
	}
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

	// CORS (open beta: any origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Scoring (usage metered when a valid key is presented)
	metered := v1.Group("", apikeys.Metering(s.keys))
	metered.POST("/score", s.submitScoreHandler)
	metered.POST("/verify", s.verifyHandler)

	v1.GET("/jobs/:id", s.getJobHandler)

	// API keys
	apikeys.NewHandler(s.keys).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"native_chain", s.cfg.NativeChain,
			"feature_rows", s.table.Len(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	// Interrupted jobs stay running; their state is lost with the process.
	if err := s.jobs.Close(ctx); err != nil {
		s.logger.Error("job runs did not stop", "error", err)
	} else {
		s.logger.Info("job runs stopped")
	}

	// Stop rate limiter cleanup goroutine
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
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Jobs returns the job manager (for testing)
func (s *Server) Jobs() *jobs.Manager {
	return s.jobs
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
