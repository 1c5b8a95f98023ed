// Package server wires the stores, wallet gateway, retry pipeline, and
// cleanup timer behind the HTTP API and owns the process lifecycle.
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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jywu/cavern/internal/agents"
	"github.com/jywu/cavern/internal/audit"
	"github.com/jywu/cavern/internal/circuitbreaker"
	"github.com/jywu/cavern/internal/cleanup"
	"github.com/jywu/cavern/internal/config"
	"github.com/jywu/cavern/internal/health"
	"github.com/jywu/cavern/internal/idgen"
	"github.com/jywu/cavern/internal/locks"
	"github.com/jywu/cavern/internal/logging"
	"github.com/jywu/cavern/internal/metrics"
	"github.com/jywu/cavern/internal/pagination"
	"github.com/jywu/cavern/internal/ratelimit"
	"github.com/jywu/cavern/internal/retry"
	"github.com/jywu/cavern/internal/security"
	"github.com/jywu/cavern/internal/settlement"
	"github.com/jywu/cavern/internal/validation"
	"github.com/jywu/cavern/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	directory    *agents.Directory
	agentStore   agents.Store
	settle       *settlement.Service
	gateway      *wallet.Gateway
	retryStore   retry.Store
	scheduler    *retry.Scheduler
	auditStore   audit.Store
	auditor      *audit.Recorder
	janitor      *cleanup.Janitor
	locker       locks.Locker
	redis        *locks.RedisLocker // nil when using in-process locks
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.agentStore = agents.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		s.retryStore = retry.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.agentStore = agents.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.retryStore = retry.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Lock store (Redis if REDIS_ADDR set, otherwise in-process).
	// In-process locks only coordinate goroutines within this instance, so
	// multi-instance deployments must configure Redis.
	var lockStore cleanup.LockStore
	if cfg.RedisAddr != "" {
		rl, err := locks.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rl
		s.locker = rl
		lockStore = rl
		s.logger.Info("using redis locks", "addr", cfg.RedisAddr)
	} else {
		ml := locks.NewMemoryLocker()
		s.locker = ml
		lockStore = ml
		s.logger.Info("using in-process locks (single instance only)")
	}

	s.directory = agents.NewDirectory(s.agentStore, s.logger)
	s.auditor = audit.NewRecorder(s.auditStore, s.logger)

	// Wallet gateway with a per-agent circuit breaker
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(agent string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state change",
			"agent", agent,
			"from", from.String(),
			"to", to.String(),
		)
	})
	s.gateway = wallet.NewGateway(s.directory, s.auditor, breaker, cfg.AgentHTTPTimeout, s.logger)

	// Retry pipeline
	policy := retry.Policy{
		BaseInterval: cfg.RetryBaseInterval,
		MaxInterval:  cfg.RetryMaxInterval,
		Horizon:      cfg.RetryHorizon,
		MaxAttempts:  cfg.RetryMaxAttempts,
	}
	enqueuer := retry.NewEnqueuer(s.retryStore, policy, s.logger)
	s.settle = settlement.NewService(s.gateway, enqueuer, s.logger)

	processor := retry.NewProcessor(s.gateway, s.auditor, s.logger)
	s.scheduler = retry.NewScheduler(s.retryStore, s.locker, processor, retry.SchedulerOptions{
		Interval:         cfg.RetryInterval,
		BatchLimit:       cfg.RetryBatchLimit,
		Concurrency:      cfg.RetryConcurrency,
		SchedulerLockTTL: cfg.SchedulerLockTTL,
		JobLockTTL:       cfg.JobLockTTL,
		Policy:           policy,
		Logger:           s.logger,
	})

	// Monthly retention cleanup
	s.janitor = cleanup.NewJanitor(lockStore, s.auditStore, s.retryStore, cleanup.Options{
		Day:             cfg.CleanupDay,
		RetentionMonths: cfg.RetentionMonths,
		LockTTL:         cfg.CleanupLockTTL,
		Logger:          s.logger,
	})

	// Health checkers for the backing stores
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	}
	if s.redis != nil {
		redis := s.redis
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := redis.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

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

	// CORS (allow all origins for dev - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
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
			requestID = idgen.WithPrefix("req_")
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

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :code URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.CodeParamMiddleware())

	// Agent directory
	v1.POST("/agents", s.registerAgent)
	v1.GET("/agents", s.listAgents)
	v1.GET("/agents/:code", s.getAgent)

	// Wallet operations (through the settlement service, so failures feed
	// the retry pipeline)
	v1.POST("/wallet/balance", s.walletBalance)
	v1.POST("/bets", s.placeBet)
	v1.POST("/settlements", s.settleBet)
	v1.POST("/refunds", s.refundBet)

	// Retry job inspection
	v1.GET("/retries", s.listRetryJobs)
	v1.GET("/retries/stats", s.retryStats)
	v1.GET("/retries/:id", s.getRetryJob)

	// Audit log inspection
	v1.GET("/audits", s.listAudits)

	// Operational endpoints
	v1.POST("/ops/cleanup", s.runCleanup)
}

// -----------------------------------------------------------------------------
// Agent directory handlers
// -----------------------------------------------------------------------------

func (s *Server) registerAgent(c *gin.Context) {
	ctx := c.Request.Context()

	var req agents.RegisterParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Outside dev, callback URLs must not point into our own network
	if s.cfg.IsProduction() {
		if err := security.ValidateEndpointURL(req.CallbackURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_callback_url",
				"message": err.Error(),
			})
			return
		}
	}

	agent, err := s.directory.Register(ctx, req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": verrs.Error(),
				"fields":  verrs,
			})
			return
		}
		if errors.Is(err, agents.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "agent_exists",
				"message": "An agent with this code is already registered",
			})
			return
		}
		logging.L(ctx).Error("failed to register agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register agent",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

func (s *Server) listAgents(c *gin.Context) {
	ctx := c.Request.Context()

	list, err := s.directory.List(ctx, queryInt(c, "limit", 100))
	if err != nil {
		logging.L(ctx).Error("failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}

func (s *Server) getAgent(c *gin.Context) {
	ctx := c.Request.Context()

	agent, err := s.directory.Get(ctx, c.Param("code"))
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "agent_not_found",
				"message": "No agent with that code",
			})
			return
		}
		logging.L(ctx).Error("failed to get agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get agent",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// -----------------------------------------------------------------------------
// Wallet operation handlers
// -----------------------------------------------------------------------------

type balanceRequest struct {
	AgentCode string `json:"agentCode" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
}

type betRequest struct {
	AgentCode string       `json:"agentCode" binding:"required"`
	RequestID string       `json:"requestId"`
	Txns      []wallet.Txn `json:"txns" binding:"required"`
}

func (s *Server) walletBalance(c *gin.Context) {
	ctx := c.Request.Context()

	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	bal, err := s.settle.Balance(ctx, req.AgentCode, req.UserID)
	if err != nil {
		s.walletError(c, err)
		return
	}

	c.JSON(http.StatusOK, bal)
}

func (s *Server) placeBet(c *gin.Context) {
	s.moveMoney(c, s.settle.PlaceBet)
}

func (s *Server) settleBet(c *gin.Context) {
	s.moveMoney(c, s.settle.SettleBet)
}

func (s *Server) refundBet(c *gin.Context) {
	s.moveMoney(c, s.settle.RefundBet)
}

func (s *Server) moveMoney(c *gin.Context, op func(context.Context, settlement.BetParams) (*wallet.AgentResponse, error)) {
	ctx := c.Request.Context()

	var req betRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	for _, txn := range req.Txns {
		if errs := validation.Validate(
			validation.Required("platformTxId", txn.PlatformTxID),
			validation.ValidPlatformTxID("platformTxId", txn.PlatformTxID),
			validation.Required("userId", txn.UserID),
			validation.ValidCurrency("currency", txn.Currency),
			validation.NonNegativeAmount("betAmount", txn.BetAmount),
			validation.NonNegativeAmount("winAmount", txn.WinAmount),
			validation.MaxLength("gamePayload", txn.GamePayload, validation.MaxGamePayloadSize),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": errs.Error(),
				"fields":  errs,
			})
			return
		}
	}

	resp, err := op(ctx, settlement.BetParams{
		AgentCode: req.AgentCode,
		RequestID: req.RequestID,
		Txns:      req.Txns,
	})
	if err != nil {
		s.walletError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// walletError maps a settlement/wallet failure onto an HTTP response. A
// classified call failure reports its taxonomy type plus the audit record
// and retry job ids, so the caller can follow the paper trail.
func (s *Server) walletError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, settlement.ErrAgentCodeRequired),
		errors.Is(err, settlement.ErrUserIDRequired),
		errors.Is(err, settlement.ErrNoTransactions):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	case errors.Is(err, agents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "agent_not_found",
			"message": "No active agent with that code",
		})
		return
	}

	if ce, ok := wallet.AsCallError(err); ok {
		body := gin.H{
			"error":       "wallet_call_failed",
			"failureType": string(ce.Type),
			"message":     ce.Error(),
		}
		if ce.AuditID != "" {
			body["auditId"] = ce.AuditID
		}
		if jobID := settlement.RetryJobID(err); jobID != "" {
			body["retryJobId"] = jobID
		}
		status := http.StatusBadGateway
		if ce.Type == wallet.FailureRejected {
			// The agent answered; the operation was declined, not broken
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, body)
		return
	}

	logging.L(c.Request.Context()).Error("wallet operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Wallet operation failed",
	})
}

// -----------------------------------------------------------------------------
// Retry job handlers
// -----------------------------------------------------------------------------

func (s *Server) listRetryJobs(c *gin.Context) {
	ctx := c.Request.Context()

	limit := queryInt(c, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed cursor",
		})
		return
	}

	jobs, err := s.retryStore.List(ctx, retry.ListOptions{
		Status:    c.Query("status"),
		AgentCode: c.Query("agentCode"),
		Limit:     limit + 1,
		Cursor:    cursor,
	})
	if err != nil {
		logging.L(ctx).Error("failed to list retry jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list retry jobs",
		})
		return
	}

	page, next, more := pagination.ComputePage(jobs, limit, func(j *retry.Job) (time.Time, string) {
		return j.CreatedAt, j.ID
	})
	resp := gin.H{"jobs": page, "count": len(page), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getRetryJob(c *gin.Context) {
	ctx := c.Request.Context()

	job, err := s.retryStore.GetByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, retry.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "job_not_found",
				"message": "No retry job with that id",
			})
			return
		}
		logging.L(ctx).Error("failed to get retry job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get retry job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) retryStats(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := s.retryStore.CountByStatus(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to count retry jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to count retry jobs",
		})
		return
	}

	// Zero-fill so dashboards see every status
	for _, st := range []string{
		retry.StatusPending, retry.StatusProcessing,
		retry.StatusSuccess, retry.StatusFailed, retry.StatusExpired,
	} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"counts":           counts,
		"schedulerRunning": s.scheduler.Running(),
	})
}

// -----------------------------------------------------------------------------
// Audit log handlers
// -----------------------------------------------------------------------------

func (s *Server) listAudits(c *gin.Context) {
	ctx := c.Request.Context()

	limit := queryInt(c, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed cursor",
		})
		return
	}

	records, err := s.auditStore.List(ctx, audit.ListOptions{
		AgentID:      c.Query("agentId"),
		PlatformTxID: c.Query("platformTxId"),
		Status:       c.Query("status"),
		Limit:        limit + 1,
		Cursor:       cursor,
	})
	if err != nil {
		logging.L(ctx).Error("failed to list audit records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list audit records",
		})
		return
	}

	page, next, more := pagination.ComputePage(records, limit, func(r *audit.Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	resp := gin.H{"records": page, "count": len(page), "hasMore": more}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Operational handlers
// -----------------------------------------------------------------------------

// runCleanup triggers a retention pass outside the monthly schedule, for
// recovery after missed runs. The janitor's own lock and marker still
// apply, so a concurrent or already-complete run reports skipped.
func (s *Server) runCleanup(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := s.janitor.Run(ctx)
	if err != nil {
		logging.L(ctx).Error("manual cleanup run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "cleanup_failed",
			"message": err.Error(),
		})
		return
	}
	if result.Skipped {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "cleanup_skipped",
			"message": result.Reason,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the retry scheduler, and the cleanup timer,
// then blocks until a shutdown signal or server error.
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

	// Start retry scheduler
	go s.scheduler.Start(runCtx)

	// Start monthly cleanup timer
	go s.janitor.Start(runCtx)

	// DB pool stats for the metrics endpoint
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (scheduler, janitor)
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

	// Stop retry scheduler
	s.scheduler.Stop()
	s.logger.Info("retry scheduler stopped")

	// Stop cleanup timer
	s.janitor.Stop()
	s.logger.Info("cleanup timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
