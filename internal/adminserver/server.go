// Package adminserver exposes the sentinel's operator-facing surface: health
// and readiness probes, Prometheus metrics, a point-in-time status snapshot,
// and the read-only WebSocket event stream served by Hub.
//
// Grounded on the teacher's internal/server/server.go composition shape
// (gin.New, a setupMiddleware/setupRoutes split, health/liveness/readiness
// handlers keyed off atomic "healthy"/"ready" flags). The teacher's
// security.HeadersMiddleware, security.CORSMiddleware,
// validation.RequestSizeMiddleware, and ratelimit.Limiter were never carried
// into this workspace — this console is an internal operator tool behind the
// deployer's own network boundary, not a public payment surface, so it skips
// straight to recovery, metrics, and logging middleware.
package adminserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/treasury-sentinel/internal/budget"
	"github.com/mbd888/treasury-sentinel/internal/escalation"
	"github.com/mbd888/treasury-sentinel/internal/health"
	"github.com/mbd888/treasury-sentinel/internal/idgen"
	"github.com/mbd888/treasury-sentinel/internal/logging"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/store"
)

// HealthResponse mirrors the teacher's /health payload shape.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Server is the sentinel's admin HTTP surface.
type Server struct {
	router *gin.Engine
	http   *http.Server

	store   store.Store
	sm      *escalation.StateMachine
	ledger  *budget.Ledger
	hub     *Hub
	health  *health.Registry
	logger  *slog.Logger
	version string

	healthy atomic.Bool
	ready   atomic.Bool
}

// New builds the admin server. Call Serve to start listening, and call
// SetReady(true) once the caller's own startup sequence (store migration,
// scheduler warm-up) has finished.
func New(addr string, st store.Store, sm *escalation.StateMachine, ledger *budget.Ledger, hub *Hub, checks *health.Registry, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checks == nil {
		checks = health.NewRegistry()
	}
	if version == "" {
		version = "0.1.0"
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:  gin.New(),
		store:   st,
		sm:      sm,
		ledger:  ledger,
		hub:     hub,
		health:  checks,
		logger:  logger,
		version: version,
	}
	s.healthy.Store(true)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetReady flips the readiness flag surfaced by /readyz.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Serve blocks, running the HTTP server until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.healthy.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestLoggingMiddleware())
}

func (s *Server) requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req")
		}
		reqLogger := s.logger.With("request_id", requestID)
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLogger))
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		switch {
		case status >= 500:
			reqLogger.Error("request completed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			reqLogger.Warn("request completed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			reqLogger.Info("request completed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/status", s.statusHandler)
	s.router.GET("/ws", s.websocketHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthyAll, statuses := s.health.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthyAll {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// statusHandler reports the live escalation level, recent transitions,
// budget headroom, and websocket hub counters in one shot — the single page
// an operator actually watches.
func (s *Server) statusHandler(c *gin.Context) {
	resp := gin.H{
		"level":              string(s.sm.CurrentLevel()),
		"recent_transitions": s.sm.RecentTransitions(20),
	}
	if s.ledger != nil {
		st := s.ledger.Status()
		resp["budget"] = gin.H{
			"limit_micro_usdc":     st.LimitMicroUSDC.String(),
			"spent_micro_usdc":     st.SpentMicroUSDC.String(),
			"reserved_micro_usdc":  st.ReservedMicroUSDC.String(),
			"remaining_micro_usdc": st.RemainingMicroUSDC.String(),
			"blocked":              st.Blocked,
		}
	}
	if s.hub != nil {
		resp["websocket"] = s.hub.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) websocketHandler(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event hub not configured"})
		return
	}
	s.hub.HandleWebSocket(c.Writer, c.Request)
}
