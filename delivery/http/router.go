// Package http exposes the detection engine over a REST API: event and
// behavior analysis, incident and alert operations and the model lifecycle.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

// ReadinessCheck probes one backing dependency. A non-nil error marks the
// service not ready.
type ReadinessCheck func(ctx context.Context) error

// Server is the HTTP front of the engine.
type Server struct {
	server  *http.Server
	router  *gin.Engine
	cfg     config.Config
	logger  *logging.Logger
	checks  map[string]ReadinessCheck
	metrics *metrics.Collector
}

// NewServer builds the router with middleware and all routes registered.
func NewServer(
	cfg config.Config,
	handlers *Handlers,
	collector *metrics.Collector,
	logger *logging.Logger,
	checks map[string]ReadinessCheck,
) *Server {
	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		cfg:     cfg,
		logger:  logger.WithComponent("http"),
		checks:  checks,
		metrics: collector,
	}

	router.Use(requestID())
	router.Use(requestLogger(s.logger))
	router.Use(httpMetrics(collector))

	s.registerRoutes(handlers)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes(handlers *Handlers) {
	s.router.GET("/health", s.health)
	s.router.GET("/ready", s.ready)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(jwtAuth(s.cfg.Auth))

	analysis := api.Group("")
	if s.cfg.Server.RateLimitRPS > 0 {
		analysis.Use(rateLimit(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst))
	}
	analysis.POST("/events/analyze", handlers.AnalyzeEvent)
	analysis.POST("/events/analyze/batch", handlers.AnalyzeBatch)
	analysis.POST("/behavior/analyze", handlers.AnalyzeBehavior)

	api.GET("/baselines/:entityID", handlers.GetBaseline)
	api.POST("/baselines/:entityID/reset", handlers.ResetBaseline)

	api.GET("/incidents", handlers.ListIncidents)
	api.GET("/incidents/:id", handlers.GetIncident)
	api.POST("/incidents/:id/correlate", handlers.CorrelateIncident)
	api.POST("/incidents/:id/status", handlers.UpdateIncidentStatus)

	api.GET("/alerts", handlers.ListAlerts)
	api.GET("/alerts/:id", handlers.GetAlert)
	api.POST("/alerts/:id/acknowledge", handlers.AcknowledgeAlert)
	api.POST("/alerts/:id/dismiss", handlers.DismissAlert)
	api.POST("/alerts/:id/escalate", handlers.EscalateAlert)
	api.POST("/alerts/:id/resolve", handlers.ResolveAlert)

	api.GET("/models/:type", handlers.GetModel)
	api.POST("/models/:type/retrain", handlers.RetrainModel)
	api.POST("/models/:type/rollback", handlers.RollbackModel)
	api.POST("/models/:type/outcomes", handlers.RecordOutcome)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: s.cfg.Service.Name,
		Version: s.cfg.Service.Version,
	})
}

func (s *Server) ready(c *gin.Context) {
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "failures": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the underlying handler, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server starting", logging.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
