// Package api exposes the control-plane HTTP surface: task submission and
// inspection, queue and system introspection, and analytics. Handlers stay
// thin; the services layer owns validation and error semantics, and this
// package maps its sentinel errors onto HTTP status codes.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/master-control/mcp/pkg/broker"
	"github.com/master-control/mcp/pkg/models"
	"github.com/master-control/mcp/pkg/services"
	"github.com/master-control/mcp/pkg/state"
)

const (
	readHeaderTimeout = 10 * time.Second
	// maxListLimit bounds the per-user task listing page size.
	maxListLimit = 100
)

// TaskService is the task-lifecycle surface behind the task routes.
// Satisfied by *services.TaskService.
type TaskService interface {
	Create(ctx context.Context, input services.CreateTaskInput) (*services.CreatedTask, error)
	Get(ctx context.Context, taskID string) (*models.TaskRecord, error)
	Progress(ctx context.Context, taskID string) (*services.ProgressView, error)
	Abort(ctx context.Context, taskID string) (*models.TaskRecord, error)
	List(ctx context.Context, userID string, limit int) ([]services.TaskSummary, error)
}

// SystemService is the health and queue introspection surface.
// Satisfied by *services.SystemService.
type SystemService interface {
	Status(ctx context.Context) *services.SystemStatus
	Queues(ctx context.Context) ([]broker.QueueInfo, error)
}

// AnalyticsService serves windowed aggregates over the mirrored history.
// Satisfied by *services.AnalyticsService.
type AnalyticsService interface {
	Tasks(ctx context.Context, hours int) (*state.TaskAnalytics, error)
	Agents(ctx context.Context, hours int) (*state.AgentPerformanceSummary, error)
}

// Config holds the server's listen settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Gatherer backs GET /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the control-plane HTTP server.
type Server struct {
	tasks     TaskService
	system    SystemService
	analytics AnalyticsService
	engine    *gin.Engine
	http      *http.Server
	logger    *slog.Logger
}

// NewServer assembles the router and all routes.
func NewServer(cfg Config, tasks TaskService, system SystemService, analytics AnalyticsService) *Server {
	if tasks == nil {
		panic("NewServer: tasks must not be nil")
	}
	if system == nil {
		panic("NewServer: system must not be nil")
	}
	if analytics == nil {
		panic("NewServer: analytics must not be nil")
	}

	s := &Server{
		tasks:     tasks,
		system:    system,
		analytics: analytics,
		engine:    gin.New(),
		logger:    slog.With("component", "api"),
	}
	s.engine.Use(gin.Recovery(), securityHeaders(), requestLogger(s.logger))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.engine.GET("/healthz", s.healthzHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/api/v1")
	v1.POST("/tasks", s.createTaskHandler)
	v1.GET("/tasks", s.listTasksHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.GET("/tasks/:id/progress", s.taskProgressHandler)
	v1.POST("/tasks/:id/abort", s.abortTaskHandler)
	v1.GET("/queues", s.queueStatusHandler)
	v1.GET("/system/status", s.systemStatusHandler)
	v1.GET("/analytics/tasks", s.taskAnalyticsHandler)
	v1.GET("/analytics/agents", s.agentAnalyticsHandler)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
