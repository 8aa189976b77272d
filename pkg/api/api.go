// Package api serves the deal pipeline over HTTP.
//
// Files:
//   - api.go: server, options and routes (this file)
//   - handler.go: HTTP request handlers
//   - middleware.go: middleware functions
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phenomenon0/dealscout/core"
	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// Constants
const (
	DefaultTimeout      = 60 * time.Second
	RetryAfterSeconds   = "30"
	ServiceName         = "dealscout"
	RequestIDContextKey = "request_id"
	RequestIDHeaderKey  = "X-Request-ID"
	APIKeyHeaderKey     = "X-API-Key"
)

// DealService runs the pipeline. *pipeline.Orchestrator satisfies it.
type DealService interface {
	ListDeals(ctx context.Context, f pipeline.Filter) (*pipeline.Report, error)
	ScoreOne(ctx context.Context, query string) (*deals.Deal, error)
}

// Recorder records served requests. *metrics.DealMetrics satisfies it.
type Recorder interface {
	RecordHTTP(route, method, status string, d time.Duration)
}

// Server handles HTTP requests using the Gin framework.
type Server struct {
	service  DealService
	apiKey   string
	logger   *slog.Logger
	timeout  time.Duration
	recorder Recorder
	gatherer prometheus.Gatherer
	stream   http.HandlerFunc
	tools    *core.ToolRegistry
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records requests and serves /metrics from gatherer.
func WithMetrics(recorder Recorder, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.recorder = recorder
		s.gatherer = gatherer
	}
}

// WithStream mounts a WebSocket handler at /deals/stream.
func WithStream(h http.HandlerFunc) Option {
	return func(s *Server) {
		s.stream = h
	}
}

// WithTools serves tool descriptors at /tools.
func WithTools(registry *core.ToolRegistry) Option {
	return func(s *Server) {
		s.tools = registry
	}
}

// WithTimeout bounds each pipeline call.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a new API server.
func NewServer(service DealService, apiKey string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		service: service,
		apiKey:  apiKey,
		logger:  logger,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router configures all API routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(requestIDMiddleware())
	router.Use(s.accessLogMiddleware())
	router.Use(s.recoveryMiddleware())
	router.Use(corsMiddleware())
	if s.recorder != nil {
		router.Use(metricsMiddleware(s.recorder))
	}

	// Public
	router.GET("/healthz", s.Health)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// Actions
	authed := router.Group("/", s.authMiddleware())
	authed.GET("/deals/today", s.ListDeals)
	authed.POST("/arbitrage/score", s.ScoreItem)
	if s.stream != nil {
		authed.GET("/deals/stream", gin.WrapF(s.stream))
	}
	if s.tools != nil {
		authed.GET("/tools", s.ListTools)
		authed.POST("/tools/:name", s.InvokeTool)
	}

	return router
}

// NewHTTPServer wraps the router with the timeouts used in production.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.timeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
