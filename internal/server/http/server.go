// Package http exposes the orchestrator over HTTP: an execute endpoint that
// streams events as SSE, a WebSocket attach endpoint for running tasks, and
// operational surfaces for stats, decisions, health and metrics.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/conversation"
	"prism/internal/errors"
	"prism/internal/logging"
	"prism/internal/observability"
	"prism/internal/orchestrator"
	"prism/internal/policy"
	"prism/internal/provider"
	"prism/internal/quantum"
	"prism/internal/routing"
)

// Deps bundles what the HTTP surface serves. Coordinator and Router are
// required; the rest enrich stats and telemetry when present.
type Deps struct {
	Coordinator   *orchestrator.Coordinator
	Router        *routing.Router
	Providers     provider.Registry
	Caches        *cache.Registry
	Conversations *conversation.Manager
	Executor      *quantum.Executor
	Agent         *policy.Agent
	Gatherer      prometheus.Gatherer
	Telemetry     *observability.MetricsCollector
	Tracer        *observability.TracerProvider
	Logger        logging.Logger
}

// Server owns the gin engine and the http.Server around it.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	logger logging.Logger

	started time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Coordinator == nil || deps.Router == nil {
		return nil, errors.Internalf("http server is missing a required dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("http")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		engine:  engine,
		logger:  logger,
		started: time.Now(),
	}
	s.routes()

	// WriteTimeout stays zero: SSE and WebSocket responses are held open
	// for the lifetime of the task.
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed engine, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.cfg.Addr())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.http.Shutdown(ctx)
}
