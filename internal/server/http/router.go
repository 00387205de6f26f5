package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() {
	s.engine.Use(requestIDMiddleware(s.logger))
	s.engine.Use(corsMiddleware(s.cfg.CORSOrigins))

	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(s.metricsHandler()))

	api := s.engine.Group("/api/v1")
	api.Use(rateLimitMiddleware(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	{
		api.POST("/execute", s.handleExecute)
		api.GET("/stream/:task_id", s.handleStream)
		api.GET("/stats", s.handleStats)
		api.GET("/decisions", s.handleDecisions)
	}
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer != nil {
		return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	cfg.AllowWebSockets = true
	cfg.MaxAge = 12 * time.Hour
	if allowAll(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func allowAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
