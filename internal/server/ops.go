package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// OpsServer serves health and metrics for the worker binary, which hosts no
// API surface but records most of the pipeline's metrics.
type OpsServer struct {
	store     Store
	engine    *gin.Engine
	server    *http.Server
	startTime time.Time
}

// NewOpsServer creates the worker's metrics and health listener.
func NewOpsServer(st Store, port int) *OpsServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &OpsServer{
		store:     st,
		engine:    engine,
		startTime: time.Now(),
	}
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener stops.
func (s *OpsServer) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Ops server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down ops server...")
	return s.server.Shutdown(ctx)
}

func (s *OpsServer) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	code := http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Health check: database unreachable")
		resp.Status = "degraded"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, resp)
}
