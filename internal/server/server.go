package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"pulseline/config"
	"pulseline/internal/cache"
	"pulseline/internal/ledger"
	"pulseline/internal/metrics"
	"pulseline/internal/realtime"
	"pulseline/pkg/logger"
)

// Server exposes the pipeline's read surfaces: the activity query API, the
// metrics and cache snapshots, and the websocket push endpoint. The
// business CRUD routes live elsewhere; this server is the pipeline's own.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
			Handler: engine,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Deps are the pipeline components the routes read from.
type Deps struct {
	Ledger   *ledger.Repository
	Cache    *cache.EntityCache
	Metrics  *metrics.Aggregator
	Hub      *realtime.Hub
	Presence PresenceReader
	Health   func(ctx context.Context) error
}

func (s *Server) SetupRoutes(deps Deps) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.engine.GET("/metrics", newMetricsHandler(deps.Metrics, deps.Ledger))
	s.engine.GET("/cache/stats", newCacheStatsHandler(deps.Cache))
	s.engine.GET("/activities", newActivitiesHandler(deps.Ledger))
	if deps.Presence != nil {
		s.engine.GET("/presence/online", newOnlineUsersHandler(deps.Presence))
	}

	wsHandler := NewWebSocketHandler(deps.Hub, s.config.Auth.JWTSecret, s.logger)
	s.engine.GET("/ws", wsHandler.Handle)
}

func (s *Server) Start() error {
	go func() {
		s.logger.Infof("starting server on port %s", s.config.Server.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("server failed: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
