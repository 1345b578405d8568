// Package api exposes the orchestration core over HTTP: the chat entry
// point, event and timeline reads, the live SSE event feed, and health.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/database"
	"github.com/stationd/stationd/pkg/hooks"
	"github.com/stationd/stationd/pkg/orchestrator"
	"github.com/stationd/stationd/pkg/queue"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

// TurnService is the orchestrator surface the handlers depend on.
type TurnService interface {
	Route(ctx context.Context, turn *stream.Turn, req orchestrator.RouteRequest) (*orchestrator.RouteResult, error)
	ExecuteCTA(ctx context.Context, req orchestrator.CTARequest) (*orchestrator.CTAResult, error)
	EnsureWelcome(ctx context.Context, workspaceID, profileID string) (bool, error)
}

// Submitter schedules background turns.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.RouteRequest) (*queue.Accepted, error)
}

// HookService runs the post-sync hook pipeline for a chat turn.
type HookService interface {
	OnChatSynced(ctx context.Context, req hooks.Request) *hooks.Results
}

// Server is the HTTP surface.
type Server struct {
	logger *slog.Logger
	cfg    *config.Config
	store  store.Store
	orch   TurnService
	runner Submitter
	hooks  HookService
	db     *sql.DB

	engine *gin.Engine

	// pollInterval drives the SSE feed's store polling.
	pollInterval time.Duration
	// heartbeatInterval drives the SSE comment heartbeat.
	heartbeatInterval time.Duration
}

// NewServer wires the routes. hookRunner and db may be nil; the hook
// endpoint is then absent and health reports the process only.
func NewServer(logger *slog.Logger, cfg *config.Config, st store.Store, orch TurnService, runner Submitter, hookRunner HookService, db *sql.DB) *Server {
	s := &Server{
		logger:            logger.With("component", "api"),
		cfg:               cfg,
		store:             st,
		orch:              orch,
		runner:            runner,
		hooks:             hookRunner,
		db:                db,
		pollInterval:      time.Second,
		heartbeatInterval: 30 * time.Second,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	if len(cfg.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	engine.GET("/healthz", s.handleHealth)
	ws := engine.Group("/workspaces/:workspace_id")
	{
		ws.POST("/chat", s.handleChat)
		ws.GET("/events", s.handleEvents)
		ws.GET("/timeline", s.handleTimeline)
		ws.GET("/events/stream", s.handleEventStream)
		if s.hooks != nil {
			ws.POST("/hooks/chat-synced", s.handleChatSynced)
		}
	}

	s.engine = engine
	return s
}

// Engine exposes the router for embedding and tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return s.engine.Run(addr)
}

// HTTPServer returns a configured http.Server for graceful shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	status, err := database.Health(c.Request.Context(), s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
