// Package server is the reference transport: a gin router that streams turns
// over SSE, fans project events over WebSocket, and exposes CRUD for
// conversations, settings and published apps. The engine never imports this
// package; the dependency runs one way.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"milo/internal/agent"
	"milo/internal/agent/ports"
	"milo/internal/logging"
	"milo/internal/observability"
	"milo/internal/project"
	"milo/internal/watch"
)

// TurnRunner runs one conversation turn and yields its chunk stream. The
// agent engine implements it; tests substitute a scripted runner.
type TurnRunner interface {
	Run(ctx context.Context, req agent.TurnRequest) (<-chan ports.StreamChunk, error)
}

// Config carries the listener and project-root settings.
type Config struct {
	Host         string
	Port         int
	ProjectsDir  string
	Version      string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps wires the transport's collaborators. Engine, Store and Auth are
// required; the rest degrade to 404/501 responses or missing routes.
type Deps struct {
	Engine     TurnRunner
	Store      ports.Persistence
	Apps       ports.PublishedApps
	Supervisor *project.Supervisor
	Watch      *watch.Hub
	Auth       ports.Auth
	Prober     ports.ModelProber
	Metrics    *observability.Metrics
	Logger     logging.Logger
}

// Server owns the gin engine and the underlying http.Server.
type Server struct {
	cfg    Config
	deps   Deps
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time
}

// New builds the router. It does not listen yet; call Start.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("server: turn runner is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("server: persistence store is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("server: auth is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.OrNop(deps.Logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     engine,
		ReadTimeout: cfg.ReadTimeout,
		// No WriteTimeout: it would cut off SSE and WebSocket streams.
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	authed := api.Group("", s.requireAuth)

	authed.GET("/models", s.handleListModels)

	authed.POST("/conversations", s.handleCreateConversation)
	authed.GET("/conversations", s.handleListConversations)
	authed.GET("/conversations/:id", s.handleGetConversation)
	authed.PUT("/conversations/:id", s.handleUpdateConversation)
	authed.DELETE("/conversations/:id", s.handleDeleteConversation)
	authed.GET("/conversations/:id/messages", s.handleListMessages)
	authed.POST("/conversations/:id/messages", s.handleSendMessage)
	authed.GET("/conversations/:id/events", s.handleEvents)
	authed.GET("/conversations/:id/changes", s.handleChangeLog)

	authed.POST("/conversations/:id/project/start", s.handleProjectStart)
	authed.POST("/conversations/:id/project/stop", s.handleProjectStop)
	authed.GET("/conversations/:id/project/logs", s.handleProjectLogs)
	authed.GET("/conversations/:id/project/status", s.handleProjectStatus)
	authed.GET("/projects", s.handleProjectSnapshot)

	authed.GET("/settings", s.handleGetSettings)
	authed.PUT("/settings", s.handleSaveSettings)

	if s.deps.Apps != nil {
		authed.POST("/apps", s.handlePublishApp)
		authed.GET("/apps", s.handleListApps)
		authed.DELETE("/apps/:id", s.handleUnpublishApp)
	}

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop or a listener error. http.ErrServerClosed is the
// normal shutdown outcome and is not returned.
func (s *Server) Start() error {
	s.logger.Info("API server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}
