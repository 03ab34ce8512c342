// Package server is the HTTP delivery layer: gin routes over the research
// engine, the task registry, and the session store, plus the WebSocket
// progress stream. Handlers stay thin; all semantics live in the core.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deepresearch/internal/config"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/research"
	"deepresearch/internal/session"
	"deepresearch/internal/task"
)

// Deps carries the collaborators the server routes to.
type Deps struct {
	Research    *research.Engine
	Registry    *task.Registry
	Broadcaster *task.Broadcaster
	Store       session.Store
	Catalog     *llm.Catalog
	Metrics     http.Handler
	Logger      logging.Logger
}

// Server serves the research and session APIs.
type Server struct {
	cfg      config.Config
	engine   *gin.Engine
	http     *http.Server
	deps     Deps
	upgrader websocket.Upgrader
	logger   logging.Logger
	started  time.Time
}

// New builds the server and registers all routes.
func New(cfg config.Config, deps Deps) *Server {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.Server.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logging.OrNop(deps.Logger),
		started: time.Now(),
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	r := s.engine.Group("/research")
	{
		r.POST("/start", s.handleStart)
		r.POST("/questions", s.handleQuestions)
		r.POST("/plan", s.handlePlan)
		r.POST("/execute", s.handleExecuteGrounded)
		r.POST("/execute-tavily", s.handleExecuteExternal)
		r.POST("/final-report", s.handleFinalReport)
		r.POST("/customexport", s.handleCustomExport)
		r.GET("/status/:task_id", s.handleStatus)
		r.GET("/report/:task_id", s.handleReport)
		r.DELETE("/cancel/:task_id", s.handleCancel)
		r.GET("/list", s.handleListTasks)
		r.GET("/models", s.handleModels)
		r.GET("/ws/:task_id", s.handleWebSocket)
	}

	sess := s.engine.Group("/sessions")
	{
		sess.POST("", s.handleSessionCreate)
		sess.GET("/list", s.handleSessionList)
		sess.GET("/storage/stats", s.handleStorageStats)
		sess.POST("/cleanup", s.handleSessionCleanup)
		sess.GET("/:id", s.handleSessionGet)
		sess.PUT("/:id", s.handleSessionUpdate)
		sess.DELETE("/:id", s.handleSessionDelete)
		sess.POST("/:id/save-state", s.handleSaveState)
		sess.POST("/:id/restore", s.handleRestore)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}
