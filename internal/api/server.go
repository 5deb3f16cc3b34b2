// Package api exposes the session actor over HTTP: execution admission and
// inspection, interrupt control, event queries, worker control, and a
// WebSocket attach for live event streaming.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/httpmw"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/procman"
	"github.com/kandev/sessiond/internal/reaper"
	"github.com/kandev/sessiond/internal/session"
)

// Server is the HTTP surface of the session actor.
type Server struct {
	cfg       config.ServerConfig
	service   *session.Service
	instances *procman.Manager
	sweeper   *reaper.Reaper
	eventBus  bus.EventBus
	hub       *Hub
	logger    *logger.Logger
	router    *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer wires the routes. The hub must be run by the caller; instances
// and sweeper may be nil, in which case their endpoints report the feature
// as unavailable.
func NewServer(cfg config.ServerConfig, service *session.Service, instances *procman.Manager, sweeper *reaper.Reaper, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		service:   service,
		instances: instances,
		sweeper:   sweeper,
		eventBus:  eventBus,
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "api-server")),
		router:    gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "sessiond"))
	s.router.Use(httpmw.OtelTracing("sessiond"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler for mounting into an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Live event attach
	s.router.GET("/ws/sessions/:sessionId/events", s.handleEventStream)

	api := s.router.Group("/api/v1")
	{
		sessions := api.Group("/sessions/:sessionId")
		{
			sessions.POST("/executions", s.handleCreateExecution)
			sessions.GET("/executions", s.handleListExecutions)
			sessions.GET("/active-execution", s.handleActiveExecution)

			sessions.POST("/interrupt", s.handleRequestInterrupt)
			sessions.DELETE("/interrupt", s.handleClearInterrupt)
			sessions.GET("/interrupt", s.handleInterruptStatus)

			sessions.GET("/events", s.handleQueryEvents)
			sessions.GET("/events/latest-id", s.handleLatestEventID)

			sessions.POST("/worker/stop", s.handleStopWorker)
		}

		executions := api.Group("/executions/:executionId")
		{
			executions.GET("", s.handleGetExecution)
			executions.PUT("/status", s.handleUpdateExecutionStatus)
			executions.GET("/events/count", s.handleCountEvents)
		}

		admin := api.Group("/admin")
		{
			admin.DELETE("/leases/expired", s.handleSweepLeases)
		}
	}
}

// Health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
