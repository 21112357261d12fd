// Package api provides the local HTTP control API for the photosync agent.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/config"
	"github.com/imagecount/photosync/internal/discovery"
	"github.com/imagecount/photosync/internal/status"
	"github.com/imagecount/photosync/internal/transfer"
)

// Agent is the part of the photosync agent the API drives.
type Agent interface {
	GrantPermission(granted bool)
	RequestDiscoveryStart() error
	DiscoveryState() discovery.State
	Endpoint() (discovery.Endpoint, bool)
	RequestTransferStart() error
	IsTransferring() bool
	LastTransfer() (transfer.Summary, bool)
	ImageCount(ctx context.Context) int
	StatusLog() *status.Log
}

// Server represents the HTTP API server.
type Server struct {
	config config.ServerConfig
	agent  Agent
	logger *zap.SugaredLogger
	router *gin.Engine
}

// New creates a new API server.
func New(cfg config.ServerConfig, agent Agent, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config: cfg,
		agent:  agent,
		logger: logger,
		router: gin.New(),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/permission", s.permissionHandler)

		v1.POST("/discovery/start", s.startDiscoveryHandler)
		v1.GET("/discovery/status", s.discoveryStatusHandler)

		v1.POST("/transfer/start", s.startTransferHandler)
		v1.GET("/transfer/status", s.transferStatusHandler)

		v1.GET("/images/count", s.imageCountHandler)

		v1.GET("/status", s.statusHandler)
		v1.GET("/status/stream", s.statusStreamHandler)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		c.Next()

		s.logger.Debugw("Request completed",
			"path", path,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
		)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "photosync-agent",
	})
}

// Ready once discovery has been started at least once.
func (s *Server) readyHandler(c *gin.Context) {
	state := s.agent.DiscoveryState()
	code := http.StatusOK
	ready := "ready"
	if state == discovery.StateIdle {
		code = http.StatusServiceUnavailable
		ready = "not_ready"
	}
	c.JSON(code, gin.H{
		"status":    ready,
		"service":   "photosync-agent",
		"discovery": state,
	})
}

func (s *Server) permissionHandler(c *gin.Context) {
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "granted flag required",
		})
		return
	}

	s.agent.GrantPermission(*req.Granted)
	c.JSON(http.StatusOK, gin.H{
		"granted":   *req.Granted,
		"discovery": s.agent.DiscoveryState(),
	})
}

func (s *Server) startDiscoveryHandler(c *gin.Context) {
	if err := s.agent.RequestDiscoveryStart(); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "started",
		"message": "Service discovery started",
	})
}

func (s *Server) discoveryStatusHandler(c *gin.Context) {
	resp := DiscoveryStatus{State: s.agent.DiscoveryState()}
	if ep, ok := s.agent.Endpoint(); ok {
		resp.Endpoint = &EndpointInfo{
			Instance: ep.Instance,
			Host:     ep.Host,
			Port:     ep.Port,
			URL:      ep.URL(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startTransferHandler(c *gin.Context) {
	err := s.agent.RequestTransferStart()
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"status":  "started",
			"message": "Image transfer started",
		})
	case errors.Is(err, transfer.ErrAlreadyRunning), errors.Is(err, transfer.ErrNoEndpoint):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
	}
}

func (s *Server) transferStatusHandler(c *gin.Context) {
	resp := TransferStatus{Running: s.agent.IsTransferring(), Status: "idle"}
	if resp.Running {
		resp.Status = "running"
	}
	if summary, ok := s.agent.LastTransfer(); ok {
		resp.Last = &summary
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) imageCountHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count": s.agent.ImageCount(c.Request.Context()),
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	log := s.agent.StatusLog()
	c.JSON(http.StatusOK, StatusResponse{
		Capacity: log.Capacity(),
		Events:   log.Snapshot(),
	})
}

// statusStreamHandler replays the current snapshot oldest first and then
// streams new events as server-sent events until the client goes away.
func (s *Server) statusStreamHandler(c *gin.Context) {
	log := s.agent.StatusLog()
	events, cancel := log.Subscribe(0)
	defer cancel()

	snapshot := log.Snapshot()
	for i := len(snapshot) - 1; i >= 0; i-- {
		c.SSEvent(string(snapshot[i].Severity), snapshot[i])
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Severity), ev)
			return true
		}
	})
}
