package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFarmCore/internal/auth"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/interfaces"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router   *gin.Engine
	lm       interfaces.LifecycleManager
	logger   *zap.Logger
	server   *http.Server
	wsHub    *websocket.Hub
	verifier *auth.Verifier
	metrics  *metrics.Metrics
}

// NewServer builds the HTTP API. A nil verifier disables authentication.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, verifier *auth.Verifier, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		lm:       lm,
		logger:   logger,
		wsHub:    wsHub,
		verifier: verifier,
		metrics:  m,
	}
	s.router.Use(gin.Recovery())

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	authenticate := auth.Middleware(s.verifier)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== SYSTEM (VIEWER+) ====================
		system := v1.Group("/system")
		system.Use(authenticate)
		system.Use(auth.RequirePermission(auth.PermViewer))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		devices.Use(authenticate)
		{
			// Read operations: Viewer+
			devices.GET("", auth.RequirePermission(auth.PermViewer), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermViewer), s.getDevice)
			devices.GET("/:id/state", auth.RequirePermission(auth.PermViewer), s.getDeviceState)

			// Irrigation and lighting share one set of handlers
			for _, fn := range types.Functions {
				base := "/:id/" + string(fn)
				devices.GET(base+"/history", auth.RequirePermission(auth.PermViewer), s.getHistory(fn))
				devices.GET(base+"/auto-config", auth.RequirePermission(auth.PermViewer), s.getAutoConfig(fn))

				// Commands: Operator+
				devices.POST(base+"/on", auth.RequirePermission(auth.PermOperator), s.switchOn(fn))
				devices.POST(base+"/off", auth.RequirePermission(auth.PermOperator), s.switchOff(fn))
				devices.POST(base+"/duration", auth.RequirePermission(auth.PermOperator), s.runForDuration(fn))
				devices.PUT(base+"/auto-config", auth.RequirePermission(auth.PermOperator), s.updateAutoConfig(fn))
			}

			// Schedules: read Viewer+, modify Admin
			devices.GET("/:id/schedules", auth.RequirePermission(auth.PermViewer), s.listSchedules)
			devices.POST("/:id/schedules", auth.RequirePermission(auth.PermAdmin), s.createSchedule)
			devices.DELETE("/:id/schedules/:scheduleId", auth.RequirePermission(auth.PermAdmin), s.deleteSchedule)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", authenticate, auth.RequirePermission(auth.PermViewer), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"state":          status.State,
		"mqtt_connected": status.MQTTConnected,
		"timestamp":      time.Now().Unix(),
	})
}
