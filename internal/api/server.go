// Package api is the daemon's localhost control surface: status,
// discovery triggers, lighting overrides, and cache maintenance. It
// stands in for a UI and only feeds the same typed settings the
// engine already reads.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"twinklysync/internal/device"
	"twinklysync/internal/discovery"
	"twinklysync/internal/render"
)

// DeviceService is the slice of the device manager the API drives.
type DeviceService interface {
	Devices() []device.Info
	SetLighting(id string, mode render.Mode, color *render.RGB) error
	SetPower(id string, on bool) error
	Forget(id string) error
	PurgeCache() error
}

// DiscoveryService triggers scan rounds and manual candidates.
type DiscoveryService interface {
	Scan(ctx context.Context) []discovery.Candidate
	Force(ctx context.Context, ip string) (discovery.Candidate, error)
}

type Server struct {
	router    *gin.Engine
	devices   DeviceService
	discovery DiscoveryService
	logger    *zap.Logger
	server    *http.Server
	started   time.Time
}

func NewServer(listen string, devices DeviceService, disc DiscoveryService, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		devices:   devices,
		discovery: disc,
		logger:    logger.Named("api"),
		started:   time.Now(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	s.logger.Info("control api listening", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api failed", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.POST("/discover", s.postDiscover)
		api.POST("/devices/:id/lighting", s.postLighting)
		api.POST("/devices/:id/power", s.postPower)
		api.DELETE("/devices/:id", s.deleteDevice)
		api.DELETE("/cache", s.deleteCache)
	}
}

// GET /api/status
func (s *Server) getStatus(c *gin.Context) {
	devices := s.devices.Devices()
	c.JSON(http.StatusOK, gin.H{
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"count":   len(devices),
		"devices": devices,
	})
}

// POST /api/discover
func (s *Server) postDiscover(c *gin.Context) {
	var req struct {
		IP string `json:"ip"`
	}
	// An empty body is a plain broadcast request.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.IP == "" {
		go s.discovery.Scan(context.Background())
		c.JSON(http.StatusAccepted, gin.H{"message": "scan started"})
		return
	}

	cand, err := s.discovery.Force(c.Request.Context(), req.IP)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, device.ErrUnsupported) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error(), "candidate": cand})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidate": cand})
}

// POST /api/devices/:id/lighting
func (s *Server) postLighting(c *gin.Context) {
	var req struct {
		Mode  string      `json:"mode" binding:"required"`
		Color *render.RGB `json:"color"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := render.Mode(req.Mode)
	if mode != render.ModeCanvas && mode != render.ModeForced {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be canvas or forced"})
		return
	}

	if err := s.devices.SetLighting(c.Param("id"), mode, req.Color); err != nil {
		s.respondDeviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "lighting updated"})
}

// POST /api/devices/:id/power
func (s *Server) postPower(c *gin.Context) {
	var req struct {
		On *bool `json:"on" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.devices.SetPower(c.Param("id"), *req.On); err != nil {
		s.respondDeviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "power updated"})
}

// DELETE /api/devices/:id
func (s *Server) deleteDevice(c *gin.Context) {
	if err := s.devices.Forget(c.Param("id")); err != nil {
		s.respondDeviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device forgotten"})
}

// DELETE /api/cache
func (s *Server) deleteCache(c *gin.Context) {
	if err := s.devices.PurgeCache(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cache purged"})
}

func (s *Server) respondDeviceError(c *gin.Context, err error) {
	if errors.Is(err, device.ErrUnknownDevice) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
