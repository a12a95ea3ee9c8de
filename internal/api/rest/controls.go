package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type commandResponse struct {
	EventID  uuid.UUID       `json:"event_id"`
	DeviceID string          `json:"device_id"`
	Function types.Function  `json:"function"`
	Action   string          `json:"action"`
	Status   string          `json:"status"`
	Ack      types.DeviceAck `json:"ack"`
}

type durationRequest struct {
	Seconds int `json:"seconds" binding:"required,min=1"`
}

type autoConfigRequest struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
	Duration  int     `json:"duration"`
	Cooldown  int     `json:"cooldown"`
}

// POST /api/v1/devices/:id/{function}/on
func (s *Server) switchOn(fn types.Function) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.execute(c, command.Request{
			DeviceID:  c.Param("id"),
			Function:  fn,
			Action:    types.OnAction(fn),
			EventType: storage.EventManualOn,
		})
	}
}

// POST /api/v1/devices/:id/{function}/off
func (s *Server) switchOff(fn types.Function) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.execute(c, command.Request{
			DeviceID:  c.Param("id"),
			Function:  fn,
			Action:    types.OffAction(fn),
			EventType: storage.EventManualOff,
		})
	}
}

// POST /api/v1/devices/:id/{function}/duration
func (s *Server) runForDuration(fn types.Function) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req durationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "seconds must be a positive integer", err)
			return
		}

		s.execute(c, command.Request{
			DeviceID:  c.Param("id"),
			Function:  fn,
			Action:    types.OnAction(fn),
			EventType: storage.EventDuration,
			Duration:  time.Duration(req.Seconds) * time.Second,
		})
	}
}

// execute dispatches req and waits for the acknowledgment. A client that
// disconnects cancels the command.
func (s *Server) execute(c *gin.Context, req command.Request) {
	if reading, ok := s.lm.Registry().LatestReading(req.DeviceID); ok {
		req.Before = &reading
	}

	dispatcher := s.lm.Dispatcher()
	dispatch := dispatcher.Dispatch
	if force, _ := strconv.ParseBool(c.Query("force")); force {
		dispatch = dispatcher.ForceDispatch
	}

	ctx := c.Request.Context()
	h, err := dispatch(ctx, req)
	if err != nil {
		respondCommandError(c, err)
		return
	}

	ack, err := h.Wait(ctx)
	if err != nil {
		s.logger.Warn("Command not acknowledged",
			zap.String("device_id", req.DeviceID),
			zap.String("action", req.Action),
			zap.String("event_id", h.EventID.String()),
			zap.Error(err))
		respondCommandError(c, err)
		return
	}

	c.JSON(http.StatusOK, commandResponse{
		EventID:  h.EventID,
		DeviceID: req.DeviceID,
		Function: req.Function,
		Action:   req.Action,
		Status:   "acknowledged",
		Ack:      ack,
	})
}

// GET /api/v1/devices/:id/{function}/auto-config
func (s *Server) getAutoConfig(fn types.Function) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.Param("id")
		if _, ok := s.lm.Registry().Get(deviceID); !ok {
			respondNotFound(c, "device")
			return
		}

		cfg, ok := s.lm.Automation().Configs().Get(deviceID, fn)
		c.JSON(http.StatusOK, gin.H{
			"device_id":  deviceID,
			"function":   fn,
			"configured": ok,
			"config":     cfg,
		})
	}
}

// PUT /api/v1/devices/:id/{function}/auto-config
func (s *Server) updateAutoConfig(fn types.Function) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req autoConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid request body", err)
			return
		}

		cfg := types.AutomationConfig{
			Enabled:         req.Enabled,
			Threshold:       req.Threshold,
			TriggerDuration: req.Duration,
			CooldownPeriod:  req.Cooldown,
		}
		if err := cfg.Validate(fn); err != nil {
			respondBadRequest(c, "invalid automation config", err)
			return
		}

		deviceID := c.Param("id")
		stored, err := s.lm.Automation().UpdateConfig(c.Request.Context(), deviceID, fn, cfg)
		if err != nil {
			respondCommandError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"device_id": deviceID,
			"function":  fn,
			"config":    stored,
		})
	}
}

// GET /api/v1/devices/:id/{function}/history?limit=N
func (s *Server) getHistory(fn types.Function) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				respondBadRequest(c, "limit must be a positive integer", err)
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		deviceID := c.Param("id")
		events, err := s.lm.History().Latest(c.Request.Context(), deviceID, fn, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "failed to load history", err.Error()))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"device_id": deviceID,
			"function":  fn,
			"events":    events,
			"count":     len(events),
		})
	}
}
