package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenFarmCore/internal/automation"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type scheduleRequest struct {
	Function string `json:"function" binding:"required"`
	Spec     string `json:"spec" binding:"required"`
	Duration int    `json:"duration"`
	Enabled  *bool  `json:"enabled"`
}

// GET /api/v1/devices/:id/schedules
func (s *Server) listSchedules(c *gin.Context) {
	deviceID := c.Param("id")
	if _, ok := s.lm.Registry().Get(deviceID); !ok {
		respondNotFound(c, "device")
		return
	}

	schedules := s.lm.Scheduler().List(deviceID)
	c.JSON(http.StatusOK, gin.H{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

// POST /api/v1/devices/:id/schedules
func (s *Server) createSchedule(c *gin.Context) {
	deviceID := c.Param("id")
	device, ok := s.lm.Registry().Get(deviceID)
	if !ok {
		respondNotFound(c, "device")
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body", err)
		return
	}

	fn, err := types.ParseFunction(req.Function)
	if err != nil {
		respondBadRequest(c, "invalid function", err)
		return
	}
	if len(device.Capabilities) > 0 && !device.HasCapability(fn) {
		respondBadRequest(c, "device does not support this function", nil)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	sched, err := s.lm.Scheduler().Add(automation.Schedule{
		DeviceID: deviceID,
		Function: fn,
		Spec:     req.Spec,
		Duration: req.Duration,
		Enabled:  enabled,
	})
	if err != nil {
		respondBadRequest(c, "invalid schedule", err)
		return
	}

	c.JSON(http.StatusCreated, sched)
}

// DELETE /api/v1/devices/:id/schedules/:scheduleId
func (s *Server) deleteSchedule(c *gin.Context) {
	id, err := uuid.Parse(c.Param("scheduleId"))
	if err != nil {
		respondBadRequest(c, "invalid schedule id", err)
		return
	}

	scheduler := s.lm.Scheduler()
	sched, ok := scheduler.Get(id)
	if !ok || sched.DeviceID != c.Param("id") {
		respondNotFound(c, "schedule")
		return
	}

	if err := scheduler.Remove(id); err != nil {
		respondNotFound(c, "schedule")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Schedule deleted successfully",
	})
}
