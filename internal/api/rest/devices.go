package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/devices"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/gin-gonic/gin"
)

const stateReadings = 10

// deviceState is the polling fallback payload for clients without a live feed.
type deviceState struct {
	Device     devices.DeviceStatus  `json:"device"`
	Latest     *types.SensorReading  `json:"latest,omitempty"`
	Readings   []types.SensorReading `json:"readings"`
	ActiveRuns []command.ActiveRun   `json:"active_runs"`
	ServerTime time.Time             `json:"server_time"`
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	list := s.lm.Registry().List()

	if area := c.Query("area_id"); area != "" {
		filtered := make([]devices.DeviceStatus, 0, len(list))
		for _, d := range list {
			if d.AreaID != nil && *d.AreaID == area {
				filtered = append(filtered, d)
			}
		}
		list = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": list,
		"count":   len(list),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	status, ok := s.lm.Registry().Status(c.Param("id"))
	if !ok {
		respondNotFound(c, "device")
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/devices/:id/state
func (s *Server) getDeviceState(c *gin.Context) {
	deviceID := c.Param("id")
	registry := s.lm.Registry()

	status, ok := registry.Status(deviceID)
	if !ok {
		respondNotFound(c, "device")
		return
	}

	state := deviceState{
		Device:     status,
		Readings:   registry.Readings(deviceID, stateReadings),
		ActiveRuns: s.lm.Dispatcher().ActiveRuns(deviceID),
		ServerTime: time.Now().UTC(),
	}
	if latest, ok := registry.LatestReading(deviceID); ok {
		state.Latest = &latest
	}
	if state.Readings == nil {
		state.Readings = []types.SensorReading{}
	}

	c.JSON(http.StatusOK, state)
}
