package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/mqtt"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// commandErrors is checked in order; the first match wins.
var commandErrors = []errorMapping{
	{command.ErrInvalidRequest, http.StatusBadRequest, types.CodeInvalidRequest, "invalid command request"},
	{command.ErrUnsupportedFunction, http.StatusBadRequest, "UNSUPPORTED_FUNCTION", "device does not support this function"},
	{command.ErrDeviceNotFound, http.StatusNotFound, "DEVICE_NOT_FOUND", "device not found"},
	{command.ErrDeviceOffline, http.StatusServiceUnavailable, "DEVICE_OFFLINE", "device is offline"},
	{command.ErrCommandAlreadyInFlight, http.StatusConflict, "COMMAND_IN_FLIGHT", "a command for this action is already awaiting acknowledgment"},
	{command.ErrCommandTimeout, http.StatusGatewayTimeout, "COMMAND_TIMEOUT", "no response from device"},
	{command.ErrCommandCancelled, http.StatusConflict, "COMMAND_CANCELLED", "command was cancelled"},
	{command.ErrCommandRejected, http.StatusBadGateway, "COMMAND_REJECTED", "device reported failure"},
	{mqtt.ErrNotConnected, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE", "message broker is not connected"},
}

// respondCommandError writes the API error for a failed dispatch or wait.
func respondCommandError(c *gin.Context, err error) {
	_ = c.Error(err)
	for _, m := range commandErrors {
		if errors.Is(err, m.target) {
			c.JSON(m.status, types.NewErrorResponse(m.code, m.message, err.Error()))
			return
		}
	}
	c.JSON(http.StatusInternalServerError, types.NewErrorResponse("COMMAND_FAILED", "command failed", err.Error()))
}

func respondNotFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, what+" not found", nil))
}

func respondBadRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidRequest, message, types.ErrorDetails(err)))
}
