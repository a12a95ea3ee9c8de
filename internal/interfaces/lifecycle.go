package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenFarmCore/internal/automation"
	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/devices"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	DeviceCount      int    `json:"device_count"`
	OnlineDevices    int    `json:"online_devices"`
	PendingCommands  int    `json:"pending_commands"`
	ConnectedClients int    `json:"connected_clients"`
	MQTTConnected    bool   `json:"mqtt_connected"`
	Schedules        int    `json:"schedules"`
}

type LifecycleManager interface {
	Config() *config.Config
	Registry() *devices.Registry
	Dispatcher() *command.Dispatcher
	Automation() *automation.Engine
	Scheduler() *automation.Scheduler
	History() storage.HistoryStore
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
