package types

import (
	"fmt"
	"time"
)

// Function is a controllable output of a field device.
type Function string

const (
	FunctionIrrigation Function = "irrigation"
	FunctionLighting   Function = "lighting"
)

// Functions lists every controllable function in evaluation order.
var Functions = []Function{FunctionIrrigation, FunctionLighting}

func ParseFunction(s string) (Function, error) {
	switch Function(s) {
	case FunctionIrrigation, FunctionLighting:
		return Function(s), nil
	default:
		return "", fmt.Errorf("unknown function: %q", s)
	}
}

// Device actions understood by the firmware.
const (
	ActionPumpOn               = "pump_on"
	ActionPumpOff              = "pump_off"
	ActionLightOn              = "light_on"
	ActionLightOff             = "light_off"
	ActionAutoIrrigationConfig = "auto_irrigation_config"
	ActionAutoLightingConfig   = "auto_lighting_config"
)

func OnAction(fn Function) string {
	if fn == FunctionLighting {
		return ActionLightOn
	}
	return ActionPumpOn
}

func OffAction(fn Function) string {
	if fn == FunctionLighting {
		return ActionLightOff
	}
	return ActionPumpOff
}

func ConfigAction(fn Function) string {
	if fn == FunctionLighting {
		return ActionAutoLightingConfig
	}
	return ActionAutoIrrigationConfig
}

// FunctionOf maps a device action back to the function it controls.
func FunctionOf(action string) (Function, bool) {
	switch action {
	case ActionPumpOn, ActionPumpOff, ActionAutoIrrigationConfig:
		return FunctionIrrigation, true
	case ActionLightOn, ActionLightOff, ActionAutoLightingConfig:
		return FunctionLighting, true
	default:
		return "", false
	}
}

type Device struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name,omitempty" yaml:"name"`
	Type         string     `json:"type,omitempty" yaml:"type"`
	AreaID       *string    `json:"area_id,omitempty" yaml:"area_id"`
	Capabilities []Function `json:"capabilities" yaml:"capabilities"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
}

func (d Device) HasCapability(fn Function) bool {
	for _, c := range d.Capabilities {
		if c == fn {
			return true
		}
	}
	return false
}

// Provisioned reports whether the device has been assigned to an area.
func (d Device) Provisioned() bool {
	return d.AreaID != nil && *d.AreaID != ""
}

type SensorReading struct {
	DeviceID     string    `json:"deviceId"`
	Temperature  float64   `json:"temperature"`
	Humidity     float64   `json:"humidity"`
	SoilMoisture float64   `json:"soilMoisture"`
	LightLevel   float64   `json:"lightLevel"`
	Timestamp    time.Time `json:"timestamp"`
}

type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
)

// DeviceAck is a parsed status message answering a command.
type DeviceAck struct {
	DeviceID  string    `json:"deviceId"`
	Action    string    `json:"action"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// AutomationConfig drives threshold triggering for one device function.
// Durations are whole seconds, matching the device configuration payload.
type AutomationConfig struct {
	Enabled         bool      `json:"enabled"`
	Threshold       float64   `json:"threshold"`
	TriggerDuration int       `json:"triggerDuration"`
	CooldownPeriod  int       `json:"cooldownPeriod"`
	LastTriggerAt   time.Time `json:"lastTriggerAt,omitempty"`
}

func (c AutomationConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownPeriod) * time.Second
}

func (c AutomationConfig) Duration() time.Duration {
	return time.Duration(c.TriggerDuration) * time.Second
}

// CooldownElapsed reports whether a new trigger decided at now respects the cooldown.
func (c AutomationConfig) CooldownElapsed(now time.Time) bool {
	if c.LastTriggerAt.IsZero() {
		return true
	}
	return now.Sub(c.LastTriggerAt) >= c.Cooldown()
}

func (c AutomationConfig) Validate(fn Function) error {
	if c.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	if c.CooldownPeriod < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if c.TriggerDuration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if fn == FunctionIrrigation && c.Enabled && c.TriggerDuration == 0 {
		return fmt.Errorf("irrigation automation requires a trigger duration")
	}
	return nil
}
