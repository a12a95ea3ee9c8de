package devices

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultOnlineThreshold = 5 * time.Minute
	DefaultHistorySize     = 50
)

type entry struct {
	device   types.Device
	readings []types.SensorReading
}

// Registry tracks known devices, their liveness and a bounded window of
// recent readings per device.
type Registry struct {
	mu              sync.RWMutex
	devices         map[string]*entry
	onlineThreshold time.Duration
	historySize     int
	now             func() time.Time
	logger          *zap.Logger
}

// DeviceStatus is a device with its derived liveness.
type DeviceStatus struct {
	types.Device
	Online bool `json:"online"`
}

func NewRegistry(onlineThreshold time.Duration, historySize int, logger *zap.Logger) *Registry {
	if onlineThreshold <= 0 {
		onlineThreshold = DefaultOnlineThreshold
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Registry{
		devices:         make(map[string]*entry),
		onlineThreshold: onlineThreshold,
		historySize:     historySize,
		now:             time.Now,
		logger:          logger,
	}
}

// SetClock replaces the time source used for liveness.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Provision registers or updates a device. Liveness and readings survive re-provisioning.
func (r *Registry) Provision(device types.Device) error {
	if device.ID == "" {
		return fmt.Errorf("device id is required")
	}
	for _, fn := range device.Capabilities {
		if _, err := types.ParseFunction(string(fn)); err != nil {
			return fmt.Errorf("device %s: %w", device.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.devices[device.ID]; ok {
		device.LastSeenAt = e.device.LastSeenAt
		e.device = device
		return nil
	}

	device.LastSeenAt = time.Time{}
	r.devices[device.ID] = &entry{device: device}

	r.logger.Info("Device provisioned",
		zap.String("device_id", device.ID),
		zap.Bool("has_area", device.Provisioned()))
	return nil
}

// Deprovision removes a device and its readings.
func (r *Registry) Deprovision(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return false
	}
	delete(r.devices, deviceID)
	return true
}

// RecordHeartbeat marks the device as seen at ts. Unknown devices are
// registered without an area until provisioned. lastSeenAt never moves back
// and never ahead of the registry clock.
func (r *Registry) RecordHeartbeat(deviceID string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.touch(deviceID, ts)
}

func (r *Registry) touch(deviceID string, ts time.Time) *entry {
	e, ok := r.devices[deviceID]
	if !ok {
		e = &entry{device: types.Device{ID: deviceID}}
		r.devices[deviceID] = e
		r.logger.Info("Unprovisioned device registered on first contact",
			zap.String("device_id", deviceID))
	}
	if now := r.now(); ts.After(now) {
		ts = now
	}
	if ts.After(e.device.LastSeenAt) {
		e.device.LastSeenAt = ts
	}
	return e
}

// IsOnline derives liveness from the age of the last heartbeat.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	return r.online(e.device)
}

func (r *Registry) online(d types.Device) bool {
	if d.LastSeenAt.IsZero() {
		return false
	}
	return r.now().Sub(d.LastSeenAt) < r.onlineThreshold
}

func (r *Registry) Get(deviceID string) (types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return types.Device{}, false
	}
	return e.device, true
}

func (r *Registry) Status(deviceID string) (DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return DeviceStatus{}, false
	}
	return DeviceStatus{Device: e.device, Online: r.online(e.device)}, true
}

// List returns all devices sorted by id.
func (r *Registry) List() []DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]DeviceStatus, 0, len(r.devices))
	for _, e := range r.devices {
		list = append(list, DeviceStatus{Device: e.device, Online: r.online(e.device)})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// AreaOf returns the area a device is assigned to, if any.
func (r *Registry) AreaOf(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[deviceID]
	if !ok || !e.device.Provisioned() {
		return "", false
	}
	return *e.device.AreaID, true
}

func (r *Registry) DevicesInArea(areaID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for id, e := range r.devices {
		if e.device.Provisioned() && *e.device.AreaID == areaID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AppendReading stores a reading, evicting the oldest beyond the window size.
// The reading also counts as a heartbeat at receipt time; the device-reported
// timestamp is not trusted for liveness.
func (r *Registry) AppendReading(reading types.SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.touch(reading.DeviceID, r.now())
	e.readings = append(e.readings, reading)
	if over := len(e.readings) - r.historySize; over > 0 {
		e.readings = e.readings[over:]
	}
}

func (r *Registry) LatestReading(deviceID string) (types.SensorReading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[deviceID]
	if !ok || len(e.readings) == 0 {
		return types.SensorReading{}, false
	}
	return e.readings[len(e.readings)-1], true
}

// Readings returns up to n most recent readings, oldest first. n <= 0 returns the full window.
func (r *Registry) Readings(deviceID string, n int) []types.SensorReading {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	start := 0
	if n > 0 && len(e.readings) > n {
		start = len(e.readings) - n
	}
	out := make([]types.SensorReading, len(e.readings)-start)
	copy(out, e.readings[start:])
	return out
}

func (r *Registry) Count() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.devices {
		total++
		if r.online(e.device) {
			online++
		}
	}
	return total, online
}
