package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
)

var (
	ErrEventNotFound     = errors.New("control event not found")
	ErrInvalidTransition = errors.New("invalid control event transition")
)

type EventType string

const (
	EventManualOn         EventType = "manual_on"
	EventManualOff        EventType = "manual_off"
	EventDuration         EventType = "duration"
	EventAuto             EventType = "auto"
	EventAutoConfigUpdate EventType = "auto_config_update"
	EventSchedule         EventType = "schedule"
)

type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusRunning   EventStatus = "running"
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
	StatusCancelled EventStatus = "cancelled"
)

func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var validTransitions = map[EventStatus][]EventStatus{
	StatusPending: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ValidateTransition checks a status change against the event lifecycle.
// Finalized events accept no further transitions.
func ValidateTransition(from, to EventStatus) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// sourcesFor returns the statuses an event may be in to move to `to`.
func sourcesFor(to EventStatus) []string {
	var from []string
	for src, targets := range validTransitions {
		for _, t := range targets {
			if t == to {
				from = append(from, string(src))
			}
		}
	}
	return from
}

// ControlEvent is one irrigation or lighting history entry.
type ControlEvent struct {
	ID              uuid.UUID               `json:"id"`
	DeviceID        string                  `json:"device_id"`
	Function        types.Function          `json:"function"`
	Type            EventType               `json:"type"`
	Status          EventStatus             `json:"status"`
	Action          string                  `json:"action"`
	Reason          string                  `json:"reason,omitempty"`
	PlannedDuration *int                    `json:"planned_duration,omitempty"`
	ActualDuration  *int                    `json:"actual_duration,omitempty"`
	Before          *types.SensorReading    `json:"before,omitempty"`
	After           *types.SensorReading    `json:"after,omitempty"`
	Config          *types.AutomationConfig `json:"config,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares no pointers with ev.
func (ev *ControlEvent) Clone() *ControlEvent {
	c := *ev
	c.PlannedDuration = clonePtr(ev.PlannedDuration)
	c.ActualDuration = clonePtr(ev.ActualDuration)
	c.Before = clonePtr(ev.Before)
	c.After = clonePtr(ev.After)
	c.Config = clonePtr(ev.Config)
	c.StartedAt = clonePtr(ev.StartedAt)
	c.FinishedAt = clonePtr(ev.FinishedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Outcome carries the data recorded when an event completes.
type Outcome struct {
	After          *types.SensorReading
	ActualDuration *int
	FinishedAt     time.Time
}

// AutomationRecord is a persisted automation setting for one device function.
type AutomationRecord struct {
	DeviceID string                 `json:"device_id"`
	Function types.Function         `json:"function"`
	Config   types.AutomationConfig `json:"config"`
}
