package command

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCommandTimeout         = errors.New("command timeout")
	ErrCommandAlreadyInFlight = errors.New("command already in flight")
	ErrCommandCancelled       = errors.New("command cancelled")
	ErrCommandRejected        = errors.New("command rejected by device")
	ErrDeviceOffline          = errors.New("device is offline")
	ErrDeviceNotFound         = errors.New("device not found")
	ErrUnsupportedFunction    = errors.New("function not supported by device")
	ErrInvalidRequest         = errors.New("invalid command request")
)

// TimeoutError is delivered when no acknowledgment arrives before the deadline.
type TimeoutError struct {
	DeviceID string
	Action   string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgment from device %s for action %s within %s", e.DeviceID, e.Action, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrCommandTimeout
}

// RejectedError wraps an acknowledgment with status "failed".
type RejectedError struct {
	DeviceID string
	Action   string
	Message  string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device %s reported failure for %s", e.DeviceID, e.Action)
	}
	return fmt.Sprintf("device %s reported failure for %s: %s", e.DeviceID, e.Action, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}
