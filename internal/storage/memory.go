package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
)

// MemoryStore keeps history and automation settings in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[uuid.UUID]*ControlEvent
	order      []uuid.UUID
	automation map[string]AutomationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[uuid.UUID]*ControlEvent),
		automation: make(map[string]AutomationRecord),
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) RecordPending(_ context.Context, event *ControlEvent) error {
	prepareEvent(event)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[event.ID] = event.Clone()
	m.order = append(m.order, event.ID)
	return nil
}

func (m *MemoryStore) MarkRunning(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.transition(id, StatusRunning, func(ev *ControlEvent) {
		ev.StartedAt = &at
	})
}

func (m *MemoryStore) RecordCompleted(_ context.Context, id uuid.UUID, outcome Outcome) error {
	return m.transition(id, StatusCompleted, func(ev *ControlEvent) {
		ev.After = clonePtr(outcome.After)
		ev.ActualDuration = clonePtr(outcome.ActualDuration)
		finished := outcome.FinishedAt
		ev.FinishedAt = &finished
	})
}

func (m *MemoryStore) RecordFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	return m.transition(id, StatusFailed, func(ev *ControlEvent) {
		ev.Reason = reason
		ev.FinishedAt = &at
	})
}

func (m *MemoryStore) RecordCancelled(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	return m.transition(id, StatusCancelled, func(ev *ControlEvent) {
		ev.Reason = reason
		ev.FinishedAt = &at
	})
}

func (m *MemoryStore) transition(id uuid.UUID, to EventStatus, apply func(*ControlEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if err := ValidateTransition(ev.Status, to); err != nil {
		return err
	}

	ev.Status = to
	apply(ev)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*ControlEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev.Clone(), nil
}

func (m *MemoryStore) Latest(_ context.Context, deviceID string, fn types.Function, limit int) ([]ControlEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// newest insertion first, so equal timestamps keep reverse insertion order
	result := make([]ControlEvent, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		ev := m.events[m.order[i]]
		if ev.DeviceID != deviceID || (fn != "" && ev.Function != fn) {
			continue
		}
		result = append(result, *ev.Clone())
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) LoadAutomationConfigs(_ context.Context) ([]AutomationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]AutomationRecord, 0, len(m.automation))
	for _, rec := range m.automation {
		records = append(records, rec)
	}
	return records, nil
}

func (m *MemoryStore) SaveAutomationConfig(_ context.Context, deviceID string, fn types.Function, cfg types.AutomationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.automation[deviceID+":"+string(fn)] = AutomationRecord{
		DeviceID: deviceID,
		Function: fn,
		Config:   cfg,
	}
	return nil
}
