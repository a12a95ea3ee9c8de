package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule switches a device function on at every cron tick, optionally for
// a fixed duration in seconds.
type Schedule struct {
	ID       uuid.UUID      `json:"id"`
	DeviceID string         `json:"device_id"`
	Function types.Function `json:"function"`
	Spec     string         `json:"spec"`
	Duration int            `json:"duration"`
	Enabled  bool           `json:"enabled"`
	NextRun  *time.Time     `json:"next_run,omitempty"`

	entryID cron.EntryID
}

func (s Schedule) validate() error {
	if s.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if _, err := types.ParseFunction(string(s.Function)); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(s.Spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.Spec, err)
	}
	if s.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if s.Function == types.FunctionIrrigation && s.Duration == 0 {
		return fmt.Errorf("irrigation schedules require a duration")
	}
	return nil
}

type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu        sync.Mutex
	schedules map[uuid.UUID]*Schedule
}

func NewScheduler(dispatcher Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		schedules:  make(map[uuid.UUID]*Schedule),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Add validates and registers a schedule. Disabled schedules are kept but never fire.
func (s *Scheduler) Add(sched Schedule) (Schedule, error) {
	if err := sched.validate(); err != nil {
		return Schedule{}, err
	}
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := sched
	if stored.Enabled {
		id := stored.ID
		entryID, err := s.cron.AddFunc(stored.Spec, func() { s.fire(id) })
		if err != nil {
			return Schedule{}, fmt.Errorf("failed to schedule: %w", err)
		}
		stored.entryID = entryID
	}
	s.schedules[stored.ID] = &stored

	s.logger.Info("Schedule added",
		zap.String("schedule_id", stored.ID.String()),
		zap.String("device_id", stored.DeviceID),
		zap.String("function", string(stored.Function)),
		zap.String("spec", stored.Spec))

	return s.view(&stored), nil
}

func (s *Scheduler) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if sched.entryID != 0 {
		s.cron.Remove(sched.entryID)
	}
	delete(s.schedules, id)
	return nil
}

func (s *Scheduler) Get(id uuid.UUID) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return s.view(sched), true
}

// List returns the schedules of a device, or of all devices when deviceID is empty.
func (s *Scheduler) List(deviceID string) []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Schedule, 0)
	for _, sched := range s.schedules {
		if deviceID != "" && sched.DeviceID != deviceID {
			continue
		}
		list = append(list, s.view(sched))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID.String() < list[j].ID.String() })
	return list
}

// view copies a schedule and fills in its next run. Caller holds s.mu.
func (s *Scheduler) view(sched *Schedule) Schedule {
	out := *sched
	if sched.entryID != 0 {
		if next := s.cron.Entry(sched.entryID).Next; !next.IsZero() {
			out.NextRun = &next
		}
	}
	return out
}

func (s *Scheduler) fire(id uuid.UUID) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	var snapshot Schedule
	if ok {
		snapshot = *sched
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.run(snapshot)
}

func (s *Scheduler) run(sched Schedule) {
	h, err := s.dispatcher.Dispatch(context.Background(), command.Request{
		DeviceID:  sched.DeviceID,
		Function:  sched.Function,
		Action:    types.OnAction(sched.Function),
		EventType: storage.EventSchedule,
		Duration:  time.Duration(sched.Duration) * time.Second,
	})
	if err != nil {
		s.logger.Warn("Scheduled command not dispatched",
			zap.String("schedule_id", sched.ID.String()),
			zap.String("device_id", sched.DeviceID),
			zap.Error(err))
		return
	}

	s.metrics.AutomationTriggered(string(sched.Function), string(storage.EventSchedule))

	if _, err := h.Wait(context.Background()); err != nil {
		s.logger.Warn("Scheduled command failed",
			zap.String("schedule_id", sched.ID.String()),
			zap.String("event_id", h.EventID.String()),
			zap.Error(err))
	}
}
