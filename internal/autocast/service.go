// Package autocast ties the weekly triggers to the live prober and the cast
// manager.
package autocast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/autocast/internal/cast"
	"go2tv.app/autocast/internal/events"
	"go2tv.app/autocast/internal/live"
	"go2tv.app/autocast/internal/models"
	"go2tv.app/autocast/internal/scheduler"
	"go2tv.app/autocast/internal/telemetry"
)

// ScheduleStore is the schedule part of the store.
type ScheduleStore interface {
	ActiveSchedules(ctx context.Context) ([]models.Schedule, error)
	Schedule(ctx context.Context, id uint) (models.Schedule, error)
	CreateSchedule(ctx context.Context, sch *models.Schedule) error
	UpdateSchedule(ctx context.Context, sch *models.Schedule) error
	DeleteSchedule(ctx context.Context, id uint) error
}

// Caster starts casts and reports on the session.
type Caster interface {
	StartCast(ctx context.Context, itemID string, deviceID, scheduleID *uint) (cast.Result, error)
	Status() cast.Status
}

// Upcoming is the next slot due across all active schedules.
type Upcoming struct {
	Schedule models.Schedule
	At       time.Time
}

// Status summarizes the service.
type Status struct {
	Initialized bool
	Triggers    []scheduler.Entry
	Cast        cast.Status
	Next        *Upcoming
}

// Service executes schedules when their slot arrives.
type Service struct {
	store  ScheduleStore
	prober live.Prober
	caster Caster
	events events.Publisher
	sched  *scheduler.Scheduler
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewService creates a service whose triggers fire in loc.
func NewService(store ScheduleStore, prober live.Prober, caster Caster, pub events.Publisher, loc *time.Location, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Service{
		store:  store,
		prober: prober,
		caster: caster,
		events: pub,
		logger: logger.With().Str("component", "autocast").Logger(),
	}
	s.sched = scheduler.New(loc, s.Execute, logger)
	return s
}

// Scheduler exposes the trigger set.
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Initialize registers every active schedule. It runs once; invalid
// schedules are logged and skipped.
func (s *Service) Initialize(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return len(s.sched.ListActive()), nil
	}
	n, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	s.initialized = true
	s.logger.Info().Int("schedules", n).Msg("schedule service initialized")
	return n, nil
}

func (s *Service) load(ctx context.Context) (int, error) {
	schedules, err := s.store.ActiveSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}
	n := 0
	for _, sch := range schedules {
		if err := s.sched.Register(sch); err != nil {
			s.logger.Error().Err(err).Uint("schedule", sch.ID).Msg("skipping invalid schedule")
			continue
		}
		n++
	}
	return n, nil
}

// RefreshSchedules drops every trigger and registers the active schedules
// again.
func (s *Service) RefreshSchedules(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.StopAll()
	n, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	s.initialized = true
	s.logger.Info().Int("schedules", n).Msg("schedules refreshed")
	return n, nil
}

// AddSchedule stores a new schedule and arms it when active.
func (s *Service) AddSchedule(ctx context.Context, sch *models.Schedule) error {
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return err
	}
	if sch.IsActive {
		return s.sched.Register(*sch)
	}
	return nil
}

// UpdateSchedule stores changes and re-arms or disarms the trigger.
func (s *Service) UpdateSchedule(ctx context.Context, sch *models.Schedule) error {
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return err
	}
	stored, err := s.store.Schedule(ctx, sch.ID)
	if err != nil {
		return err
	}
	if !stored.IsActive {
		s.sched.Unregister(stored.ID)
		return nil
	}
	return s.sched.Register(stored)
}

// DeleteSchedule disarms and removes a schedule.
func (s *Service) DeleteSchedule(ctx context.Context, id uint) error {
	s.sched.Unregister(id)
	return s.store.DeleteSchedule(ctx, id)
}

// Execute runs one slot of a schedule. Failures are logged and announced,
// never returned; there is no automatic retry.
func (s *Service) Execute(ctx context.Context, sch models.Schedule) {
	log := s.logger.With().Uint("schedule", sch.ID).Str("channel", sch.ChannelName).Logger()
	log.Info().Msg("executing schedule")

	s.events.Publish(events.ScheduleTriggered{
		ScheduleID:  sch.ID,
		ChannelID:   sch.ChannelID,
		ChannelName: sch.ChannelName,
		StartTime:   sch.StartTime,
	})

	broadcast, err := s.prober.CheckLive(ctx, sch.ChannelID)
	if err != nil {
		log.Error().Err(err).Msg("live check failed")
		s.events.Publish(events.ScheduleError{
			ScheduleID:  sch.ID,
			ChannelName: sch.ChannelName,
			Error:       err.Error(),
		})
		broadcast = nil
	}

	if broadcast == nil {
		log.Info().Msg("no live stream found")
		s.events.Publish(events.NoLiveStream{ScheduleID: sch.ID, ChannelName: sch.ChannelName})
		result := "not_live"
		if err != nil {
			result = "error"
		}
		telemetry.ScheduleFires.WithLabelValues(result).Inc()
		return
	}

	telemetry.ScheduleFires.WithLabelValues("live").Inc()
	log.Info().Str("item", broadcast.ItemID).Str("title", broadcast.Title).Msg("live stream detected")
	s.events.Publish(events.LiveDetected{
		ScheduleID:  sch.ID,
		ChannelName: sch.ChannelName,
		ItemID:      broadcast.ItemID,
		Title:       broadcast.Title,
	})

	if sch.DeviceID == nil {
		log.Warn().Msg("no device specified for schedule")
		return
	}

	scheduleID := sch.ID
	_, err = s.caster.StartCast(ctx, broadcast.ItemID, sch.DeviceID, &scheduleID)
	if err == nil {
		return
	}
	log.Error().Err(err).Msg("cast failed")

	var attemptErr *cast.AttemptError
	if !errors.As(err, &attemptErr) {
		s.events.Publish(events.CastFailed{
			ItemID:   broadcast.ItemID,
			DeviceID: sch.DeviceID,
			Error:    err.Error(),
		})
	}
}

// NextSchedule returns the active schedule due soonest after now, or nil
// when none is active.
func (s *Service) NextSchedule(ctx context.Context, now time.Time) (*Upcoming, error) {
	schedules, err := s.store.ActiveSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	now = now.In(s.sched.Location())

	var next *Upcoming
	for _, sch := range schedules {
		at, err := scheduler.NextOccurrence(sch.DayOfWeek, sch.StartTime, now)
		if err != nil {
			s.logger.Warn().Err(err).Uint("schedule", sch.ID).Msg("skipping invalid schedule")
			continue
		}
		if next == nil || at.Before(next.At) {
			next = &Upcoming{Schedule: sch, At: at}
		}
	}
	return next, nil
}

// Status reports triggers, the cast session and the next slot.
func (s *Service) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	next, err := s.NextSchedule(ctx, time.Now())
	if err != nil {
		return Status{}, err
	}
	return Status{
		Initialized: initialized,
		Triggers:    s.sched.ListActive(),
		Cast:        s.caster.Status(),
		Next:        next,
	}, nil
}

// Close disarms every trigger and waits for running executions.
func (s *Service) Close() {
	s.sched.Close()
}
