// Package scheduler arms one weekly trigger per schedule.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/models"
)

// Long waits are split so a wall-clock jump (suspend, NTP step) is noticed.
const maxSleepCap = 60 * time.Second

// Func is invoked on its own goroutine each time a schedule's slot arrives.
type Func func(ctx context.Context, s models.Schedule)

// Entry describes an armed trigger.
type Entry struct {
	ScheduleID uint
	Label      string
	CronExpr   string
	NextRun    time.Time
	LastRun    time.Time
	Fires      int
}

type entry struct {
	info     Entry
	schedule models.Schedule
	stop     chan struct{}
}

// Scheduler holds at most one trigger per schedule id.
type Scheduler struct {
	mu      sync.Mutex
	entries map[uint]*entry
	closed  bool

	loc    *time.Location
	fire   Func
	logger zerolog.Logger

	now      func() time.Time
	sleepCap time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	callbacks sync.WaitGroup
}

// New creates a scheduler that evaluates slots in loc.
func New(loc *time.Location, fire Func, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries:  make(map[uint]*entry),
		loc:      loc,
		fire:     fire,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		sleepCap: maxSleepCap,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Location is the reference zone for every slot.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Register arms a weekly trigger for sch, replacing any trigger already
// registered under the same id.
func (s *Scheduler) Register(sch models.Schedule) error {
	expr, err := CronExpr(sch.DayOfWeek, sch.StartTime)
	if err != nil {
		return err
	}
	next, err := gronx.NextTickAfter(expr, s.now().In(s.loc), false)
	if err != nil {
		return errs.E(errs.Validation, "scheduler.register", err)
	}

	e := &entry{
		info: Entry{
			ScheduleID: sch.ID,
			Label:      sch.Label(),
			CronExpr:   expr,
			NextRun:    next,
		},
		schedule: sch,
		stop:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New(errs.Other, "scheduler.register", "scheduler closed")
	}
	if old, ok := s.entries[sch.ID]; ok {
		close(old.stop)
	}
	s.entries[sch.ID] = e
	s.loops.Add(1)
	s.mu.Unlock()

	go s.run(e, next)

	s.logger.Info().
		Uint("schedule_id", sch.ID).
		Str("channel", sch.Label()).
		Str("cron", expr).
		Time("next_run", next).
		Msg("schedule registered")
	return nil
}

// Unregister disarms the trigger for id. It reports whether one existed.
func (s *Scheduler) Unregister(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	close(e.stop)
	delete(s.entries, id)
	s.logger.Info().Uint("schedule_id", id).Msg("schedule unregistered")
	return true
}

// ListActive returns the armed triggers ordered by schedule id.
func (s *Scheduler) ListActive() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// StopAll disarms every trigger. Registration stays possible.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		close(e.stop)
		delete(s.entries, id)
	}
}

// Close disarms every trigger, cancels running callbacks and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.cancel()
	s.loops.Wait()
	s.callbacks.Wait()
}

func (s *Scheduler) run(e *entry, at time.Time) {
	defer s.loops.Done()

	for {
		if !s.sleepUntil(e.stop, at) {
			return
		}
		if !s.fireIfCurrent(e, at) {
			return
		}

		next := s.following(e, at)
		s.mu.Lock()
		e.info.NextRun = next
		s.mu.Unlock()
		at = next
	}
}

func (s *Scheduler) sleepUntil(stop <-chan struct{}, at time.Time) bool {
	for {
		wait := at.Sub(s.now())
		if wait <= 0 {
			return true
		}
		if wait > s.sleepCap {
			wait = s.sleepCap
		}
		t := time.NewTimer(wait)
		select {
		case <-stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// fireIfCurrent dispatches the slot unless the entry was replaced or
// unregistered while sleeping.
func (s *Scheduler) fireIfCurrent(e *entry, at time.Time) bool {
	s.mu.Lock()
	select {
	case <-e.stop:
		s.mu.Unlock()
		return false
	default:
	}
	if s.entries[e.schedule.ID] != e {
		s.mu.Unlock()
		return false
	}
	e.info.LastRun = at
	e.info.Fires++
	s.callbacks.Add(1)
	s.mu.Unlock()

	s.dispatch(e, at)
	return true
}

// following returns the slot after at. Slots missed while the process was
// suspended are skipped rather than fired late.
func (s *Scheduler) following(e *entry, at time.Time) time.Time {
	expr := e.info.CronExpr
	next, _ := gronx.NextTickAfter(expr, at, false)
	if now := s.now().In(s.loc); next.Before(now) {
		skipped := next
		next, _ = gronx.NextTickAfter(expr, now, false)
		s.logger.Warn().Uint("schedule_id", e.schedule.ID).Time("skipped", skipped).Time("next_run", next).Msg("missed schedule slot")
	}
	return next
}

func (s *Scheduler) dispatch(e *entry, at time.Time) {
	sch := e.schedule
	log := s.logger.With().Uint("schedule_id", sch.ID).Str("channel", sch.Label()).Logger()

	log.Info().Time("slot", at).Msg("schedule fired")

	go func() {
		defer s.callbacks.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("schedule callback panicked")
			}
		}()
		s.fire(s.ctx, sch)
	}()
}

// CronExpr renders a weekly slot as a five-field cron expression.
func CronExpr(day int, hhmm string) (string, error) {
	if err := models.ValidateRecurrence(day, hhmm); err != nil {
		return "", err
	}
	h, m, _ := models.ParseClock(hhmm)
	expr := fmt.Sprintf("%d %d * * %d", m, h, day)
	if !gronx.IsValid(expr) {
		return "", errs.Newf(errs.Validation, "scheduler.cron", "invalid cron expression %q", expr)
	}
	return expr, nil
}

// NextOccurrence returns the first instant strictly after now that falls on
// the given weekday (0 = Sunday) at hhmm, in now's location.
func NextOccurrence(day int, hhmm string, now time.Time) (time.Time, error) {
	expr, err := CronExpr(day, hhmm)
	if err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return time.Time{}, errs.E(errs.Validation, "scheduler.next", err)
	}
	return next, nil
}
