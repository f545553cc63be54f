// Package cast owns the single playback session: it resolves a target
// device, drives it through connect, launch and load, and records every
// outcome in the audit log and on the event bus.
package cast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2tv.app/autocast/castprotocol"
	"go2tv.app/autocast/devices"
	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/events"
	"go2tv.app/autocast/internal/models"
	"go2tv.app/autocast/internal/telemetry"
)

// State is the position of the manager in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLaunching
	StateLoading
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLaunching:
		return "launching"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var itemIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,64}$`)

// ValidItemID reports whether id looks like a video item id.
func ValidItemID(id string) bool {
	return itemIDPattern.MatchString(id)
}

var lookupHost = net.DefaultResolver.LookupHost

// Controller drives one receiver. castprotocol.CastClient is the production
// implementation.
type Controller interface {
	Connect(ctx context.Context) error
	LaunchReceiver(ctx context.Context, appID string) error
	LoadItem(ctx context.Context, req castprotocol.MediaRequest) (*castprotocol.CastStatus, error)
	GetStatus(ctx context.Context) (*castprotocol.CastStatus, error)
	Stop(ctx context.Context) error
	Close() error
}

// ControllerFactory opens a controller for host:port.
type ControllerFactory func(host string, port int) Controller

// CastClients returns a factory backed by castprotocol.
func CastClients(logger zerolog.Logger) ControllerFactory {
	return func(host string, port int) Controller {
		return castprotocol.NewCastClient(host, port, logger)
	}
}

// Resolver picks target devices.
type Resolver interface {
	ResolveTarget(ctx context.Context, explicitID *uint) (models.Device, devices.Tier, error)
	Touch(ctx context.Context, id uint) error
}

// AuditLog persists cast attempts.
type AuditLog interface {
	CreateAttempt(ctx context.Context, a *models.CastAttempt) error
	FinishAttempt(ctx context.Context, id uint, status models.AttemptStatus, message string, at time.Time) error
}

// Attempt is the memo of the most recent start request.
type Attempt struct {
	ItemID     string
	DeviceID   *uint
	ScheduleID *uint
}

// Session is the active playback.
type Session struct {
	ID         string
	ItemID     string
	Device     models.Device
	ScheduleID *uint
	StartedAt  time.Time
	AttemptID  uint

	ctrl Controller
}

// Result describes a started session.
type Result struct {
	SessionID string
	ItemID    string
	Device    models.Device
	Tier      devices.Tier
	Player    string
}

// StopResult describes a stop request. Active is false when nothing was
// playing.
type StopResult struct {
	Active     bool
	Reason     string
	SessionID  string
	DeviceName string
}

// Status is a snapshot of the manager.
type Status struct {
	State       State
	Active      bool
	SessionID   string
	ItemID      string
	DeviceID    uint
	DeviceName  string
	ScheduleID  *uint
	StartedAt   time.Time
	LastAttempt *Attempt
}

// AttemptError is returned by StartCast once the failure has been written to
// the audit log and announced.
type AttemptError struct {
	ItemID   string
	DeviceID *uint
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("cast %s: %v", e.ItemID, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Options tunes the manager.
type Options struct {
	ReceiverAppID  string
	ConnectTimeout time.Duration
	LaunchTimeout  time.Duration
	LoadTimeout    time.Duration
	StopTimeout    time.Duration
}

// DefaultOptions returns the stock timeouts and the YouTube receiver.
func DefaultOptions() Options {
	return Options{
		ReceiverAppID:  castprotocol.YouTubeAppID,
		ConnectTimeout: 10 * time.Second,
		LaunchTimeout:  20 * time.Second,
		LoadTimeout:    20 * time.Second,
		StopTimeout:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReceiverAppID == "" {
		o.ReceiverAppID = d.ReceiverAppID
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = d.LaunchTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = d.LoadTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	return o
}

// Deps are the collaborators of a Manager. Events and Discovery may be nil.
type Deps struct {
	Resolver    Resolver
	Audit       AuditLog
	Events      events.Publisher
	Controllers ControllerFactory
	Discovery   io.Closer
	Logger      zerolog.Logger
}

// Manager enforces at most one session per process.
type Manager struct {
	resolver    Resolver
	audit       AuditLog
	events      events.Publisher
	controllers ControllerFactory
	discovery   io.Closer
	opts        Options
	logger      zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// opMu serializes start, stop and preemption sequences.
	opMu sync.Mutex

	stateMu  sync.RWMutex
	state    State
	session  *Session
	memo     *Attempt
	inflight context.CancelFunc

	cleanup sync.Once
}

// NewManager creates an idle manager.
func NewManager(deps Deps, opts Options) *Manager {
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		resolver:    deps.Resolver,
		audit:       deps.Audit,
		events:      pub,
		controllers: deps.Controllers,
		discovery:   deps.Discovery,
		opts:        opts.withDefaults(),
		logger:      deps.Logger.With().Str("component", "cast").Logger(),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// StartCast plays itemID on the resolved device, replacing any active
// session. Every request is remembered for RetryLastAttempt. An invalid item
// id is then rejected without touching the session, the audit log or a
// device. Every other failure is audited, announced and returned as
// *AttemptError.
func (m *Manager) StartCast(ctx context.Context, itemID string, deviceID, scheduleID *uint) (Result, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.stateMu.Lock()
	m.memo = &Attempt{ItemID: itemID, DeviceID: deviceID, ScheduleID: scheduleID}
	m.stateMu.Unlock()

	if !ValidItemID(itemID) {
		return Result{}, errs.Newf(errs.Validation, "cast.start", "invalid item id %q", itemID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.stateMu.Lock()
	m.inflight = cancel
	preempt := m.session != nil
	m.stateMu.Unlock()
	defer func() {
		m.stateMu.Lock()
		m.inflight = nil
		m.stateMu.Unlock()
	}()

	if preempt {
		if _, err := m.stopLocked(ctx, "superseded"); err != nil {
			m.logger.Warn().Err(err).Msg("stopping superseded session")
		}
	}

	startedAt := m.now()
	dev, tier, err := m.resolver.ResolveTarget(ctx, deviceID)
	if err != nil {
		return Result{}, m.fail(ctx, failure{
			itemID:     itemID,
			deviceID:   deviceID,
			scheduleID: scheduleID,
			startedAt:  startedAt,
			err:        err,
		})
	}

	id := dev.ID
	f := failure{
		itemID:     itemID,
		deviceID:   &id,
		deviceName: dev.Name,
		scheduleID: scheduleID,
		startedAt:  startedAt,
	}

	log := m.logger.With().Str("item", itemID).Str("device", dev.Name).Logger()
	log.Info().Stringer("tier", tier).Str("address", dev.Address).Msg("starting cast")

	m.setState(StateConnecting)
	host, err := m.resolveHost(ctx, dev.Address)
	if err != nil {
		f.err = err
		return Result{}, m.fail(ctx, f)
	}

	ctrl := m.controllers(host, dev.CastPort())
	f.ctrl = ctrl

	err = m.step(ctx, m.opts.ConnectTimeout, ctrl.Connect)
	if err != nil {
		f.err = classify(ctx, errs.TransientNetwork, "cast.connect", err)
		return Result{}, m.fail(ctx, f)
	}

	m.setState(StateLaunching)
	err = m.step(ctx, m.opts.LaunchTimeout, func(ctx context.Context) error {
		return ctrl.LaunchReceiver(ctx, m.opts.ReceiverAppID)
	})
	if err != nil {
		f.err = classify(ctx, errs.DeviceProtocol, "cast.launch", err)
		return Result{}, m.fail(ctx, f)
	}

	m.setState(StateLoading)
	var player *castprotocol.CastStatus
	err = m.step(ctx, m.opts.LoadTimeout, func(ctx context.Context) error {
		var lerr error
		player, lerr = ctrl.LoadItem(ctx, castprotocol.YouTubeItem(itemID, true))
		return lerr
	})
	if err != nil {
		f.err = classify(ctx, errs.DeviceProtocol, "cast.load", err)
		return Result{}, m.fail(ctx, f)
	}

	attempt := &models.CastAttempt{
		ScheduleID: scheduleID,
		ItemID:     itemID,
		DeviceID:   &id,
		Status:     models.AttemptStarted,
		StartedAt:  startedAt,
	}
	if player != nil {
		attempt.ItemTitle = player.MediaTitle
	}
	if err := m.audit.CreateAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		log.Error().Err(err).Msg("failed to record cast attempt")
	}

	session := &Session{
		ID:         uuid.NewString(),
		ItemID:     itemID,
		Device:     dev,
		ScheduleID: scheduleID,
		StartedAt:  startedAt,
		AttemptID:  attempt.ID,
		ctrl:       ctrl,
	}
	m.stateMu.Lock()
	m.session = session
	m.state = StateActive
	m.stateMu.Unlock()

	if err := m.resolver.Touch(context.WithoutCancel(ctx), dev.ID); err != nil {
		log.Warn().Err(err).Msg("failed to refresh device last seen")
	}

	state := ""
	if player != nil {
		state = player.PlayerState
	}
	telemetry.CastAttempts.WithLabelValues("started").Inc()
	telemetry.CastActive.Set(1)
	m.events.Publish(events.CastStarted{
		SessionID:  session.ID,
		ItemID:     itemID,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Status:     state,
	})
	log.Info().Str("session", session.ID).Str("player", state).Msg("cast started")

	return Result{
		SessionID: session.ID,
		ItemID:    itemID,
		Device:    dev,
		Tier:      tier,
		Player:    state,
	}, nil
}

func (m *Manager) step(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return op(ctx)
}

// classify tags err with kind unless the caller canceled the attempt.
func classify(ctx context.Context, kind errs.Kind, op string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	if errs.KindOf(err) != errs.Other {
		return err
	}
	return errs.E(kind, op, err)
}

func (m *Manager) resolveHost(ctx context.Context, address string) (string, error) {
	if net.ParseIP(address) != nil {
		return address, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	addrs, err := lookupHost(ctx, address)
	if err != nil {
		return "", errs.E(errs.TransientNetwork, "cast.resolve_host", err)
	}
	if len(addrs) == 0 {
		return "", errs.Newf(errs.TransientNetwork, "cast.resolve_host", "no addresses for %s", address)
	}
	return addrs[0], nil
}

type failure struct {
	itemID     string
	deviceID   *uint
	deviceName string
	scheduleID *uint
	startedAt  time.Time
	ctrl       Controller
	err        error
}

func (m *Manager) fail(ctx context.Context, f failure) error {
	if f.ctrl != nil {
		if err := f.ctrl.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("closing failed controller")
		}
	}

	ended := m.now()
	row := &models.CastAttempt{
		ScheduleID:   f.scheduleID,
		ItemID:       f.itemID,
		DeviceID:     f.deviceID,
		Status:       models.AttemptError,
		ErrorMessage: f.err.Error(),
		StartedAt:    f.startedAt,
		EndedAt:      &ended,
	}
	if err := m.audit.CreateAttempt(context.WithoutCancel(ctx), row); err != nil {
		m.logger.Error().Err(err).Msg("failed to record cast failure")
	}

	m.setState(StateIdle)
	telemetry.CastAttempts.WithLabelValues("error").Inc()
	m.events.Publish(events.CastFailed{
		ItemID:     f.itemID,
		DeviceID:   f.deviceID,
		DeviceName: f.deviceName,
		Error:      f.err.Error(),
	})
	m.logger.Error().Err(f.err).Str("item", f.itemID).Str("device", f.deviceName).Msg("cast failed")

	return &AttemptError{ItemID: f.itemID, DeviceID: f.deviceID, Err: f.err}
}

// StopCast stops the active session. A start still in progress is canceled
// first. The manager is idle afterwards even when the device refused to stop.
func (m *Manager) StopCast(ctx context.Context, reason string) (StopResult, error) {
	if reason == "" {
		reason = "manual"
	}

	m.stateMu.Lock()
	if m.inflight != nil {
		m.inflight()
	}
	m.stateMu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx, reason)
}

func (m *Manager) stopLocked(ctx context.Context, reason string) (StopResult, error) {
	m.stateMu.Lock()
	s := m.session
	if s == nil {
		m.state = StateIdle
		m.stateMu.Unlock()
		return StopResult{Reason: reason}, nil
	}
	m.state = StateStopping
	m.stateMu.Unlock()

	log := m.logger.With().Str("session", s.ID).Str("reason", reason).Logger()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StopTimeout)
	stopErr := s.ctrl.Stop(stopCtx)
	cancel()
	if err := s.ctrl.Close(); err != nil {
		log.Debug().Err(err).Msg("closing controller")
	}

	status, message := models.AttemptStopped, ""
	if stopErr != nil {
		status, message = models.AttemptError, stopErr.Error()
	}
	if err := m.audit.FinishAttempt(context.WithoutCancel(ctx), s.AttemptID, status, message, m.now()); err != nil {
		log.Error().Err(err).Msg("failed to record cast end")
	}

	m.stateMu.Lock()
	m.session = nil
	m.state = StateIdle
	m.stateMu.Unlock()

	telemetry.CastActive.Set(0)
	m.events.Publish(events.CastStopped{
		Reason:     reason,
		DeviceName: s.Device.Name,
		Error:      message,
	})

	res := StopResult{
		Active:     true,
		Reason:     reason,
		SessionID:  s.ID,
		DeviceName: s.Device.Name,
	}
	if stopErr != nil {
		log.Error().Err(stopErr).Msg("device refused to stop")
		return res, errs.E(errs.DeviceProtocol, "cast.stop", stopErr)
	}
	log.Info().Str("device", s.Device.Name).Msg("cast stopped")
	return res, nil
}

// Status returns a snapshot without waiting for device I/O.
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	st := Status{State: m.state}
	if m.memo != nil {
		memo := *m.memo
		st.LastAttempt = &memo
	}
	if s := m.session; s != nil {
		st.Active = true
		st.SessionID = s.ID
		st.ItemID = s.ItemID
		st.DeviceID = s.Device.ID
		st.DeviceName = s.Device.Name
		st.ScheduleID = s.ScheduleID
		st.StartedAt = s.StartedAt
	}
	return st
}

// LastAttempt returns the memo of the latest start request, if any.
func (m *Manager) LastAttempt() (Attempt, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.memo == nil {
		return Attempt{}, false
	}
	return *m.memo, true
}

// PlayerStatus asks the active device for its player state.
func (m *Manager) PlayerStatus(ctx context.Context) (*castprotocol.CastStatus, error) {
	m.stateMu.RLock()
	s := m.session
	m.stateMu.RUnlock()
	if s == nil {
		return nil, errs.New(errs.NotFound, "cast.player_status", "no active session")
	}
	st, err := s.ctrl.GetStatus(ctx)
	if err != nil {
		return nil, classify(ctx, errs.DeviceProtocol, "cast.player_status", err)
	}
	return st, nil
}

// TestDevice connects to a device and launches the receiver app without
// touching the active session.
func (m *Manager) TestDevice(ctx context.Context, deviceID uint) error {
	dev, _, err := m.resolver.ResolveTarget(ctx, &deviceID)
	if err != nil {
		return err
	}
	if dev.ID != deviceID {
		return errs.Newf(errs.NotFound, "cast.test_device", "device %d not available", deviceID)
	}

	host, err := m.resolveHost(ctx, dev.Address)
	if err != nil {
		return err
	}
	ctrl := m.controllers(host, dev.CastPort())
	defer ctrl.Close()

	if err := m.step(ctx, m.opts.ConnectTimeout, ctrl.Connect); err != nil {
		return classify(ctx, errs.TransientNetwork, "cast.test_device", err)
	}
	err = m.step(ctx, m.opts.LaunchTimeout, func(ctx context.Context) error {
		return ctrl.LaunchReceiver(ctx, m.opts.ReceiverAppID)
	})
	if err != nil {
		return classify(ctx, errs.DeviceProtocol, "cast.test_device", err)
	}
	m.logger.Info().Str("device", dev.Name).Msg("device connection test passed")
	return nil
}

// Cleanup stops any session and releases discovery resources. Later calls
// do nothing.
func (m *Manager) Cleanup(ctx context.Context) error {
	var err error
	m.cleanup.Do(func() {
		if _, serr := m.StopCast(ctx, "cleanup"); serr != nil {
			err = serr
		}
		if m.discovery != nil {
			if cerr := m.discovery.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}
