package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/autocast/internal/events"
	"go2tv.app/autocast/internal/models"
	"go2tv.app/autocast/internal/telemetry"
)

// DefaultDiscoveryTimeout bounds the advertisement listening window.
const DefaultDiscoveryTimeout = 5 * time.Second

// Recorder persists what discovery sees.
type Recorder interface {
	UpsertSeen(ctx context.Context, seen models.Device, at time.Time) (models.Device, bool, error)
}

// Discoverer runs the advertisement strategy and falls back to the prober
// only when advertisement finds nothing.
type Discoverer struct {
	Advertiser Strategy
	Prober     Strategy

	recorder Recorder
	events   events.Publisher
	logger   zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDiscoverer wires the two strategies. recorder and pub may be nil.
func NewDiscoverer(advertiser, prober Strategy, recorder Recorder, pub events.Publisher, logger zerolog.Logger) *Discoverer {
	if pub == nil {
		pub = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discoverer{
		Advertiser: advertiser,
		Prober:     prober,
		recorder:   recorder,
		events:     pub,
		logger:     logger.With().Str("component", "discovery").Logger(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Discover finds receivers, reconciles them into the store and announces the
// result. Finding nothing is not an error; an error is returned only when
// every strategy that ran failed.
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) ([]Found, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if err := d.ctx.Err(); err != nil {
		return nil, fmt.Errorf("discovery closed: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	start := d.now()
	defer func() {
		telemetry.DiscoveryDuration.Observe(d.now().Sub(start).Seconds())
	}()

	var (
		found      []Found
		failures   []error
		strategies int
	)
	for i, s := range []Strategy{d.Advertiser, d.Prober} {
		if s == nil || len(found) > 0 || ctx.Err() != nil {
			continue
		}
		if i == 1 && strategies > 0 {
			d.logger.Info().Msg("no advertised receivers, probing local subnets")
		}
		strategies++
		var err error
		found, err = d.run(ctx, s, timeout)
		if err != nil {
			failures = append(failures, err)
		}
	}
	found = dedupe(found)

	if len(found) == 0 {
		if strategies > 0 && len(failures) == strategies {
			return nil, errors.Join(failures...)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	d.reconcile(ctx, found)

	announced := make([]events.FoundDevice, 0, len(found))
	for _, f := range found {
		announced = append(announced, events.FoundDevice{
			Name:    f.Name,
			Address: f.Address,
			Port:    f.Port,
			Source:  f.Source,
		})
	}
	d.events.Publish(events.DevicesFound{Devices: announced})
	d.logger.Info().Int("count", len(found)).Msg("discovery finished")
	return found, nil
}

func (d *Discoverer) run(ctx context.Context, s Strategy, timeout time.Duration) ([]Found, error) {
	found, err := s.Discover(ctx, timeout)
	if err != nil {
		d.logger.Warn().Err(err).Str("strategy", s.Name()).Msg("discovery strategy failed")
		telemetry.DiscoveryDevices.WithLabelValues(s.Name()).Set(0)
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	telemetry.DiscoveryDevices.WithLabelValues(s.Name()).Set(float64(len(found)))
	return found, nil
}

func (d *Discoverer) reconcile(ctx context.Context, found []Found) {
	if d.recorder == nil {
		return
	}
	at := d.now()
	for _, f := range found {
		dev, created, err := d.recorder.UpsertSeen(context.WithoutCancel(ctx), f.device(), at)
		if err != nil {
			d.logger.Error().Err(err).Str("address", f.Address).Msg("failed to record device")
			continue
		}
		d.logger.Debug().
			Uint("id", dev.ID).
			Str("name", dev.Name).
			Bool("created", created).
			Msg("device reconciled")
	}
}

// Close cancels any discovery in progress and rejects later runs.
func (d *Discoverer) Close() error {
	d.cancel()
	return nil
}
