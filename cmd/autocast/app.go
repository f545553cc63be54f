package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go2tv.app/autocast/devices"
	"go2tv.app/autocast/internal/autocast"
	"go2tv.app/autocast/internal/cast"
	"go2tv.app/autocast/internal/config"
	"go2tv.app/autocast/internal/events"
	"go2tv.app/autocast/internal/live"
	"go2tv.app/autocast/internal/logging"
	"go2tv.app/autocast/internal/store"
)

// app is the fully wired process shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location

	store     *store.Store
	bus       *events.Bus
	youtube   *live.YouTube
	discovery *devices.Discoverer
	registry  *devices.Registry
	manager   *cast.Manager
	service   *autocast.Service
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	logger := logging.Setup(cfg.Environment, cfg.LogLevel)

	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.Wrap(err, "load timezone")
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		loc:     loc,
		store:   st,
		bus:     events.NewBus(),
		youtube: live.NewYouTube(cfg.YouTubeAPIKey, logger),
	}

	prober := devices.NewPortProber(cfg.Discovery.ProbePort, cfg.Discovery.ProbeTimeout, cfg.Discovery.ProbeConcurrency, logger)
	a.discovery = devices.NewDiscoverer(a.advertiser(), prober, st, a.bus, logger)
	a.registry = devices.NewRegistry(st, logger)

	a.manager = cast.NewManager(cast.Deps{
		Resolver:    a.registry,
		Audit:       st,
		Events:      a.bus,
		Controllers: cast.CastClients(logger),
		Discovery:   a.discovery,
		Logger:      logger,
	}, cast.Options{
		ReceiverAppID:  cfg.ReceiverAppID,
		ConnectTimeout: cfg.Cast.ConnectTimeout,
		LaunchTimeout:  cfg.Cast.LaunchTimeout,
		LoadTimeout:    cfg.Cast.LoadTimeout,
		StopTimeout:    cfg.Cast.StopTimeout,
	})

	a.service = autocast.NewService(st, a.youtube, a.manager, a.bus, loc, logger)
	return a, nil
}

func (a *app) advertiser() devices.Strategy {
	if a.cfg.Discovery.Advertiser == config.AdvertiserSSDP {
		return devices.NewSSDPAdvertiser(a.logger)
	}
	return devices.NewMDNSAdvertiser(a.logger)
}

// discover runs one discovery pass with the configured timeout.
func (a *app) discover(ctx context.Context) ([]devices.Found, error) {
	return a.discovery.Discover(ctx, a.cfg.Discovery.Timeout)
}

// ensureDevices discovers receivers when none are known yet.
func (a *app) ensureDevices(ctx context.Context) error {
	known, err := a.store.Devices(ctx, true)
	if err != nil {
		return err
	}
	if len(known) > 0 {
		return nil
	}
	a.logger.Info().Msg("no known devices, running discovery")
	_, err = a.discover(ctx)
	return err
}

// close tears everything down in dependency order.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Cast.StopTimeout+time.Second)
	defer cancel()

	a.service.Close()
	if err := a.manager.Cleanup(ctx); err != nil {
		a.logger.Error().Err(err).Msg("cast cleanup failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("closing database failed")
	}
}
