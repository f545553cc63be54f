package devices

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/models"
)

// Tier says which rule picked a cast target.
type Tier int

const (
	TierNone Tier = iota
	TierExplicit
	TierDefault
	TierMostRecent
)

func (t Tier) String() string {
	switch t {
	case TierExplicit:
		return "explicit"
	case TierDefault:
		return "default"
	case TierMostRecent:
		return "most_recent"
	default:
		return "none"
	}
}

// DeviceStore is the part of the store the registry reads.
type DeviceStore interface {
	ActiveDevice(ctx context.Context, id uint) (models.Device, error)
	DefaultDevice(ctx context.Context) (models.Device, error)
	MostRecentDevice(ctx context.Context) (models.Device, error)
	TouchDevice(ctx context.Context, id uint, at time.Time) error
}

// Registry picks the device a cast should target.
type Registry struct {
	store  DeviceStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry over the device store.
func NewRegistry(store DeviceStore, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

// ResolveTarget tries the explicit device, then the default device, then the
// most recently seen one. Only active devices qualify.
func (r *Registry) ResolveTarget(ctx context.Context, explicitID *uint) (models.Device, Tier, error) {
	if explicitID != nil {
		d, err := r.store.ActiveDevice(ctx, *explicitID)
		if err == nil {
			r.logResolved(d, TierExplicit)
			return d, TierExplicit, nil
		}
		if !errs.Is(err, errs.NotFound) {
			return models.Device{}, TierNone, err
		}
		r.logger.Debug().Uint("id", *explicitID).Msg("requested device unavailable, falling back")
	}

	d, err := r.store.DefaultDevice(ctx)
	if err == nil {
		r.logResolved(d, TierDefault)
		return d, TierDefault, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return models.Device{}, TierNone, err
	}

	d, err = r.store.MostRecentDevice(ctx)
	if err == nil {
		r.logResolved(d, TierMostRecent)
		return d, TierMostRecent, nil
	}
	if !errs.Is(err, errs.NotFound) {
		return models.Device{}, TierNone, err
	}

	return models.Device{}, TierNone, errs.New(errs.NotFound, "registry.resolve", "no device available")
}

func (r *Registry) logResolved(d models.Device, tier Tier) {
	r.logger.Info().
		Uint("id", d.ID).
		Str("name", d.Name).
		Str("address", d.Address).
		Stringer("tier", tier).
		Msg("cast target resolved")
}

// Touch records that a device was just used.
func (r *Registry) Touch(ctx context.Context, id uint) error {
	return r.store.TouchDevice(ctx, id, r.now())
}
