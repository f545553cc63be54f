// Package store persists schedules, devices and the cast audit log with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/models"
)

// Store wraps a gorm handle.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the sqlite database at path and migrates it.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps :memory: stable.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	s := New(db, log)
	if err := s.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{db: db, logger: log.With().Str("component", "store").Logger()}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.E(errs.NotFound, op, err)
	}
	return err
}

// ActiveSchedules returns every schedule with IsActive set.
func (s *Store) ActiveSchedules(ctx context.Context) ([]models.Schedule, error) {
	var out []models.Schedule
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("day_of_week, start_time, id").
		Find(&out).Error
	return out, err
}

// Schedule loads one schedule.
func (s *Store) Schedule(ctx context.Context, id uint) (models.Schedule, error) {
	var sch models.Schedule
	if err := s.db.WithContext(ctx).First(&sch, id).Error; err != nil {
		return models.Schedule{}, notFound("store.schedule", err)
	}
	return sch, nil
}

// CreateSchedule validates and inserts a schedule.
func (s *Store) CreateSchedule(ctx context.Context, sch *models.Schedule) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(sch).Error
}

// UpdateSchedule validates and saves every field of an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sch *models.Schedule) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("id = ?", sch.ID).
		Select("channel_id", "channel_name", "day_of_week", "start_time", "duration_minutes", "device_id", "is_active").
		Updates(sch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.NotFound, "store.update_schedule", "schedule %d not found", sch.ID)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Schedule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.NotFound, "store.delete_schedule", "schedule %d not found", id)
	}
	return nil
}

// Device loads a device regardless of its active flag.
func (s *Store) Device(ctx context.Context, id uint) (models.Device, error) {
	var d models.Device
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return models.Device{}, notFound("store.device", err)
	}
	return d, nil
}

// ActiveDevice loads a device only when it is active.
func (s *Store) ActiveDevice(ctx context.Context, id uint) (models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&d).Error
	if err != nil {
		return models.Device{}, notFound("store.active_device", err)
	}
	return d, nil
}

// DefaultDevice returns the active device flagged as default.
func (s *Store) DefaultDevice(ctx context.Context) (models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).
		Where("is_default = ? AND is_active = ?", true, true).
		Order("last_seen DESC").
		First(&d).Error
	if err != nil {
		return models.Device{}, notFound("store.default_device", err)
	}
	return d, nil
}

// MostRecentDevice returns the active device seen last.
func (s *Store) MostRecentDevice(ctx context.Context) (models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("last_seen DESC").
		Order("id DESC").
		First(&d).Error
	if err != nil {
		return models.Device{}, notFound("store.recent_device", err)
	}
	return d, nil
}

// Devices lists devices, most recently seen first.
func (s *Store) Devices(ctx context.Context, activeOnly bool) ([]models.Device, error) {
	q := s.db.WithContext(ctx).Order("last_seen DESC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []models.Device
	return out, q.Find(&out).Error
}

// SaveDevice inserts or fully updates a device. Setting IsDefault clears the
// flag on every other device.
func (s *Store) SaveDevice(ctx context.Context, d *models.Device) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if d.IsDefault {
			if err := tx.Model(&models.Device{}).
				Where("id <> ? AND is_default = ?", d.ID, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		if d.ID == 0 {
			return tx.Create(d).Error
		}
		return tx.Select("*").Omit("created_at").Updates(d).Error
	})
}

// UpsertSeen reconciles a discovered device by address: an existing row gets
// LastSeen, Port and Host refreshed, otherwise a new active row is inserted.
// created reports which of the two happened.
func (s *Store) UpsertSeen(ctx context.Context, seen models.Device, at time.Time) (dev models.Device, created bool, err error) {
	if seen.Address == "" {
		return models.Device{}, false, errs.New(errs.Validation, "store.upsert_device", "address is required")
	}

	// A unique violation means a concurrent writer inserted the address
	// first; the second pass refreshes that row instead.
	for range 2 {
		dev, created, err = s.upsertSeen(ctx, seen, at)
		if err == nil || !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return models.Device{}, false, fmt.Errorf("store: upsert device %s: %w", seen.Address, err)
	}
	return dev, created, nil
}

func (s *Store) upsertSeen(ctx context.Context, seen models.Device, at time.Time) (dev models.Device, created bool, err error) {
	port := seen.CastPort()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Device
		ferr := tx.Where("address = ?", seen.Address).First(&existing).Error
		if ferr == nil {
			updates := map[string]any{"last_seen": at, "port": port}
			if seen.Host != "" {
				updates["host"] = seen.Host
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
			existing.LastSeen, existing.Port = at, port
			if seen.Host != "" {
				existing.Host = seen.Host
			}
			dev = existing
			return nil
		}
		if !errors.Is(ferr, gorm.ErrRecordNotFound) {
			return ferr
		}

		name := seen.Name
		if name == "" {
			name = seen.Address
		}
		dev = models.Device{
			Name:     name,
			Address:  seen.Address,
			Port:     port,
			Host:     seen.Host,
			IsActive: true,
			LastSeen: at,
		}
		if err := tx.Create(&dev).Error; err != nil {
			return err
		}
		created = true
		s.logger.Debug().Str("address", dev.Address).Str("name", dev.Name).Msg("new device recorded")
		return nil
	})
	return dev, created, err
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// TouchDevice sets LastSeen.
func (s *Store) TouchDevice(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		Update("last_seen", at).Error
}

// CreateAttempt inserts an audit row.
func (s *Store) CreateAttempt(ctx context.Context, a *models.CastAttempt) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// FinishAttempt closes the audit row of a session.
func (s *Store) FinishAttempt(ctx context.Context, id uint, status models.AttemptStatus, message string, at time.Time) error {
	updates := map[string]any{"status": status, "ended_at": at}
	if message != "" {
		updates["error_message"] = message
	}
	res := s.db.WithContext(ctx).Model(&models.CastAttempt{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.Newf(errs.NotFound, "store.finish_attempt", "cast attempt %d not found", id)
	}
	return nil
}

// RecentAttempts lists the newest audit rows.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]models.CastAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.CastAttempt
	err := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
