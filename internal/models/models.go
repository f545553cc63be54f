// Package models holds the persisted types.
package models

import (
	"strings"
	"time"

	"go2tv.app/autocast/internal/errs"
)

// DefaultCastPort is the Cast control port.
const DefaultCastPort = 8009

// Schedule is a weekly slot during which a channel is expected to go live.
type Schedule struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	ChannelID       string `gorm:"type:varchar(64);not null;index" json:"channel_id"`
	ChannelName     string `gorm:"type:varchar(255)" json:"channel_name"`
	DayOfWeek       int    `gorm:"not null" json:"day_of_week"` // 0 = Sunday
	StartTime       string `gorm:"type:varchar(5);not null" json:"start_time"`
	DurationMinutes int    `gorm:"not null" json:"duration_minutes"`
	DeviceID        *uint  `gorm:"index" json:"device_id,omitempty"`
	IsActive        bool   `gorm:"not null;index" json:"is_active"`

	Device *Device `gorm:"foreignKey:DeviceID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Schedule) TableName() string {
	return "schedules"
}

// Validate checks the fields a trigger depends on.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.ChannelID) == "" {
		return errs.New(errs.Validation, "schedule.validate", "channel id is required")
	}
	if s.DurationMinutes < 0 {
		return errs.New(errs.Validation, "schedule.validate", "duration must not be negative")
	}
	return ValidateRecurrence(s.DayOfWeek, s.StartTime)
}

// Label is a display name for logs.
func (s Schedule) Label() string {
	if s.ChannelName != "" {
		return s.ChannelName
	}
	return s.ChannelID
}

// ValidateRecurrence checks a day-of-week / "HH:MM" pair.
func ValidateRecurrence(day int, hhmm string) error {
	if day < 0 || day > 6 {
		return errs.Newf(errs.Validation, "schedule.validate", "day of week %d out of range 0-6", day)
	}
	_, _, err := ParseClock(hhmm)
	return err
}

// ParseClock parses a 24-hour "HH:MM" wall-clock time.
func ParseClock(hhmm string) (hour, minute int, err error) {
	t, perr := time.Parse("15:04", strings.TrimSpace(hhmm))
	if perr != nil {
		return 0, 0, errs.Newf(errs.Validation, "schedule.validate", "invalid start time %q", hhmm)
	}
	return t.Hour(), t.Minute(), nil
}

// Device is a known cast receiver. Rows are deactivated, never deleted.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Address   string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"address"`
	Port      int       `gorm:"not null" json:"port"`
	Host      string    `gorm:"type:varchar(255)" json:"host,omitempty"`
	IsDefault bool      `gorm:"not null;index" json:"is_default"`
	IsActive  bool      `gorm:"not null;index" json:"is_active"`
	LastSeen  time.Time `gorm:"index" json:"last_seen"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Device) TableName() string {
	return "devices"
}

// CastPort returns the control port, falling back to the default.
func (d Device) CastPort() int {
	if d.Port <= 0 {
		return DefaultCastPort
	}
	return d.Port
}

// AttemptStatus is the outcome recorded for a cast attempt.
type AttemptStatus string

const (
	AttemptStarted AttemptStatus = "started"
	AttemptStopped AttemptStatus = "stopped"
	AttemptError   AttemptStatus = "error"
)

// CastAttempt is one row of the audit log. DeviceID is nil when the attempt
// failed before a device was known.
type CastAttempt struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	ScheduleID   *uint         `gorm:"index" json:"schedule_id,omitempty"`
	ItemID       string        `gorm:"type:varchar(64);not null;index" json:"item_id"`
	ItemTitle    string        `gorm:"type:varchar(255)" json:"item_title,omitempty"`
	DeviceID     *uint         `gorm:"index" json:"device_id,omitempty"`
	Status       AttemptStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorMessage string        `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    time.Time     `gorm:"not null;index" json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (CastAttempt) TableName() string {
	return "cast_attempts"
}

// All lists the models for AutoMigrate.
func All() []any {
	return []any{&Device{}, &Schedule{}, &CastAttempt{}}
}
