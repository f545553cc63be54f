// Package events carries schedule, discovery and cast notifications to
// observers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates event categories. The set is closed: every Kind has exactly
// one payload type below.
type Kind string

const (
	KindScheduleTriggered Kind = "schedule_triggered"
	KindLiveDetected      Kind = "live_detected"
	KindNoLiveStream      Kind = "no_live_stream"
	KindScheduleError     Kind = "schedule_error"
	KindCastStarted       Kind = "cast_started"
	KindCastStopped       Kind = "cast_stopped"
	KindCastFailed        Kind = "cast_failed"
	KindDevicesFound      Kind = "devices_found"
	KindRetryStarted      Kind = "cast_retry_started"
	KindRetryAttempt      Kind = "cast_retry_attempt"
	KindRetrySuccess      Kind = "cast_retry_success"
	KindRetryFailed       Kind = "cast_retry_failed"
)

var allKinds = []Kind{
	KindScheduleTriggered,
	KindLiveDetected,
	KindNoLiveStream,
	KindScheduleError,
	KindCastStarted,
	KindCastStopped,
	KindCastFailed,
	KindDevicesFound,
	KindRetryStarted,
	KindRetryAttempt,
	KindRetrySuccess,
	KindRetryFailed,
}

// Kinds returns every event kind.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Event is one published notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a payload with an id and time.
func NewEvent(p Payload, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: p.Kind(), Payload: p, Timestamp: at}
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(p Payload)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Payload) {}

type ScheduleTriggered struct {
	ScheduleID  uint   `json:"schedule_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	StartTime   string `json:"start_time"`
}

type LiveDetected struct {
	ScheduleID  uint   `json:"schedule_id"`
	ChannelName string `json:"channel_name"`
	ItemID      string `json:"item_id"`
	Title       string `json:"title"`
}

type NoLiveStream struct {
	ScheduleID  uint   `json:"schedule_id"`
	ChannelName string `json:"channel_name"`
}

type ScheduleError struct {
	ScheduleID  uint   `json:"schedule_id"`
	ChannelName string `json:"channel_name"`
	Error       string `json:"error"`
}

type CastStarted struct {
	SessionID  string `json:"session_id"`
	ItemID     string `json:"item_id"`
	DeviceID   uint   `json:"device_id"`
	DeviceName string `json:"device_name"`
	Status     string `json:"status"`
}

type CastStopped struct {
	Reason     string `json:"reason"`
	DeviceName string `json:"device_name"`
	Error      string `json:"error,omitempty"`
}

type CastFailed struct {
	ItemID     string `json:"item_id"`
	DeviceID   *uint  `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Error      string `json:"error"`
}

// FoundDevice is one entry of DevicesFound.
type FoundDevice struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Source  string `json:"source"`
}

type DevicesFound struct {
	Devices []FoundDevice `json:"devices"`
}

type RetryStarted struct {
	ItemID     string `json:"item_id"`
	MaxRetries int    `json:"max_retries"`
}

type RetryAttempt struct {
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"max_retries"`
	ItemID     string `json:"item_id"`
}

type RetrySuccess struct {
	Attempt    int    `json:"attempt"`
	ItemID     string `json:"item_id"`
	DeviceName string `json:"device_name"`
}

type RetryFailed struct {
	MaxRetries int    `json:"max_retries"`
	Error      string `json:"error"`
	LastError  string `json:"last_error"`
}

func (ScheduleTriggered) Kind() Kind { return KindScheduleTriggered }
func (LiveDetected) Kind() Kind      { return KindLiveDetected }
func (NoLiveStream) Kind() Kind      { return KindNoLiveStream }
func (ScheduleError) Kind() Kind     { return KindScheduleError }
func (CastStarted) Kind() Kind       { return KindCastStarted }
func (CastStopped) Kind() Kind       { return KindCastStopped }
func (CastFailed) Kind() Kind        { return KindCastFailed }
func (DevicesFound) Kind() Kind      { return KindDevicesFound }
func (RetryStarted) Kind() Kind      { return KindRetryStarted }
func (RetryAttempt) Kind() Kind      { return KindRetryAttempt }
func (RetrySuccess) Kind() Kind      { return KindRetrySuccess }
func (RetryFailed) Kind() Kind       { return KindRetryFailed }

func (ScheduleTriggered) isPayload() {}
func (LiveDetected) isPayload()      {}
func (NoLiveStream) isPayload()      {}
func (ScheduleError) isPayload()     {}
func (CastStarted) isPayload()       {}
func (CastStopped) isPayload()       {}
func (CastFailed) isPayload()        {}
func (DevicesFound) isPayload()      {}
func (RetryStarted) isPayload()      {}
func (RetryAttempt) isPayload()      {}
func (RetrySuccess) isPayload()      {}
func (RetryFailed) isPayload()       {}
