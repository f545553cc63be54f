// Package live answers whether a channel is broadcasting right now.
package live

import (
	"context"
	"time"
)

// Broadcast is a live or upcoming stream of a channel.
type Broadcast struct {
	ItemID       string
	Title        string
	ChannelTitle string
	Thumbnail    string
	PublishedAt  time.Time
	ScheduledAt  time.Time
}

// Prober reports the current live broadcast of a channel, or nil when the
// channel is not live. Upstream failures are returned as errs.Upstream.
type Prober interface {
	CheckLive(ctx context.Context, channelID string) (*Broadcast, error)
}
