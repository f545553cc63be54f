// Package devices finds Cast receivers on the local network and picks the one
// a cast should target.
package devices

import (
	"context"
	"net"
	"strconv"
	"time"

	"go2tv.app/autocast/internal/models"
)

// Found is a receiver seen by a discovery strategy.
type Found struct {
	Name        string
	Address     string
	Port        int
	Host        string
	Source      string
	IsAudioOnly bool
}

// Key identifies a receiver endpoint for deduplication.
func (f Found) Key() string {
	return net.JoinHostPort(f.Address, strconv.Itoa(f.Port))
}

func (f Found) device() models.Device {
	return models.Device{Name: f.Name, Address: f.Address, Port: f.Port, Host: f.Host}
}

// Strategy is one way of finding receivers.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, timeout time.Duration) ([]Found, error)
}

// dedupe keeps the first receiver per (address, port), preserving order.
func dedupe(found []Found) []Found {
	seen := make(map[string]struct{}, len(found))
	out := found[:0:0]
	for _, f := range found {
		if f.Port <= 0 {
			f.Port = models.DefaultCastPort
		}
		if _, ok := seen[f.Key()]; ok {
			continue
		}
		seen[f.Key()] = struct{}{}
		out = append(out, f)
	}
	return out
}
