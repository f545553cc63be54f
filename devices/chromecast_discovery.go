package devices

import (
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"go2tv.app/autocast/internal/models"
)

const (
	// CapabilityVideoOut is the bitmask for video output capability (bit 0)
	CapabilityVideoOut = 1

	googlecastService = "_googlecast._tcp"
)

// mdnsQuery is swapped in tests.
var mdnsQuery = mdns.QueryContext

// MDNSAdvertiser listens for _googlecast._tcp advertisements.
type MDNSAdvertiser struct {
	logger zerolog.Logger
}

// NewMDNSAdvertiser creates the default advertisement strategy.
func NewMDNSAdvertiser(logger zerolog.Logger) *MDNSAdvertiser {
	return &MDNSAdvertiser{logger: logger.With().Str("strategy", "mdns").Logger()}
}

// Name implements Strategy.
func (m *MDNSAdvertiser) Name() string { return "mdns" }

// Discover queries every active multicast interface in parallel for timeout.
// It queries on all active interfaces to handle hosts with multiple adapters
// (VPN, Docker, etc.) where the default route is not the receivers' network.
func (m *MDNSAdvertiser) Discover(ctx context.Context, timeout time.Duration) ([]Found, error) {
	interfaces := getActiveNetworkInterfaces()

	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})

	var (
		mu    sync.Mutex
		found []Found
	)
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			if f, ok := foundFromMDNSEntry(entry); ok {
				mu.Lock()
				found = append(found, f)
				mu.Unlock()
			}
		}
	}()

	var (
		errMu    sync.Mutex
		queryErr error
		okCount  int
	)
	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(googlecastService)
		params.Entries = entriesCh
		params.Timeout = timeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface

		err := mdnsQuery(ctx, params)
		errMu.Lock()
		defer errMu.Unlock()
		if err != nil {
			queryErr = err
			return
		}
		okCount++
	}

	if len(interfaces) > 0 {
		var wg sync.WaitGroup
		for _, iface := range interfaces {
			wg.Add(1)
			go func(iface net.Interface) {
				defer wg.Done()
				queryIface(&iface)
			}(iface)
		}
		wg.Wait()
	} else {
		queryIface(nil)
	}

	close(entriesCh)
	<-doneCh

	if ctx.Err() != nil {
		return found, ctx.Err()
	}
	// Only a total failure is an error; one dead interface is not.
	if okCount == 0 && queryErr != nil {
		return nil, queryErr
	}
	m.logger.Debug().Int("interfaces", len(interfaces)).Int("found", len(found)).Msg("mdns browse finished")
	return found, nil
}

func foundFromMDNSEntry(entry *mdns.ServiceEntry) (Found, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Found{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Found{}, false
	}

	friendlyName := entry.Name
	isAudioOnly := false
	for _, txt := range entry.InfoFields {
		if after, ok := strings.CutPrefix(txt, "fn="); ok {
			friendlyName = after
		}
		if after, ok := strings.CutPrefix(txt, "ca="); ok {
			isAudioOnly = isChromecastAudioOnly(after)
		}
	}
	if idx := strings.Index(friendlyName, "._googlecast"); idx > 0 {
		friendlyName = friendlyName[:idx]
	}

	port := entry.Port
	if port <= 0 {
		port = models.DefaultCastPort
	}

	return Found{
		Name:        friendlyName,
		Address:     entry.AddrV4.String(),
		Port:        port,
		Host:        strings.TrimSuffix(entry.Host, "."),
		Source:      "mdns",
		IsAudioOnly: isAudioOnly,
	}, true
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		// Skip down, loopback, or non-multicast interfaces.
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		if len(ipv4Nets(iface)) > 0 {
			active = append(active, iface)
		}
	}

	return active
}

func ipv4Nets(iface net.Interface) []*net.IPNet {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	var out []*net.IPNet
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				out = append(out, ipnet)
			}
		}
	}
	return out
}

// isChromecastAudioOnly checks the "ca" capability bitmask: without bit 0
// (video out) the device is audio-only. Unparseable values count as video.
func isChromecastAudioOnly(caField string) bool {
	ca, err := strconv.Atoi(caField)
	if err != nil {
		return false
	}
	return (ca & CapabilityVideoOut) == 0
}
