package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go2tv.app/autocast/internal/models"
)

const (
	defaultProbeTimeout     = time.Second
	defaultProbeConcurrency = 64
)

var (
	// localNets lists the IPv4 networks of the host's usable interfaces.
	localNets = func() []*net.IPNet {
		var out []*net.IPNet
		interfaces, err := net.Interfaces()
		if err != nil {
			return nil
		}
		for _, iface := range interfaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			out = append(out, ipv4Nets(iface)...)
		}
		return out
	}

	dialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
)

// PortProber finds receivers by connecting to the Cast port of every host in
// the attached subnets.
type PortProber struct {
	Port        int
	Timeout     time.Duration
	Concurrency int
	logger      zerolog.Logger
}

// NewPortProber creates the fallback strategy.
func NewPortProber(port int, timeout time.Duration, concurrency int, logger zerolog.Logger) *PortProber {
	if port <= 0 {
		port = models.DefaultCastPort
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	return &PortProber{
		Port:        port,
		Timeout:     timeout,
		Concurrency: concurrency,
		logger:      logger.With().Str("strategy", "probe").Logger(),
	}
}

// Name implements Strategy.
func (p *PortProber) Name() string { return "probe" }

// Discover probes every candidate host. All probes finish or time out before
// it returns; the timeout argument bounds the whole sweep.
func (p *PortProber) Discover(ctx context.Context, timeout time.Duration) ([]Found, error) {
	nets := localNets()
	if len(nets) == 0 {
		return nil, fmt.Errorf("probe: no IPv4 interfaces")
	}
	targets := probeTargets(nets)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+p.Timeout)
		defer cancel()
	}

	var (
		mu    sync.Mutex
		found []Found
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)
	for _, ip := range targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !p.probe(gctx, ip) {
				return nil
			}
			f := Found{
				Name:    fmt.Sprintf("Chromecast-%d", ip.To4()[3]),
				Address: ip.String(),
				Port:    p.Port,
				Host:    ip.String(),
				Source:  "probe",
			}
			mu.Lock()
			found = append(found, f)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(found, func(i, j int) bool {
		return ipLess(net.ParseIP(found[i].Address), net.ParseIP(found[j].Address))
	})
	p.logger.Debug().Int("targets", len(targets)).Int("found", len(found)).Msg("port probe finished")
	return found, nil
}

func (p *PortProber) probe(ctx context.Context, ip net.IP) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := dialContext(ctx, "tcp", net.JoinHostPort(ip.String(), fmt.Sprint(p.Port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// probeTargets expands networks into host addresses. Networks wider than /24
// are narrowed to the /24 around the interface address.
func probeTargets(nets []*net.IPNet) []net.IP {
	seen := make(map[uint32]struct{})
	var out []net.IP
	for _, n := range nets {
		for _, ip := range hostsInSubnet(narrowTo24(n)) {
			key := binary.BigEndian.Uint32(ip.To4())
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, ip)
		}
	}
	return out
}

func narrowTo24(n *net.IPNet) *net.IPNet {
	ip := n.IP.To4()
	if ip == nil {
		return n
	}
	if ones, _ := n.Mask.Size(); ones >= 24 {
		return &net.IPNet{IP: ip.Mask(n.Mask), Mask: n.Mask}
	}
	mask := net.CIDRMask(24, 32)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

// hostsInSubnet lists usable host addresses, excluding network and broadcast
// addresses for prefixes shorter than /31.
func hostsInSubnet(n *net.IPNet) []net.IP {
	base := n.IP.To4()
	if base == nil {
		return nil
	}
	ones, bits := n.Mask.Size()
	if bits != 32 {
		return nil
	}
	size := uint32(1) << uint(32-ones)
	start := binary.BigEndian.Uint32(base.Mask(n.Mask))

	first, last := start, start+size-1
	if size > 2 {
		first, last = start+1, start+size-2
	}

	out := make([]net.IP, 0, last-first+1)
	for v := first; ; v++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, v)
		out = append(out, ip)
		if v == last {
			break
		}
	}
	return out
}

func ipLess(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	if a4 == nil || b4 == nil {
		return a.String() < b.String()
	}
	return binary.BigEndian.Uint32(a4) < binary.BigEndian.Uint32(b4)
}
