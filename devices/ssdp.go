package devices

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go2tv.app/autocast/internal/models"
)

const (
	dialSearchTarget = "urn:dial-multiscreen-org:service:dial:1"

	descHTTPClientTimeout         = 5 * time.Second
	descHTTPDialTimeout           = 2 * time.Second
	descHTTPResponseHeaderTimeout = 3 * time.Second
)

var (
	ssdpSearch       = ssdp.Search
	fetchDescription = getFriendlyName
)

var descHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout: descHTTPDialTimeout,
	}).DialContext,
	ResponseHeaderTimeout: descHTTPResponseHeaderTimeout,
	DisableKeepAlives:     true,
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout:   descHTTPClientTimeout,
		Transport: descHTTPTransport,
	}
	return retryClient.StandardClient()
}

var descClient = newRetryableHTTPClient(2)

// SSDPAdvertiser finds receivers answering DIAL searches. The Cast control
// port is not advertised over SSDP, so every hit uses the default port.
type SSDPAdvertiser struct {
	logger zerolog.Logger
}

// NewSSDPAdvertiser creates the alternate advertisement strategy.
func NewSSDPAdvertiser(logger zerolog.Logger) *SSDPAdvertiser {
	return &SSDPAdvertiser{logger: logger.With().Str("strategy", "ssdp").Logger()}
}

// Name implements Strategy.
func (s *SSDPAdvertiser) Name() string { return "ssdp" }

// Discover sends one M-SEARCH, waits timeout for answers and resolves each
// answer's friendly name from its device description.
func (s *SSDPAdvertiser) Discover(ctx context.Context, timeout time.Duration) ([]Found, error) {
	wait := int(timeout / time.Second)
	if wait < 1 {
		wait = 1
	}

	list, err := ssdpSearch(dialSearchTarget, wait, "")
	if err != nil {
		return nil, fmt.Errorf("ssdp search: %w", err)
	}

	locations := make(map[string]struct{})
	var services []ssdp.Service
	for _, srv := range list {
		if srv.Location == "" {
			continue
		}
		if _, ok := locations[srv.Location]; ok {
			continue
		}
		locations[srv.Location] = struct{}{}
		services = append(services, srv)
	}

	found := make([]Found, len(services))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, srv := range services {
		g.Go(func() error {
			u, err := url.Parse(srv.Location)
			if err != nil || u.Hostname() == "" {
				return nil
			}
			name, err := fetchDescription(gctx, srv.Location)
			if err != nil {
				s.logger.Debug().Err(err).Str("location", srv.Location).Msg("device description")
			}
			if name == "" {
				name = u.Hostname()
			}
			found[i] = Found{
				Name:    name,
				Address: u.Hostname(),
				Port:    models.DefaultCastPort,
				Source:  "ssdp",
			}
			return nil
		})
	}
	_ = g.Wait()

	out := found[:0]
	for _, f := range found {
		if f.Address != "" {
			out = append(out, f)
		}
	}
	return out, nil
}

// getFriendlyName returns the friendly name from a device description URL.
func getFriendlyName(ctx context.Context, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create NewRequest for getFriendlyName: %w", err)
	}

	req.Header.Set("Connection", "close")

	resp, err := descClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send HTTP request for getFriendlyName: %w", err)
	}
	defer resp.Body.Close()

	var fn struct {
		FriendlyName string `xml:"device>friendlyName"`
	}

	if err = xml.NewDecoder(resp.Body).Decode(&fn); err != nil {
		return "", fmt.Errorf("failed to read response body for getFriendlyName: %w", err)
	}

	return fn.FriendlyName, nil
}
