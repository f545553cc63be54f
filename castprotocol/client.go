// Package castprotocol drives a single Cast receiver through go-chromecast.
package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/application"
	"github.com/vishen/go-chromecast/cast"
)

// DefaultPort is the Cast control port.
const DefaultPort = 8009

// ErrNotConnected is returned by commands issued before Connect or after Close.
var ErrNotConnected = errors.New("chromecast: not connected")

var errConnClosed = errors.New("chromecast: connection closed")

// guardedConn lets the socket be closed from any goroutine, including while
// Start is still dialing. A dial that completes after Close is closed at once.
type guardedConn struct {
	*cast.Connection

	mu      sync.Mutex
	started bool
	closed  bool
}

func (g *guardedConn) Start(addr string, port int) error {
	err := g.Connection.Start(addr, port)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		return err
	}
	if g.closed {
		_ = g.Connection.Close()
		return errConnClosed
	}
	g.started = true
	return nil
}

func (g *guardedConn) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if !g.started {
		return nil
	}
	return g.Connection.Close()
}

// CastClient wraps go-chromecast Application for simplified API
type CastClient struct {
	app         *application.Application
	conn        *guardedConn // keep reference to connection for custom commands
	mu          sync.RWMutex
	host        string
	port        int
	connected   bool
	transportID string
	Logger      zerolog.Logger
}

// Log returns the client logger.
func (c *CastClient) Log() *zerolog.Logger {
	return &c.Logger
}

// NewCastClient prepares a client for host:port. No traffic is sent until
// Connect.
func NewCastClient(host string, port int, logger zerolog.Logger) *CastClient {
	if port <= 0 {
		port = DefaultPort
	}

	// Create our own connection that we can use for custom commands
	conn := &guardedConn{Connection: cast.NewConnection()}
	app := application.NewApplication(
		application.WithConnection(conn),
		application.WithConnectionRetries(2),
	)

	return &CastClient{
		app:    app,
		conn:   conn,
		host:   host,
		port:   port,
		Logger: logger.With().Str("device", fmt.Sprintf("%s:%d", host, port)).Logger(),
	}
}

// withContext runs a blocking library call and gives up when ctx is done.
// The call itself keeps running until the connection is closed.
func withContext(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect establishes connection to the Chromecast device.
func (c *CastClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Connect").Msg("connecting")
	if err := withContext(ctx, func() error { return c.app.Start(c.host, c.port) }); err != nil {
		c.Log().Error().Str("Method", "Connect").Err(err).Msg("connection failed")
		// Start may still be running; closing the socket unblocks it.
		_ = c.conn.Close()
		return fmt.Errorf("chromecast connect: %w", err)
	}
	c.connected = true
	c.Log().Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

// LaunchReceiver starts appID on the device and waits until it reports a
// transport id.
func (c *CastClient) LaunchReceiver(ctx context.Context, appID string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.Log().Debug().Str("Method", "LaunchReceiver").Str("AppID", appID).Msg("launching receiver")

	if err := sendLaunch(c.conn, appID); err != nil {
		c.Log().Error().Str("Method", "LaunchReceiver").Err(err).Msg("launch failed")
		return err
	}

	// The receiver status lags the LAUNCH; poll with a growing pause.
	for i := 0; ; i++ {
		if err := withContext(ctx, c.app.Update); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("launch %s: %w", appID, ctx.Err())
			}
			c.Log().Debug().Str("Method", "LaunchReceiver").Int("Attempt", i+1).Err(err).Msg("app.Update retry")
		} else if app := c.app.App(); app != nil && app.AppId == appID && app.TransportId != "" {
			c.mu.Lock()
			c.transportID = app.TransportId
			c.mu.Unlock()
			c.Log().Debug().Str("Method", "LaunchReceiver").Str("TransportId", app.TransportId).Msg("receiver ready")
			return nil
		}

		wait := time.Duration(i+1) * 250 * time.Millisecond
		if wait > time.Second {
			wait = time.Second
		}
		if err := pause(ctx, wait); err != nil {
			return fmt.Errorf("launch %s: %w", appID, err)
		}
	}
}

// LoadItem loads req on the launched receiver and waits for the player to
// accept it.
func (c *CastClient) LoadItem(ctx context.Context, req MediaRequest) (*CastStatus, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	c.mu.RLock()
	transportID := c.transportID
	c.mu.RUnlock()
	if transportID == "" {
		return nil, fmt.Errorf("load %s: receiver not launched", req.ItemID)
	}

	c.Log().Debug().Str("Method", "LoadItem").Str("Item", req.ItemID).Bool("Live", req.Live).Msg("loading media")
	if err := sendLoad(c.conn, transportID, req); err != nil {
		c.Log().Error().Str("Method", "LoadItem").Err(err).Msg("failed")
		return nil, err
	}

	for i := 0; ; i++ {
		status, err := c.GetStatus(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("load %s: %w", req.ItemID, ctx.Err())
		case err == nil && status.Playing():
			c.Log().Debug().Str("Method", "LoadItem").Str("PlayerState", status.PlayerState).Msg("load success")
			return status, nil
		}
		if err := pause(ctx, 300*time.Millisecond); err != nil {
			return nil, fmt.Errorf("load %s: player did not start: %w", req.ItemID, err)
		}
	}
}

// GetStatus returns current playback status.
func (c *CastClient) GetStatus(ctx context.Context) (*CastStatus, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	// Request fresh status from device (Update refreshes the cached status)
	if err := withContext(ctx, c.app.Update); err != nil {
		c.Log().Debug().Str("Method", "GetStatus").Err(err).Msg("app.Update failed")
		return nil, err
	}

	app, media, vol := c.app.Status()
	status := &CastStatus{PlayerState: "IDLE"}
	if app != nil {
		status.AppID = app.AppId
		status.AppName = app.DisplayName
	}
	if vol != nil {
		status.Volume = float32(vol.Level)
		status.Muted = vol.Muted
	}
	if media != nil {
		status.PlayerState = media.PlayerState
		status.CurrentTime = media.CurrentTime
		if media.Media.Duration > 0 {
			status.Duration = media.Media.Duration
		}
		status.ContentID = media.Media.ContentId
		status.ContentType = media.Media.ContentType
		status.MediaTitle = media.Media.Metadata.Title
	}
	return status, nil
}

// Stop stops playback and the running application.
func (c *CastClient) Stop(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.Log().Debug().Str("Method", "Stop").Msg("stopping playback")
	err := withContext(ctx, c.app.Stop)
	if err != nil {
		c.Log().Error().Str("Method", "Stop").Err(err).Msg("failed")
	}
	return err
}

// Close disconnects from the Chromecast device. Playback is left alone.
func (c *CastClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return c.conn.Close()
	}
	c.Log().Debug().Str("Method", "Close").Msg("closing connection")
	c.connected = false
	c.transportID = ""
	err := c.app.Close(false)
	if err != nil {
		c.Log().Error().Str("Method", "Close").Err(err).Msg("failed")
	}
	return err
}

// IsConnected returns whether client is connected.
func (c *CastClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Host returns the hostname of the Chromecast device.
func (c *CastClient) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}
