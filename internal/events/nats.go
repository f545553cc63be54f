package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "autocast.events"

// NATSForwarder republishes bus events on NATS subjects "<prefix>.<kind>".
type NATSForwarder struct {
	conn   *nats.Conn
	prefix string
	nodeID string
	logger zerolog.Logger
}

// NewNATSForwarder connects to url. Reconnects are unlimited.
func NewNATSForwarder(url, prefix string, logger zerolog.Logger) (*NATSForwarder, error) {
	logger = logger.With().Str("component", "nats").Logger()

	conn, err := nats.Connect(url,
		nats.Name("autocast"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}

	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSForwarder{conn: conn, prefix: prefix, nodeID: nodeID(), logger: logger}, nil
}

// Run forwards every bus event until ctx is done.
func (f *NATSForwarder) Run(ctx context.Context, bus *Bus) {
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := f.forward(ev); err != nil {
				f.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("forward event")
			}
		}
	}
}

func (f *NATSForwarder) forward(ev Event) error {
	data, err := marshalMessage(ev, f.nodeID)
	if err != nil {
		return err
	}
	return f.conn.Publish(Subject(f.prefix, ev.Kind), data)
}

// Close flushes pending messages and closes the connection.
func (f *NATSForwarder) Close() error {
	return f.conn.Drain()
}

// Subject builds the NATS subject for a kind.
func Subject(prefix string, k Kind) string {
	return prefix + "." + string(k)
}

type natsMessage struct {
	EventType Kind      `json:"event_type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	MessageID string    `json:"message_id"`
}

func marshalMessage(ev Event, nodeID string) ([]byte, error) {
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return json.Marshal(natsMessage{
		EventType: ev.Kind,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
		NodeID:    nodeID,
		MessageID: ev.ID,
	})
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "autocast"
	}
	return host + "-" + uuid.NewString()[:8]
}
