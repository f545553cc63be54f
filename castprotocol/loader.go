package castprotocol

import (
	"fmt"
	"sync/atomic"

	"github.com/vishen/go-chromecast/cast"
)

const (
	defaultSender   = "sender-0"
	defaultReceiver = "receiver-0"

	connectionNamespace = "urn:x-cast:com.google.cast.tp.connection"
	receiverNamespace   = "urn:x-cast:com.google.cast.receiver"
	mediaNamespace      = "urn:x-cast:com.google.cast.media"
)

// Request ID counter for Chromecast messages
var requestIDCounter int32

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

// sender is the part of cast.Conn the raw commands need.
type sender interface {
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
}

// ConnectPayload opens a virtual connection to a receiver transport.
type ConnectPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId,omitempty"`
}

// SetRequestId implements cast.Payload interface
func (p *ConnectPayload) SetRequestId(id int) {
	p.RequestId = id
}

// LaunchPayload asks the platform receiver to start an application.
type LaunchPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId"`
	AppId     string `json:"appId"`
}

// SetRequestId implements cast.Payload interface
func (p *LaunchPayload) SetRequestId(id int) {
	p.RequestId = id
}

// LoadPayload is a media LOAD command.
type LoadPayload struct {
	Type        string    `json:"type"`
	RequestId   int       `json:"requestId"`
	Media       MediaItem `json:"media"`
	CurrentTime int       `json:"currentTime"`
	Autoplay    bool      `json:"autoplay"`
}

// SetRequestId implements cast.Payload interface
func (p *LoadPayload) SetRequestId(id int) {
	p.RequestId = id
}

var (
	_ cast.Payload = (*ConnectPayload)(nil)
	_ cast.Payload = (*LaunchPayload)(nil)
	_ cast.Payload = (*LoadPayload)(nil)
)

// sendLaunch sends LAUNCH for appID to the platform receiver.
func sendLaunch(conn sender, appID string) error {
	payload := &LaunchPayload{Type: "LAUNCH", AppId: appID}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, defaultReceiver, receiverNamespace); err != nil {
		return fmt.Errorf("send launch %s: %w", appID, err)
	}
	return nil
}

// sendLoad connects to the launched application's transport and sends LOAD.
func sendLoad(conn sender, transportId string, req MediaRequest) error {
	connect := &ConnectPayload{Type: "CONNECT"}
	if err := conn.Send(0, connect, defaultSender, transportId, connectionNamespace); err != nil {
		return fmt.Errorf("connect transport %s: %w", transportId, err)
	}

	payload := &LoadPayload{
		Type:     "LOAD",
		Media:    req.mediaItem(),
		Autoplay: true,
	}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, transportId, mediaNamespace); err != nil {
		return fmt.Errorf("send load: %w", err)
	}
	return nil
}
