package media

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/mediadevices"
)

// ErrUnsupportedCapability is returned synchronously when the runtime has no
// realtime media transport. Callers surface it as a terminal device error
// instead of probing for platform support at every call site.
var ErrUnsupportedCapability = errors.New("realtime media transport not available on this platform")

// ICEServerConfig is one entry of the server set handed to a new connection.
type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// ConnState is the reduced connection state vocabulary the session engine
// reacts to. Values mirror the pion state strings.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// PeerConnection is the session's handle on one realtime connection.
// Descriptions and candidates are opaque JSON blobs; the signaling relay
// forwards them verbatim, so the engine never inspects them.
type PeerConnection interface {
	// CreateOffer produces a local description, waiting a bounded time for
	// ICE gathering before giving up on completeness and returning anyway.
	CreateOffer(iceRestart bool) (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(kind string, desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error

	OnICECandidate(func(candidate json.RawMessage))
	OnConnectionStateChange(func(state ConnState))

	ConnectionState() ConnState
	ICEConnectionState() ConnState
	SignalingState() string

	// Stats returns the most recent round-trip-time estimate and packet
	// loss fraction, zero-valued when unavailable.
	Stats() (rtt time.Duration, packetLoss float64)

	Close() error
}

// AudioSource is the local capture side a connection attaches to. The
// Pipeline is the production implementation.
type AudioSource interface {
	Acquire() error
	Release()
	CodecSelector() *mediadevices.CodecSelector
	Tracks() []mediadevices.Track
}

// Provider is the platform capability for realtime audio. There is one
// concrete implementation per supported runtime; unsupported runtimes
// return ErrUnsupportedCapability from every constructor.
type Provider interface {
	// NewPeerConnection builds a connection against the given server set
	// with the source's local audio attached.
	NewPeerConnection(servers []ICEServerConfig, src AudioSource) (PeerConnection, error)
}
