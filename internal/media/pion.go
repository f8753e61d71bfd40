package media

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PionProvider is the RealtimeMediaProvider implementation backed by
// pion/webrtc. It is the only provider on desktop and server runtimes.
type PionProvider struct {
	log           *zap.Logger
	gatherTimeout time.Duration
}

func NewPionProvider(log *zap.Logger, gatherTimeout time.Duration) *PionProvider {
	return &PionProvider{
		log:           log.Named("rtc"),
		gatherTimeout: gatherTimeout,
	}
}

func (p *PionProvider) NewPeerConnection(servers []ICEServerConfig, src AudioSource) (PeerConnection, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	src.CodecSelector().Populate(&mediaEngine)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, track := range src.Tracks() {
		if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to attach audio track: %w", err)
		}
	}

	return &pionConn{
		log:           p.log,
		pc:            pc,
		gatherTimeout: p.gatherTimeout,
	}, nil
}

type pionConn struct {
	log           *zap.Logger
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// CreateOffer builds a local description. ICE gathering gets a bounded wait
// so the first offer carries most candidates; on expiry the offer is sent
// anyway and the rest trickle.
func (c *pionConn) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(c.gatherTimeout):
		c.log.Debug("ICE gathering incomplete, sending offer anyway")
	}

	return json.Marshal(c.pc.LocalDescription())
}

func (c *pionConn) CreateAnswer() (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(c.gatherTimeout):
		c.log.Debug("ICE gathering incomplete, sending answer anyway")
	}

	return json.Marshal(c.pc.LocalDescription())
}

func (c *pionConn) SetRemoteDescription(kind string, desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", kind, err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("unmarshal candidate: %w", err)
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (c *pionConn) OnICECandidate(fn func(json.RawMessage)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			c.log.Warn("failed to marshal ICE candidate", zap.Error(err))
			return
		}
		fn(raw)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(ConnState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("connection state changed", zap.Stringer("state", state))
		fn(ConnState(state.String()))
	})
}

func (c *pionConn) ConnectionState() ConnState {
	return ConnState(c.pc.ConnectionState().String())
}

func (c *pionConn) ICEConnectionState() ConnState {
	return ConnState(c.pc.ICEConnectionState().String())
}

func (c *pionConn) SignalingState() string {
	return c.pc.SignalingState().String()
}

// Stats pulls RTT and loss from the remote-inbound report, matching what the
// far side observed about our audio.
func (c *pionConn) Stats() (time.Duration, float64) {
	var (
		rtt  time.Duration
		loss float64
	)
	for _, s := range c.pc.GetStats() {
		if stat, ok := s.(webrtc.RemoteInboundRTPStreamStats); ok {
			rtt = time.Duration(stat.RoundTripTime * float64(time.Second))
			loss = stat.FractionLost
		}
	}
	return rtt, loss
}

func (c *pionConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.pc.Close()
}

// UnsupportedProvider is the stand-in for runtimes without a realtime
// transport. Every constructor fails synchronously.
type UnsupportedProvider struct{}

func (UnsupportedProvider) NewPeerConnection([]ICEServerConfig, AudioSource) (PeerConnection, error) {
	return nil, ErrUnsupportedCapability
}
