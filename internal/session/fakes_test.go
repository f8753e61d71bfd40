package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/mediadevices"

	"github.com/servibook/callkit/internal/media"
	"github.com/servibook/callkit/internal/signaling"
)

// fakeSignaler records every outbound message and pops scripted errors for
// call:initiate.
type fakeSignaler struct {
	mu           sync.Mutex
	initiateErrs []error
	initiates    []signaling.InitiatePayload
	accepts      []signaling.AcceptPayload
	rejects      []signaling.RejectPayload
	offers       []signaling.OfferPayload
	answers      []signaling.AnswerPayload
	candidates   []signaling.CandidatePayload
	ends         []signaling.EndPayload
}

func (f *fakeSignaler) CallInitiate(_ context.Context, bookingID, callerType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiates = append(f.initiates, signaling.InitiatePayload{
		BookingID: bookingID, CallerType: callerType,
	})
	if len(f.initiateErrs) > 0 {
		err := f.initiateErrs[0]
		f.initiateErrs = f.initiateErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSignaler) SendAccept(p signaling.AcceptPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, p)
	return nil
}

func (f *fakeSignaler) SendReject(p signaling.RejectPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, p)
	return nil
}

func (f *fakeSignaler) SendOffer(p signaling.OfferPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, p)
	return nil
}

func (f *fakeSignaler) SendAnswer(p signaling.AnswerPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, p)
	return nil
}

func (f *fakeSignaler) SendCandidate(p signaling.CandidatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, p)
	return nil
}

func (f *fakeSignaler) SendEnd(p signaling.EndPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, p)
	return nil
}

func (f *fakeSignaler) initiateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.initiates)
}

func (f *fakeSignaler) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeSignaler) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ends)
}

// fakeSource stands in for the media pipeline without touching devices.
type fakeSource struct {
	mu         sync.Mutex
	acquireErr error
	acquires   int
	releases   int
}

func (f *fakeSource) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.acquireErr
}

func (f *fakeSource) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeSource) CodecSelector() *mediadevices.CodecSelector { return nil }
func (f *fakeSource) Tracks() []mediadevices.Track               { return nil }

func (f *fakeSource) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakeSource) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// fakeProvider hands out fakePCs and records the server set of each build.
type fakeProvider struct {
	mu         sync.Mutex
	err        error
	pcs        []*fakePC
	serverSets [][]media.ICEServerConfig
}

func (f *fakeProvider) NewPeerConnection(servers []media.ICEServerConfig, _ media.AudioSource) (media.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{connState: media.ConnStateNew, iceState: media.ConnStateNew}
	f.pcs = append(f.pcs, pc)
	f.serverSets = append(f.serverSets, servers)
	return pc, nil
}

func (f *fakeProvider) lastPC() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *fakeProvider) pcCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

type fakePC struct {
	mu          sync.Mutex
	connState   media.ConnState
	iceState    media.ConnState
	offerErr    error
	remoteErrs  []error
	offers      int
	restarts    int
	answersMade int
	remoteKinds []string
	added       []string
	closeCount  int
	stateCB     func(media.ConnState)
	candCB      func(json.RawMessage)
}

func (f *fakePC) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	f.offers++
	if iceRestart {
		f.restarts++
	}
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (f *fakePC) CreateAnswer() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answersMade++
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (f *fakePC) SetRemoteDescription(kind string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteKinds = append(f.remoteKinds, kind)
	if len(f.remoteErrs) > 0 {
		err := f.remoteErrs[0]
		f.remoteErrs = f.remoteErrs[1:]
		return err
	}
	return nil
}

// failRemoteDescription queues errors for the next SetRemoteDescription
// calls, one each.
func (f *fakePC) failRemoteDescription(errs ...error) {
	f.mu.Lock()
	f.remoteErrs = append(f.remoteErrs, errs...)
	f.mu.Unlock()
}

func (f *fakePC) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteKinds)
}

func (f *fakePC) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answersMade
}

func (f *fakePC) AddICECandidate(c json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, string(c))
	return nil
}

func (f *fakePC) OnICECandidate(fn func(json.RawMessage)) { f.candCB = fn }

func (f *fakePC) OnConnectionStateChange(fn func(media.ConnState)) { f.stateCB = fn }

func (f *fakePC) ConnectionState() media.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakePC) ICEConnectionState() media.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceState
}

func (f *fakePC) SignalingState() string { return "stable" }

func (f *fakePC) Stats() (time.Duration, float64) { return 0, 0 }

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakePC) setStates(conn, ice media.ConnState) {
	f.mu.Lock()
	f.connState = conn
	f.iceState = ice
	f.mu.Unlock()
}

func (f *fakePC) addedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.added))
	copy(out, f.added)
	return out
}

// recorder subscribes to every event and counts what it sees.
type recorder struct {
	mu           sync.Mutex
	incoming     []IncomingCall
	ringing      int
	connected    int
	reconnecting int
	ended        []CallEnd
	errors       []string
}

func (r *recorder) subscriber() Subscriber {
	return Subscriber{
		OnIncomingCall: func(c IncomingCall) {
			r.mu.Lock()
			r.incoming = append(r.incoming, c)
			r.mu.Unlock()
		},
		OnRinging: func() {
			r.mu.Lock()
			r.ringing++
			r.mu.Unlock()
		},
		OnConnected: func() {
			r.mu.Lock()
			r.connected++
			r.mu.Unlock()
		},
		OnReconnecting: func() {
			r.mu.Lock()
			r.reconnecting++
			r.mu.Unlock()
		},
		OnEnded: func(c CallEnd) {
			r.mu.Lock()
			r.ended = append(r.ended, c)
			r.mu.Unlock()
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.errors = append(r.errors, msg)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *recorder) errorList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.errors))
	copy(out, r.errors)
	return out
}

func (r *recorder) endedList() []CallEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallEnd, len(r.ended))
	copy(out, r.ended)
	return out
}
