package quality

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/media"
)

// stubConn is a minimal media.PeerConnection with settable states.
type stubConn struct {
	mu        sync.Mutex
	connState media.ConnState
	iceState  media.ConnState
	rtt       time.Duration
	loss      float64
}

func (s *stubConn) CreateOffer(bool) (json.RawMessage, error) { return nil, nil }

func (s *stubConn) CreateAnswer() (json.RawMessage, error) { return nil, nil }

func (s *stubConn) SetRemoteDescription(string, json.RawMessage) error { return nil }

func (s *stubConn) AddICECandidate(json.RawMessage) error { return nil }

func (s *stubConn) OnICECandidate(func(json.RawMessage)) {}

func (s *stubConn) OnConnectionStateChange(func(media.ConnState)) {}

func (s *stubConn) SignalingState() string { return "stable" }

func (s *stubConn) Close() error { return nil }

func (s *stubConn) ConnectionState() media.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

func (s *stubConn) ICEConnectionState() media.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iceState
}

func (s *stubConn) Stats() (time.Duration, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt, s.loss
}

func (s *stubConn) set(conn, ice media.ConnState) {
	s.mu.Lock()
	s.connState = conn
	s.iceState = ice
	s.mu.Unlock()
}

func TestMonitorReportsDegradationOnce(t *testing.T) {
	conn := &stubConn{connState: media.ConnStateConnected, iceState: media.ConnStateConnected}

	var (
		mu    sync.Mutex
		calls int
		got   media.ConnState
	)
	m := NewMonitor(zap.NewNop(), conn, 5*time.Millisecond,
		func(connState, _ media.ConnState) {
			mu.Lock()
			calls++
			got = connState
			mu.Unlock()
		})
	m.Start()
	defer m.Stop()

	// Let a few healthy samples land, then fail the transport.
	time.Sleep(20 * time.Millisecond)
	conn.set(media.ConnStateFailed, media.ConnStateFailed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, media.ConnStateFailed, got)
	mu.Unlock()

	// The monitor stopped itself; further samples never fire the callback.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	assert.NotEmpty(t, m.Recent(5), "samples were recorded while polling")
}

func TestMonitorFiresOnICEFailureAlone(t *testing.T) {
	conn := &stubConn{connState: media.ConnStateConnected, iceState: media.ConnStateFailed}

	fired := make(chan media.ConnState, 1)
	m := NewMonitor(zap.NewNop(), conn, time.Millisecond,
		func(_, iceState media.ConnState) { fired <- iceState })
	m.Start()
	defer m.Stop()

	select {
	case ice := <-fired:
		assert.Equal(t, media.ConnStateFailed, ice)
	case <-time.After(time.Second):
		t.Fatal("monitor never reported the failed ICE state")
	}
}

func TestMonitorFiresOnSustainedPacketLoss(t *testing.T) {
	conn := &stubConn{
		connState: media.ConnStateConnected,
		iceState:  media.ConnStateConnected,
	}
	conn.mu.Lock()
	conn.loss = 0.8
	conn.mu.Unlock()

	fired := make(chan struct{}, 1)
	m := NewMonitor(zap.NewNop(), conn, time.Millisecond,
		func(_, _ media.ConnState) { fired <- struct{}{} })
	m.Start()
	defer m.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("monitor ignored sustained packet loss")
	}
	assert.GreaterOrEqual(t, len(m.Recent(lossSampleCount)), lossSampleCount)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	conn := &stubConn{connState: media.ConnStateConnected, iceState: media.ConnStateConnected}
	m := NewMonitor(zap.NewNop(), conn, time.Hour, func(_, _ media.ConnState) {})
	m.Start()

	assert.NotPanics(t, func() {
		m.Stop()
		m.Stop()
		m.Stop()
	})
}

func TestStatsRingRecentNewestFirst(t *testing.T) {
	r := NewStatsRing(3)
	for i := 1; i <= 5; i++ {
		r.Add(Sample{RTT: time.Duration(i) * time.Millisecond})
	}

	assert.Equal(t, 3, r.Size())

	recent := r.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, 5*time.Millisecond, recent[0].RTT)
	assert.Equal(t, 4*time.Millisecond, recent[1].RTT)
	assert.Equal(t, 3*time.Millisecond, recent[2].RTT)
}

func TestStatsRingRecentClampsToSize(t *testing.T) {
	r := NewStatsRing(10)
	r.Add(Sample{RTT: time.Millisecond})

	recent := r.Recent(5)
	require.Len(t, recent, 1)
	assert.Equal(t, time.Millisecond, recent[0].RTT)

	assert.Empty(t, NewStatsRing(4).Recent(3))
}
