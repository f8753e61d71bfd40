// Package quality polls connection statistics on an interval so degradation
// is caught proactively instead of only on state-change callbacks.
package quality

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/media"
)

const (
	ringCapacity = 30

	// Sustained packet loss at or above this fraction across consecutive
	// samples counts as degradation even while the state reads healthy.
	lossThreshold   = 0.5
	lossSampleCount = 3
)

// Monitor watches one connection while a call is up. When it observes a
// failed connection or ICE state it reports once and stops itself; a fresh
// monitor is started if the call recovers.
type Monitor struct {
	log      *zap.Logger
	conn     media.PeerConnection
	interval time.Duration
	ring     *StatsRing

	onDegraded func(connState, iceState media.ConnState)

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

func NewMonitor(log *zap.Logger, conn media.PeerConnection, interval time.Duration,
	onDegraded func(connState, iceState media.ConnState)) *Monitor {
	return &Monitor{
		log:        log.Named("quality"),
		conn:       conn,
		interval:   interval,
		ring:       NewStatsRing(ringCapacity),
		onDegraded: onDegraded,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling. Each session runs at most one monitor at a time;
// the session manager tears the previous one down before starting another.
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.poll() {
				return
			}
		}
	}
}

// poll takes one sample and reports true when the monitor should stop.
func (m *Monitor) poll() bool {
	connState := m.conn.ConnectionState()
	iceState := m.conn.ICEConnectionState()
	rtt, loss := m.conn.Stats()

	m.ring.Add(Sample{
		Timestamp:  time.Now(),
		ConnState:  connState,
		ICEState:   iceState,
		RTT:        rtt,
		PacketLoss: loss,
	})

	if connState == media.ConnStateFailed || iceState == media.ConnStateFailed ||
		m.sustainedLoss() {
		m.log.Warn("connection degradation detected",
			zap.String("connectionState", string(connState)),
			zap.String("iceState", string(iceState)),
			zap.Duration("rtt", rtt),
			zap.Float64("packetLoss", loss))
		m.Stop()
		m.onDegraded(connState, iceState)
		return true
	}

	m.log.Debug("connection sample",
		zap.String("connectionState", string(connState)),
		zap.Duration("rtt", rtt),
		zap.Float64("packetLoss", loss))
	return false
}

// sustainedLoss reports whether the last lossSampleCount samples all sat at
// or above the loss threshold.
func (m *Monitor) sustainedLoss() bool {
	recent := m.ring.Recent(lossSampleCount)
	if len(recent) < lossSampleCount {
		return false
	}
	for _, s := range recent {
		if s.PacketLoss < lossThreshold {
			return false
		}
	}
	return true
}

// Recent exposes the latest samples, newest first.
func (m *Monitor) Recent(n int) []Sample {
	return m.ring.Recent(n)
}

// Stop is idempotent and safe to call from any goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}
