// Package session ties the call engine together: one state machine owning
// the single active call session, routing signaling events, media, quality
// monitoring and failure recovery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/callerr"
	"github.com/servibook/callkit/internal/config"
	"github.com/servibook/callkit/internal/media"
	"github.com/servibook/callkit/internal/quality"
	"github.com/servibook/callkit/internal/recovery"
	"github.com/servibook/callkit/internal/signaling"
)

// Call session states.
const (
	StateIdle         = "idle"
	StateInitiating   = "initiating"
	StateRinging      = "ringing"
	StateNegotiating  = "negotiating"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateEnding       = "ending"
	StateEnded        = "ended"
	StateFailed       = "failed"
)

const (
	evInitiate  = "initiate"
	evIncoming  = "incoming"
	evRing      = "ring"
	evNegotiate = "negotiate"
	evConnect   = "connect"
	evConnected = "connected"
	evDegrade   = "degrade"
	evEnd       = "end"
	evEnded     = "ended"
	evFail      = "fail"
)

var (
	// ErrCallInProgress rejects a second start/accept while a session is
	// active. The rejection happens before any side effect.
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrInvalidState rejects an operation the current state cannot take.
	ErrInvalidState = errors.New("operation not valid in current call state")
)

// Signaler is the outbound half of the signaling channel the manager needs.
type Signaler interface {
	CallInitiate(ctx context.Context, bookingID, callerType string) error
	SendAccept(signaling.AcceptPayload) error
	SendReject(signaling.RejectPayload) error
	SendOffer(signaling.OfferPayload) error
	SendAnswer(signaling.AnswerPayload) error
	SendCandidate(signaling.CandidatePayload) error
	SendEnd(signaling.EndPayload) error
}

// Manager owns the single active CallSession for an authenticated client.
// It is constructed once per login session and passed by reference; there
// is no package-level global.
//
// All state mutation is serialized: public methods and the internal event
// queue both take the one mutex, so no two handlers run concurrently.
type Manager struct {
	cfg      *config.Config
	log      *zap.Logger
	signaler Signaler
	provider media.Provider
	pipeline media.AudioSource
	events   *Events
	userID   string
	now      func() time.Time

	mu        sync.Mutex
	machine   *fsm.FSM
	sess      *Session
	recovery  *recovery.Manager
	monitor   *quality.Monitor
	retryStep func()
	// activeClass is the retry class currently being recovered, reset on
	// the matching success.
	activeClass recovery.Class
	// epoch invalidates every pending timer the instant cleanup begins.
	epoch uint64

	queue chan func()
	quit  chan struct{}
	once  sync.Once
}

func NewManager(cfg *config.Config, log *zap.Logger, signaler Signaler,
	provider media.Provider, pipeline media.AudioSource, userID string) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      log.Named("session"),
		signaler: signaler,
		provider: provider,
		pipeline: pipeline,
		events:   NewEvents(),
		userID:   userID,
		now:      time.Now,
		recovery: recovery.NewManager(log, cfg.Retry.MaxAttempts,
			cfg.Retry.BaseDelay, cfg.Retry.ReconnectCap),
		queue: make(chan func(), 128),
		quit:  make(chan struct{}),
	}
	m.machine = m.newMachine()
	go m.run()
	return m
}

func (m *Manager) newMachine() *fsm.FSM {
	active := []string{
		StateInitiating, StateRinging, StateNegotiating,
		StateConnecting, StateConnected, StateReconnecting,
	}
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evInitiate, Src: []string{StateIdle}, Dst: StateInitiating},
			{Name: evIncoming, Src: []string{StateIdle}, Dst: StateRinging},
			{Name: evRing, Src: []string{StateInitiating}, Dst: StateRinging},
			{Name: evNegotiate, Src: []string{StateRinging}, Dst: StateNegotiating},
			{Name: evConnect, Src: []string{StateNegotiating}, Dst: StateConnecting},
			{Name: evConnected, Src: []string{StateNegotiating, StateConnecting, StateReconnecting}, Dst: StateConnected},
			{Name: evDegrade, Src: []string{StateConnected}, Dst: StateReconnecting},
			{Name: evEnd, Src: active, Dst: StateEnding},
			{Name: evEnded, Src: []string{StateEnding}, Dst: StateEnded},
			{Name: evFail, Src: append([]string{StateEnding}, active...), Dst: StateFailed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.log.Info("call state transition",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
}

// run drains the internal event queue. Signaling and transport callbacks
// enqueue here so they never block their own read loops; execution order is
// arrival order.
func (m *Manager) run() {
	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.queue:
			fn()
		}
	}
}

// enqueue blocks until the event fits; dropping would reorder the stream.
// The drain goroutine never parks inside a handler, so a full queue only
// ever means a short burst.
func (m *Manager) enqueue(fn func()) {
	select {
	case m.queue <- fn:
	case <-m.quit:
	}
}

// Events exposes the listener registry.
func (m *Manager) Events() *Events {
	return m.events
}

// State returns the current state machine node.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current()
}

func (m *Manager) canStartLocked() bool {
	switch m.machine.Current() {
	case StateIdle, StateEnded, StateFailed:
		return m.sess == nil
	}
	return false
}

func (m *Manager) fire(event string) {
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.log.Warn("state transition rejected",
			zap.String("event", event),
			zap.String("state", m.machine.Current()),
			zap.Error(err))
	}
}

// StartCall authorizes, acquires media and rings the other party. A second
// StartCall while a session is active is rejected synchronously without any
// side effect.
func (m *Manager) StartCall(ctx context.Context, bookingID, callerType string, parts Participants) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canStartLocked() {
		return ErrCallInProgress
	}
	m.resetLocked()

	m.sess = newSession(bookingID, callerType, DirectionOutgoing, parts)
	m.fire(evInitiate)
	m.log.Info("starting call",
		zap.String("bookingID", bookingID),
		zap.String("sessionID", m.sess.ID))

	if err := m.initiateWithRetryLocked(ctx, bookingID, callerType); err != nil {
		return err
	}
	m.sess.initiated = true
	m.recovery.MarkRecovered(recovery.ClassStartCall)

	if err := m.pipeline.Acquire(); err != nil {
		cat := callerr.Classify(err, m.snapshotLocked())
		return m.failLocked(cat)
	}

	m.fire(evRing)
	m.events.emitRinging()
	return nil
}

// initiateWithRetryLocked runs call:initiate under the start_call retry
// budget. Fatal rejections and budget exhaustion both tear down without
// sending call:end, since the backend never accepted the call.
func (m *Manager) initiateWithRetryLocked(ctx context.Context, bookingID, callerType string) error {
	for {
		err := m.signaler.CallInitiate(ctx, bookingID, callerType)
		if err == nil {
			return nil
		}

		cat := callerr.Classify(err, m.snapshotLocked())
		if cat.Fatal() {
			return m.failLocked(cat)
		}
		dec := m.recovery.Decide(cat)
		if dec.Action != recovery.ActionRetry && dec.Action != recovery.ActionReconnect {
			return m.failLocked(cat)
		}

		m.log.Warn("call initiation failed, backing off",
			zap.Error(err), zap.Duration("delay", dec.Delay))
		timer := time.NewTimer(dec.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.cleanupLocked(false)
			m.fire(evFail)
			return ctx.Err()
		}
	}
}

// AcceptCall answers the ringing incoming call: acquires media, builds the
// receiving connection and tells the caller to proceed.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Direction != DirectionIncoming ||
		m.machine.Current() != StateRinging {
		return ErrInvalidState
	}

	if err := m.pipeline.Acquire(); err != nil {
		cat := callerr.Classify(err, m.snapshotLocked())
		return m.failLocked(cat)
	}

	if err := m.createConnectionLocked(); err != nil {
		cat := m.connectionErrorCategory(err)
		return m.failLocked(cat)
	}

	if err := m.signaler.SendAccept(signaling.AcceptPayload{
		BookingID:  m.sess.BookingID,
		ReceiverID: m.userID,
	}); err != nil {
		cat := callerr.Classify(err, m.snapshotLocked())
		return m.failLocked(cat)
	}

	m.sess.initiated = true
	m.fire(evNegotiate)
	return nil
}

// RejectCall declines the ringing incoming call.
func (m *Manager) RejectCall(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.Direction != DirectionIncoming ||
		m.machine.Current() != StateRinging {
		return ErrInvalidState
	}

	err := m.signaler.SendReject(signaling.RejectPayload{
		BookingID: m.sess.BookingID,
		Reason:    reason,
	})
	m.fire(evEnd)
	m.cleanupLocked(false)
	m.fire(evEnded)
	return err
}

// EndCall hangs up the active call and releases every resource.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return nil
	}
	duration := m.sess.Duration(m.now())
	m.fire(evEnd)
	m.cleanupLocked(true)
	m.fire(evEnded)
	m.events.emitEnded(CallEnd{Duration: duration, EndedBy: m.userID})
	return nil
}

// Cleanup releases all session resources. Idempotent: cleaning an already
// clean manager is a no-op.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	m.fire(evEnd)
	m.cleanupLocked(true)
	m.fire(evEnded)
}

// Close shuts the manager down for good, ending any active call.
func (m *Manager) Close() {
	m.Cleanup()
	m.once.Do(func() { close(m.quit) })
}

// ---- inbound signaling (signaling.EventHandler) ----
// Handlers enqueue so the channel's read pump never blocks; the queue
// preserves arrival order.

func (m *Manager) HandleIncomingCall(p signaling.IncomingPayload) {
	m.enqueue(func() { m.handleIncomingCall(p) })
}

func (m *Manager) handleIncomingCall(p signaling.IncomingPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canStartLocked() {
		// Busy: auto-reject without touching the active session.
		m.log.Info("rejecting incoming call while busy",
			zap.String("bookingID", p.BookingID))
		if err := m.signaler.SendReject(signaling.RejectPayload{
			BookingID: p.BookingID,
			Reason:    "busy",
		}); err != nil {
			m.log.Warn("busy reject failed", zap.Error(err))
		}
		return
	}

	m.resetLocked()
	m.sess = newSession(p.BookingID, "", DirectionIncoming, Participants{
		CallerID:     p.CallerID,
		CallerName:   p.CallerName,
		ReceiverID:   p.ReceiverID,
		ReceiverName: p.ReceiverName,
		ServiceName:  p.ServiceName,
	})
	m.fire(evIncoming)
	m.events.emitIncomingCall(IncomingCall{
		BookingID:    p.BookingID,
		Participants: m.sess.Participants,
	})
}

func (m *Manager) HandleAccepted(p signaling.AcceptPayload) {
	m.enqueue(func() { m.handleAccepted(p) })
}

func (m *Manager) handleAccepted(p signaling.AcceptPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.BookingID != p.BookingID ||
		m.sess.Direction != DirectionOutgoing ||
		m.machine.Current() != StateRinging {
		return
	}

	if err := m.createConnectionLocked(); err != nil {
		m.failLocked(m.connectionErrorCategory(err))
		return
	}
	m.fire(evNegotiate)
	m.sendOfferLocked(false)
}

func (m *Manager) HandleRejected(p signaling.RejectPayload) {
	m.enqueue(func() { m.handleRejected(p) })
}

func (m *Manager) handleRejected(p signaling.RejectPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.BookingID != p.BookingID {
		return
	}
	remote := m.sess.RemoteID(m.userID)
	m.fire(evEnd)
	m.cleanupLocked(false)
	m.fire(evEnded)
	m.events.emitEnded(CallEnd{EndedBy: remote, Reason: p.Reason})
}

func (m *Manager) HandleOffer(p signaling.OfferPayload) {
	m.enqueue(func() { m.handleOffer(p) })
}

func (m *Manager) handleOffer(p signaling.OfferPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.BookingID != p.BookingID || m.sess.pc == nil {
		return
	}
	m.handleOfferLocked(p)
}

// handleOfferLocked applies the remote offer, flushes held candidates and
// sends the answer. The whole sequence is the retry unit: a RETRY decision
// re-runs it from the top, skipping only what already succeeded, so the
// answer can never go out without the remote description in place.
func (m *Manager) handleOfferLocked(p signaling.OfferPayload) {
	sess := m.sess
	if sess == nil || sess.pc == nil {
		return
	}

	if !sess.remoteDescSet {
		if err := sess.pc.SetRemoteDescription("offer", p.Offer); err != nil {
			m.recoverNegotiationLocked(err, func() { m.handleOfferLocked(p) })
			return
		}
		sess.remoteDescSet = true
		if err := sess.FlushPending(sess.pc.AddICECandidate); err != nil {
			m.log.Warn("failed to apply queued candidate", zap.Error(err))
		}
	}

	answer, err := sess.pc.CreateAnswer()
	if err != nil {
		m.recoverNegotiationLocked(err, func() { m.handleOfferLocked(p) })
		return
	}
	if err := m.signaler.SendAnswer(signaling.AnswerPayload{
		BookingID: sess.BookingID,
		Answer:    answer,
		To:        sess.RemoteID(m.userID),
	}); err != nil {
		m.recoverNegotiationLocked(err, func() { m.handleOfferLocked(p) })
		return
	}
	m.retryStep = nil
	m.recovery.MarkRecovered(recovery.ClassStartCall)
	if m.machine.Current() == StateNegotiating {
		m.fire(evConnect)
	}
}

func (m *Manager) HandleAnswer(p signaling.AnswerPayload) {
	m.enqueue(func() { m.handleAnswer(p) })
}

func (m *Manager) handleAnswer(p signaling.AnswerPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.BookingID != p.BookingID || m.sess.pc == nil {
		return
	}
	m.handleAnswerLocked(p)
}

// handleAnswerLocked is the retry unit for an inbound answer. Retry steps
// run with the mutex already held, so the step registered here must never
// take it again.
func (m *Manager) handleAnswerLocked(p signaling.AnswerPayload) {
	sess := m.sess
	if sess == nil || sess.pc == nil {
		return
	}

	if err := sess.pc.SetRemoteDescription("answer", p.Answer); err != nil {
		m.recoverNegotiationLocked(err, func() { m.handleAnswerLocked(p) })
		return
	}
	sess.remoteDescSet = true
	if err := sess.FlushPending(sess.pc.AddICECandidate); err != nil {
		m.log.Warn("failed to apply queued candidate", zap.Error(err))
	}
	m.retryStep = nil
	m.recovery.MarkRecovered(recovery.ClassStartCall)
	if m.machine.Current() == StateNegotiating {
		m.fire(evConnect)
	}
}

func (m *Manager) HandleCandidate(p signaling.CandidatePayload) {
	m.enqueue(func() { m.handleCandidate(p) })
}

func (m *Manager) handleCandidate(p signaling.CandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.BookingID != p.BookingID {
		return
	}
	if m.sess.pc == nil || !m.sess.remoteDescSet {
		// Remote description not known yet: hold in arrival order.
		m.sess.QueueCandidate(p.Candidate)
		return
	}
	if err := m.sess.pc.AddICECandidate(p.Candidate); err != nil {
		m.log.Warn("failed to add remote candidate", zap.Error(err))
	}
}

func (m *Manager) HandleEnded(p signaling.EndedPayload) {
	m.enqueue(func() { m.handleEnded(p) })
}

func (m *Manager) handleEnded(p signaling.EndedPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return
	}
	duration := time.Duration(p.DurationSeconds) * time.Second
	if duration == 0 {
		duration = m.sess.Duration(m.now())
	}
	m.fire(evEnd)
	m.cleanupLocked(false)
	m.fire(evEnded)
	m.events.emitEnded(CallEnd{Duration: duration, EndedBy: p.EndedBy})
}

func (m *Manager) HandleServerError(p signaling.ErrorPayload) {
	m.enqueue(func() { m.handleServerError(p) })
}

func (m *Manager) handleServerError(p signaling.ErrorPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || (p.BookingID != "" && m.sess.BookingID != p.BookingID) {
		return
	}
	m.log.Warn("server error for active call",
		zap.String("errorCode", p.ErrorCode), zap.String("message", p.Message))
	m.failLocked(callerr.ServerRejected)
}

func (m *Manager) HandleChannelDown(err error) {
	m.enqueue(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sess == nil {
			return
		}
		m.log.Error("signaling channel lost with active call", zap.Error(err))
		m.failLocked(callerr.SocketError)
	})
}

func (m *Manager) HandleChannelUp() {
	// Room rejoin is transparent; an in-flight call just continues.
	m.log.Info("signaling channel restored")
}

// ---- connection plumbing ----

// createConnectionLocked builds the peer connection for the current session
// against the STUN set, adding the relay set once the session has fallen
// back to TURN.
func (m *Manager) createConnectionLocked() error {
	sess := m.sess
	servers := []media.ICEServerConfig{{URLs: m.cfg.STUNServers}}
	if sess.useTurnFallback {
		servers = append(servers, media.ICEServerConfig{
			URLs:       m.cfg.TURNServers,
			Username:   m.cfg.TURNUsername,
			Credential: m.cfg.TURNCredential,
		})
	}

	pc, err := m.provider.NewPeerConnection(servers, m.pipeline)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(candidate json.RawMessage) {
		m.enqueue(func() { m.sendLocalCandidate(pc, candidate) })
	})
	pc.OnConnectionStateChange(func(state media.ConnState) {
		m.enqueue(func() { m.handleConnState(pc, state) })
	})

	sess.pc = pc
	return nil
}

func (m *Manager) sendLocalCandidate(pc media.PeerConnection, candidate json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.pc != pc {
		return
	}
	if err := m.signaler.SendCandidate(signaling.CandidatePayload{
		BookingID: m.sess.BookingID,
		Candidate: candidate,
		To:        m.sess.RemoteID(m.userID),
	}); err != nil {
		m.log.Warn("failed to send local candidate", zap.Error(err))
	}
}

func (m *Manager) sendOfferLocked(iceRestart bool) {
	sess := m.sess
	if sess == nil || sess.pc == nil {
		return
	}
	offer, err := sess.pc.CreateOffer(iceRestart)
	if err != nil {
		m.recoverNegotiationLocked(err, func() { m.sendOfferLocked(iceRestart) })
		return
	}
	if err := m.signaler.SendOffer(signaling.OfferPayload{
		BookingID: sess.BookingID,
		Offer:     offer,
		To:        sess.RemoteID(m.userID),
	}); err != nil {
		m.recoverNegotiationLocked(err, func() { m.sendOfferLocked(iceRestart) })
		return
	}
	m.retryStep = nil
}

// handleConnState reacts to transport state changes for the session's
// current connection; stale connections are ignored.
func (m *Manager) handleConnState(pc media.PeerConnection, state media.ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.pc != pc {
		return
	}

	switch state {
	case media.ConnStateConnected:
		m.handleConnectedLocked()
	case media.ConnStateDisconnected, media.ConnStateFailed:
		m.handleDegradedLocked()
	}
}

func (m *Manager) handleConnectedLocked() {
	cur := m.machine.Current()
	if cur != StateNegotiating && cur != StateConnecting && cur != StateReconnecting {
		return
	}

	m.fire(evConnected)
	m.sess.MarkConnected(m.now())

	if m.activeClass != "" {
		// A recovery succeeded: only its own class resets.
		m.recovery.MarkRecovered(m.activeClass)
		m.activeClass = ""
	} else {
		m.recovery.MarkRecovered(recovery.ClassConnection)
		m.recovery.MarkRecovered(recovery.ClassICE)
		m.recovery.MarkRecovered(recovery.ClassStartCall)
	}

	m.startMonitorLocked()

	if !m.sess.connectedOnce {
		m.sess.connectedOnce = true
		m.events.emitConnected()
	}
	m.log.Info("call connected",
		zap.String("bookingID", m.sess.BookingID),
		zap.Time("startTime", m.sess.startTime))
}

func (m *Manager) handleDegradedLocked() {
	cur := m.machine.Current()
	if cur != StateConnected && cur != StateConnecting && cur != StateReconnecting {
		return
	}

	snap := m.snapshotLocked()
	cat := callerr.Classify(errors.New("transport degraded"), snap)

	if cur == StateConnected {
		m.fire(evDegrade)
		m.events.emitReconnecting()
	}
	m.applyRecoveryLocked(cat)
}

// startMonitorLocked replaces any previous quality monitor so only one ever
// runs per session.
func (m *Manager) startMonitorLocked() {
	if m.monitor != nil {
		m.monitor.Stop()
	}
	pc := m.sess.pc
	m.monitor = quality.NewMonitor(m.log, pc, m.cfg.MonitorInterval,
		func(connState, iceState media.ConnState) {
			m.enqueue(func() {
				m.mu.Lock()
				defer m.mu.Unlock()
				if m.sess == nil || m.sess.pc != pc {
					return
				}
				m.log.Warn("quality monitor reported degradation")
				m.handleDegradedLocked()
			})
		})
	m.monitor.Start()
}

// ---- recovery execution ----

func (m *Manager) applyRecoveryLocked(cat callerr.Category) {
	dec := m.recovery.Decide(cat)
	switch dec.Action {
	case recovery.ActionFail:
		m.failLocked(cat)

	case recovery.ActionRetry:
		m.activeClass = dec.Class
		step := m.retryStep
		m.schedule(dec.Delay, func() {
			if step != nil {
				step()
			}
		})

	case recovery.ActionReconnect:
		m.activeClass = dec.Class
		m.schedule(dec.Delay, func() { m.reconnectLocked() })

	case recovery.ActionICERestart:
		m.activeClass = dec.Class
		m.schedule(dec.Delay, func() { m.iceRestartLocked() })

	case recovery.ActionFallbackTURN:
		m.activeClass = dec.Class
		m.sess.useTurnFallback = true
		m.log.Info("falling back to TURN relay servers")
		m.reconnectLocked()
	}
}

// recoverNegotiationLocked routes a failed negotiation step through the
// classifier, remembering the step so a RETRY decision can repeat it.
func (m *Manager) recoverNegotiationLocked(err error, step func()) {
	m.log.Warn("negotiation step failed", zap.Error(err))
	m.retryStep = step

	cat := callerr.Classify(err, m.snapshotLocked())
	if cat == callerr.ConnectionFailure {
		// Healthy transport with a failed step is a negotiation problem,
		// not a connection one.
		if pc := m.sess.pc; pc != nil {
			s := pc.ConnectionState()
			if s != media.ConnStateFailed && s != media.ConnStateDisconnected {
				cat = callerr.NegotiationError
			}
		}
	}
	m.applyRecoveryLocked(cat)
}

// reconnectLocked rebuilds the peer connection, reusing the local stream.
// If the transport already healed on its own, it only records the success.
func (m *Manager) reconnectLocked() {
	sess := m.sess
	if sess == nil {
		return
	}

	if sess.pc != nil && sess.pc.ConnectionState() == media.ConnStateConnected {
		m.handleConnectedLocked()
		return
	}

	m.log.Info("rebuilding peer connection",
		zap.Bool("turnFallback", sess.useTurnFallback))

	if sess.pc != nil {
		sess.pc.Close()
		sess.pc = nil
	}
	sess.resetNegotiation()

	if err := m.createConnectionLocked(); err != nil {
		m.failLocked(m.connectionErrorCategory(err))
		return
	}
	m.sendOfferLocked(false)
}

// iceRestartLocked renegotiates on the existing connection with the ICE
// restart flag, skipping the restart when the transport already recovered.
func (m *Manager) iceRestartLocked() {
	sess := m.sess
	if sess == nil || sess.pc == nil {
		return
	}
	if sess.pc.ConnectionState() == media.ConnStateConnected {
		m.handleConnectedLocked()
		return
	}
	m.log.Info("restarting ICE")
	sess.resetNegotiation()
	m.sendOfferLocked(true)
}

// ---- teardown ----

// failLocked surfaces exactly one user message for the session, releases
// everything and parks the machine in Failed. Returns an error carrying the
// same message for synchronous callers.
func (m *Manager) failLocked(cat callerr.Category) error {
	msg := callerr.UserMessage(cat)
	if m.sess != nil && !m.sess.errorEmitted {
		m.sess.errorEmitted = true
		m.events.emitError(msg)
	}
	m.log.Error("call failed",
		zap.Stringer("category", cat),
		zap.String("state", m.machine.Current()))

	m.cleanupLocked(true)
	m.fire(evFail)
	return fmt.Errorf("%s", msg)
}

// cleanupLocked releases all session resources: timers first (atomically,
// via the epoch bump), then the monitor, media and connection. Safe to call
// on an already clean manager.
func (m *Manager) cleanupLocked(sendEnd bool) {
	if m.sess == nil {
		return
	}
	sess := m.sess

	m.epoch++
	m.retryStep = nil
	m.activeClass = ""

	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}

	m.pipeline.Release()
	if sess.pc != nil {
		if err := sess.pc.Close(); err != nil {
			m.log.Warn("failed to close peer connection", zap.Error(err))
		}
		sess.pc = nil
	}

	if sendEnd && sess.initiated {
		if err := m.signaler.SendEnd(signaling.EndPayload{
			BookingID: sess.BookingID,
			UserID:    m.userID,
		}); err != nil {
			m.log.Warn("failed to send call:end", zap.Error(err))
		}
	}

	m.sess = nil
	m.log.Info("session cleaned up", zap.String("sessionID", sess.ID))
}

// resetLocked prepares the machine for a fresh session from a terminal
// state.
func (m *Manager) resetLocked() {
	m.machine.SetState(StateIdle)
	m.recovery.Reset()
}

func (m *Manager) snapshotLocked() callerr.Context {
	ctx := callerr.Context{}
	if m.sess != nil && m.sess.pc != nil {
		ctx.ConnectionState = string(m.sess.pc.ConnectionState())
		ctx.ICEState = string(m.sess.pc.ICEConnectionState())
		ctx.SignalingState = m.sess.pc.SignalingState()
	}
	return ctx
}

// schedule runs fn after d on the session's timeline. A zero delay runs
// inline; a pending timer silently expires if cleanup bumped the epoch.
func (m *Manager) schedule(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	epoch := m.epoch
	time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.epoch != epoch || m.sess == nil {
			return
		}
		fn()
	})
}

// connectionErrorCategory maps provider construction failures, including
// the missing-capability case, onto the classifier's vocabulary.
func (m *Manager) connectionErrorCategory(err error) callerr.Category {
	if errors.Is(err, media.ErrUnsupportedCapability) {
		return callerr.DeviceError
	}
	return callerr.Classify(err, m.snapshotLocked())
}
