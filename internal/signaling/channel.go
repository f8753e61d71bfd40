// Package signaling owns the persistent message channel to the relay
// server: connection lifecycle, room membership, framing of call events and
// bounded automatic reconnection.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/callerr"
	"github.com/servibook/callkit/internal/config"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventHandler receives inbound call events. Implementations must not block;
// the session manager posts work onto its own serialized path.
type EventHandler interface {
	HandleIncomingCall(IncomingPayload)
	HandleAccepted(AcceptPayload)
	HandleRejected(RejectPayload)
	HandleOffer(OfferPayload)
	HandleAnswer(AnswerPayload)
	HandleCandidate(CandidatePayload)
	HandleEnded(EndedPayload)
	HandleServerError(ErrorPayload)

	// HandleChannelDown fires after the reconnection budget is exhausted.
	// HandleChannelUp fires after every successful reconnect + room rejoin.
	HandleChannelDown(err error)
	HandleChannelUp()
}

// Channel is the bidirectional signaling connection. One Channel serves one
// authenticated user for the lifetime of their login session.
type Channel struct {
	cfg *config.Config
	log *zap.Logger

	mu      sync.Mutex // guards conn writes and reconnect state
	conn    *websocket.Conn
	handler EventHandler

	userID       string
	sessionToken string

	// pendingAck holds the waiter for the single outstanding call:initiate.
	ackMu      sync.Mutex
	pendingAck chan AckPayload

	joinedCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func NewChannel(cfg *config.Config, log *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		log:    log.Named("signaling"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler binds the inbound event consumer. Must be called before
// Initialize; the channel drops inbound call events until then.
func (c *Channel) SetHandler(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Channel) eventHandler() EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Initialize dials the relay, authenticates and joins the per-user room. It
// returns only after room membership is acknowledged, or fails once the
// connect timeout expires.
func (c *Channel) Initialize(ctx context.Context, userID, sessionToken string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("channel already initialized")
	}
	c.userID = userID
	c.sessionToken = sessionToken
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Connect)
	defer cancel()

	if err := c.connectAndJoin(ctx); err != nil {
		return fmt.Errorf("signaling connect: %w", err)
	}
	return nil
}

// connectAndJoin performs one dial + join handshake and starts the read
// pump on success.
func (c *Channel) connectAndJoin(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.Timeouts.Connect,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.SignalingURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial failed: %v", callerr.ErrSocketClosed, err)
	}

	joined := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.joinedCh = joined
	c.mu.Unlock()

	go c.readPump(conn)

	join := JoinPayload{UserID: c.userID, SessionToken: c.sessionToken}
	if err := c.send(EventRoomJoin, join); err != nil {
		conn.Close()
		return err
	}

	select {
	case <-joined:
	case <-ctx.Done():
		conn.Close()
		return fmt.Errorf("%w: room join not acknowledged", callerr.ErrSocketClosed)
	}

	c.log.Info("signaling channel established",
		zap.String("userID", c.userID))

	go c.pingLoop(conn)
	return nil
}

// CallInitiate asks the backend to authorize and set up a call. It awaits
// the structured ack and fails on timeout or an explicit error status.
func (c *Channel) CallInitiate(ctx context.Context, bookingID, callerType string) error {
	ack := make(chan AckPayload, 1)
	c.ackMu.Lock()
	if c.pendingAck != nil {
		c.ackMu.Unlock()
		return fmt.Errorf("call initiation already in flight")
	}
	c.pendingAck = ack
	c.ackMu.Unlock()

	defer func() {
		c.ackMu.Lock()
		c.pendingAck = nil
		c.ackMu.Unlock()
	}()

	if err := c.send(EventCallInitiate, InitiatePayload{
		BookingID:  bookingID,
		CallerType: callerType,
	}); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.Timeouts.InitiateAck)
	defer timer.Stop()

	select {
	case reply := <-ack:
		if reply.Status != AckStatusSuccess {
			return &callerr.ServerError{Code: reply.ErrorCode, Message: reply.Message}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no ack for call:initiate", callerr.ErrAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire-and-forget sends. Delivery failures surface as socket errors.

func (c *Channel) SendAccept(p AcceptPayload) error       { return c.send(EventCallAccept, p) }
func (c *Channel) SendReject(p RejectPayload) error       { return c.send(EventCallReject, p) }
func (c *Channel) SendOffer(p OfferPayload) error         { return c.send(EventCallOffer, p) }
func (c *Channel) SendAnswer(p AnswerPayload) error       { return c.send(EventCallAnswer, p) }
func (c *Channel) SendCandidate(p CandidatePayload) error { return c.send(EventCallCandidate, p) }
func (c *Channel) SendEnd(p EndPayload) error             { return c.send(EventCallEnd, p) }

func (c *Channel) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("%w: channel not connected", callerr.ErrSocketClosed)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", callerr.ErrSocketClosed, event, err)
	}
	return nil
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Channel) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case EventRoomJoined:
		c.mu.Lock()
		if c.joinedCh != nil {
			close(c.joinedCh)
			c.joinedCh = nil
		}
		c.mu.Unlock()
		return

	case EventCallAck:
		var p AckPayload
		if c.decode(env, &p) {
			c.ackMu.Lock()
			pending := c.pendingAck
			c.ackMu.Unlock()
			if pending != nil {
				select {
				case pending <- p:
				default:
				}
			}
		}
		return
	}

	handler := c.eventHandler()
	if handler == nil {
		c.log.Warn("no handler bound, dropping event", zap.String("event", env.Event))
		return
	}

	switch env.Event {
	case EventCallIncoming:
		var p IncomingPayload
		if c.decode(env, &p) {
			handler.HandleIncomingCall(p)
		}
	case EventCallAccepted:
		var p AcceptPayload
		if c.decode(env, &p) {
			handler.HandleAccepted(p)
		}
	case EventCallRejected:
		var p RejectPayload
		if c.decode(env, &p) {
			handler.HandleRejected(p)
		}
	case EventCallOffer:
		var p OfferPayload
		if c.decode(env, &p) {
			handler.HandleOffer(p)
		}
	case EventCallAnswer:
		var p AnswerPayload
		if c.decode(env, &p) {
			handler.HandleAnswer(p)
		}
	case EventCallCandidate:
		var p CandidatePayload
		if c.decode(env, &p) {
			handler.HandleCandidate(p)
		}
	case EventCallEnded:
		var p EndedPayload
		if c.decode(env, &p) {
			handler.HandleEnded(p)
		}
	case EventCallError:
		var p ErrorPayload
		if c.decode(env, &p) {
			handler.HandleServerError(p)
		}

	default:
		c.log.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

func (c *Channel) decode(env Envelope, out any) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.log.Warn("dropping malformed payload",
			zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}

// handleReadError tears the dead connection down and runs the bounded
// reconnect loop. On success the room is rejoined transparently; on
// exhaustion the handler is told the channel is down.
func (c *Channel) handleReadError(conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		// Deliberate close, or a stale pump from before a reconnect.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	c.log.Warn("signaling connection lost", zap.Error(readErr))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.Retry.SocketMaxAttempts)), c.ctx)

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeouts.Connect)
		defer cancel()
		return c.connectAndJoin(ctx)
	}, policy)

	handler := c.eventHandler()
	if err != nil {
		c.log.Error("signaling reconnection exhausted", zap.Error(err))
		if handler != nil {
			handler.HandleChannelDown(fmt.Errorf("%w: %v", callerr.ErrSocketClosed, err))
		}
		return
	}

	c.log.Info("signaling channel reestablished")
	if handler != nil {
		handler.HandleChannelUp()
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close shuts the channel down for good. No reconnection is attempted.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}
