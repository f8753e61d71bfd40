package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/servibook/callkit/internal/media"
)

// Direction says which side of the call this client is on.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// Participants is fixed the moment a session is created.
type Participants struct {
	CallerID     string
	CallerName   string
	ReceiverID   string
	ReceiverName string
	ServiceName  string
}

// Session is the one stateful call entity. At most one exists per client;
// it exclusively owns the local media stream and the peer connection, and
// both are released together on any terminal transition.
type Session struct {
	ID           string
	BookingID    string
	Direction    Direction
	CallerType   string
	Participants Participants

	pc media.PeerConnection

	// pending holds remote ICE candidates that arrived before the remote
	// description. They are flushed in arrival order exactly once.
	pending       []json.RawMessage
	remoteDescSet bool
	flushed       bool

	// initiated is set once call:initiate was acked; only then does
	// teardown owe the backend a call:end.
	initiated bool

	startTime       time.Time
	started         bool
	connectedOnce   bool
	useTurnFallback bool
	errorEmitted    bool
}

func newSession(bookingID, callerType string, dir Direction, parts Participants) *Session {
	return &Session{
		ID:           uuid.NewString(),
		BookingID:    bookingID,
		Direction:    dir,
		CallerType:   callerType,
		Participants: parts,
	}
}

// RemoteID returns the other party's user id.
func (s *Session) RemoteID(selfID string) string {
	if s.Participants.CallerID == selfID {
		return s.Participants.ReceiverID
	}
	return s.Participants.CallerID
}

// QueueCandidate stores a remote candidate until the remote description is
// known.
func (s *Session) QueueCandidate(c json.RawMessage) {
	s.pending = append(s.pending, c)
}

// FlushPending applies the queued candidates in FIFO order, exactly once
// per negotiation. Candidates arriving afterwards are applied directly.
func (s *Session) FlushPending(apply func(json.RawMessage) error) error {
	if s.flushed {
		return nil
	}
	s.flushed = true
	for _, c := range s.pending {
		if err := apply(c); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// resetNegotiation prepares the session for a rebuilt connection: a new
// offer/answer cycle gets a fresh candidate queue.
func (s *Session) resetNegotiation() {
	s.pending = nil
	s.remoteDescSet = false
	s.flushed = false
}

// MarkConnected records the call start on the first transition to
// connected; reconnections keep the original start time.
func (s *Session) MarkConnected(t time.Time) {
	if !s.started {
		s.started = true
		s.startTime = t
	}
}

// Duration reports elapsed call time, zero if the call never connected.
func (s *Session) Duration(now time.Time) time.Duration {
	if !s.started {
		return 0
	}
	return now.Sub(s.startTime)
}
