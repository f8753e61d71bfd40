package signaling

import "encoding/json"

// Event names on the relay wire. Keep values stable; the mobile clients and
// the relay server share them.
const (
	EventRoomJoin   = "room:join"
	EventRoomJoined = "room:joined"

	EventCallInitiate  = "call:initiate"
	EventCallAck       = "call:ack"
	EventCallIncoming  = "call:incoming"
	EventCallAccept    = "call:accept"
	EventCallAccepted  = "call:accepted"
	EventCallReject    = "call:reject"
	EventCallRejected  = "call:rejected"
	EventCallOffer     = "call:offer"
	EventCallAnswer    = "call:answer"
	EventCallCandidate = "call:ice-candidate"
	EventCallEnd       = "call:end"
	EventCallEnded     = "call:ended"
	EventCallError     = "call:error"
)

// Envelope frames every message on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload authenticates the client and requests room membership.
type JoinPayload struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

// InitiatePayload asks the backend to authorize and set up a call for a
// booking. Authorization itself is the booking service's responsibility.
type InitiatePayload struct {
	BookingID  string `json:"bookingId"`
	CallerType string `json:"callerType"`
}

// AckPayload is the structured reply to call:initiate.
type AckPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

const (
	AckStatusSuccess = "success"
	AckStatusError   = "error"
)

// IncomingPayload announces a call to the receiving party.
type IncomingPayload struct {
	BookingID    string `json:"bookingId"`
	CallerID     string `json:"callerId"`
	CallerName   string `json:"callerName"`
	ReceiverID   string `json:"receiverId"`
	ReceiverName string `json:"receiverName"`
	ServiceName  string `json:"serviceName,omitempty"`
}

type AcceptPayload struct {
	BookingID  string `json:"bookingId"`
	ReceiverID string `json:"receiverId"`
}

type RejectPayload struct {
	BookingID string `json:"bookingId"`
	Reason    string `json:"reason"`
}

// OfferPayload and AnswerPayload carry opaque session descriptions; the
// relay forwards them verbatim.
type OfferPayload struct {
	BookingID string          `json:"bookingId"`
	Offer     json.RawMessage `json:"offer"`
	To        string          `json:"to"`
}

type AnswerPayload struct {
	BookingID string          `json:"bookingId"`
	Answer    json.RawMessage `json:"answer"`
	To        string          `json:"to"`
}

type CandidatePayload struct {
	BookingID string          `json:"bookingId"`
	Candidate json.RawMessage `json:"candidate"`
	To        string          `json:"to"`
}

type EndPayload struct {
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId"`
}

// EndedPayload is the server's notification that the call finished.
type EndedPayload struct {
	DurationSeconds int64  `json:"duration"`
	EndedBy         string `json:"endedBy"`
}

type ErrorPayload struct {
	BookingID string `json:"bookingId"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}
