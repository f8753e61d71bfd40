// Package recovery selects one recovery action for a classified failure,
// with bounded per-category retry budgets and an exponential backoff
// schedule. The decision table is closed: every category resolves through a
// single exhaustive switch.
package recovery

import (
	"time"

	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/callerr"
)

// Action is the closed set of recovery moves.
type Action int

const (
	// ActionRetry repeats the failed signaling/negotiation step.
	ActionRetry Action = iota
	// ActionReconnect rebuilds the peer connection, reusing the local stream.
	ActionReconnect
	// ActionICERestart renegotiates with the ICE restart flag set.
	ActionICERestart
	// ActionFallbackTURN rebuilds with the TURN-inclusive server set. At
	// most once per session.
	ActionFallbackTURN
	// ActionFail surfaces one user message and tears the session down.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionReconnect:
		return "reconnect"
	case ActionICERestart:
		return "ice-restart"
	case ActionFallbackTURN:
		return "fallback-turn"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

// Class names a retry counter. Counters are independent: recovering one
// class never resets another.
type Class string

const (
	ClassConnection Class = "connection"
	ClassICE        Class = "ice"
	ClassStartCall  Class = "start_call"
)

func classOf(cat callerr.Category) Class {
	switch cat {
	case callerr.IceFailure:
		return ClassICE
	case callerr.SignalingTimeout, callerr.NegotiationError:
		return ClassStartCall
	default:
		return ClassConnection
	}
}

// Decision is the selected action plus the backoff delay to apply before
// executing it.
type Decision struct {
	Action Action
	Class  Class
	Delay  time.Duration
}

// Manager tracks per-class retry history for a single session and applies
// the decision policy. It is not safe for concurrent use; the session
// manager serializes access.
type Manager struct {
	log          *zap.Logger
	maxAttempts  int
	baseDelay    time.Duration
	reconnectCap time.Duration
	counters     map[Class]int
	turnUsed     bool
}

func NewManager(log *zap.Logger, maxAttempts int, baseDelay, reconnectCap time.Duration) *Manager {
	return &Manager{
		log:          log.Named("recovery"),
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		reconnectCap: reconnectCap,
		counters:     make(map[Class]int),
	}
}

// Decide records one failure of the given category and returns the recovery
// decision for it.
func (m *Manager) Decide(cat callerr.Category) Decision {
	if cat.Fatal() {
		return Decision{Action: ActionFail, Class: classOf(cat)}
	}

	class := classOf(cat)
	if m.counters[class] < m.maxAttempts {
		m.counters[class]++
	}
	attempt := m.counters[class]

	d := Decision{Class: class}
	switch {
	case cat == callerr.IceFailure && attempt >= m.maxAttempts:
		// ICE budget exhausted: one relay fallback, then give up.
		if !m.turnUsed {
			m.turnUsed = true
			d.Action = ActionFallbackTURN
		} else {
			d.Action = ActionFail
		}
	case attempt >= m.maxAttempts:
		d.Action = ActionFail
	case cat == callerr.IceFailure:
		d.Action = ActionICERestart
		d.Delay = m.backoff(attempt, 0)
	case class == ClassConnection:
		d.Action = ActionReconnect
		d.Delay = m.backoff(attempt, m.reconnectCap)
	default:
		d.Action = ActionRetry
		d.Delay = m.backoff(attempt, 0)
	}

	m.log.Info("recovery decision",
		zap.Stringer("category", cat),
		zap.String("class", string(class)),
		zap.Int("attempt", attempt),
		zap.Stringer("action", d.Action),
		zap.Duration("delay", d.Delay))
	return d
}

// backoff computes baseDelay * 2^(attempt-1), optionally capped.
func (m *Manager) backoff(attempt int, limit time.Duration) time.Duration {
	d := m.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// MarkRecovered resets the counter for one class only, the instant that
// class returns to a healthy state.
func (m *Manager) MarkRecovered(class Class) {
	if m.counters[class] != 0 {
		m.log.Debug("retry counter reset", zap.String("class", string(class)))
	}
	m.counters[class] = 0
}

// RetryCount returns the current failure count for a class.
func (m *Manager) RetryCount(class Class) int {
	return m.counters[class]
}

// TURNUsed reports whether the one-shot TURN fallback has been consumed.
func (m *Manager) TURNUsed() bool {
	return m.turnUsed
}

// Reset clears all history for a fresh session.
func (m *Manager) Reset() {
	m.counters = make(map[Class]int)
	m.turnUsed = false
}
