package session

import (
	"sync"
	"time"
)

// IncomingCall is handed to subscribers when the relay announces a call for
// this user, so a notification surface can render it.
type IncomingCall struct {
	BookingID    string
	Participants Participants
}

// CallEnd describes how a finished call went down.
type CallEnd struct {
	Duration time.Duration
	EndedBy  string
	Reason   string
}

// Subscriber is one set of listener callbacks. Nil fields are skipped.
// Multiple independent subscribers (UI, analytics) can attach without
// overwriting each other.
//
// Callbacks run on the manager's serialized path: they must return quickly
// and must not call back into the Manager from the same goroutine.
type Subscriber struct {
	OnIncomingCall func(IncomingCall)
	OnRinging      func()
	OnConnected    func()
	OnReconnecting func()
	OnEnded        func(CallEnd)
	OnError        func(message string)
}

// Events is the observer registry for call lifecycle notifications.
type Events struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

func NewEvents() *Events {
	return &Events{subs: make(map[int]Subscriber)}
}

// Subscribe registers callbacks and returns an unsubscribe func.
func (e *Events) Subscribe(s Subscriber) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = s
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Events) snapshot() []Subscriber {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	return out
}

func (e *Events) emitIncomingCall(c IncomingCall) {
	for _, s := range e.snapshot() {
		if s.OnIncomingCall != nil {
			s.OnIncomingCall(c)
		}
	}
}

func (e *Events) emitRinging() {
	for _, s := range e.snapshot() {
		if s.OnRinging != nil {
			s.OnRinging()
		}
	}
}

func (e *Events) emitConnected() {
	for _, s := range e.snapshot() {
		if s.OnConnected != nil {
			s.OnConnected()
		}
	}
}

func (e *Events) emitReconnecting() {
	for _, s := range e.snapshot() {
		if s.OnReconnecting != nil {
			s.OnReconnecting()
		}
	}
}

func (e *Events) emitEnded(c CallEnd) {
	for _, s := range e.snapshot() {
		if s.OnEnded != nil {
			s.OnEnded(c)
		}
	}
}

func (e *Events) emitError(msg string) {
	for _, s := range e.snapshot() {
		if s.OnError != nil {
			s.OnError(msg)
		}
	}
}
