// Package callerr maps raw call failures into a closed set of categories.
// Classification is a pure function of the error and a snapshot of the
// connection context, so the same input always yields the same category.
package callerr

import (
	"errors"
	"fmt"
)

// Sentinel errors produced by the media and signaling layers. Wrapping with
// %w keeps them classifiable after annotation.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no audio input device found")
	ErrCaptureFailed    = errors.New("audio capture failed")
	ErrAckTimeout       = errors.New("signaling ack timed out")
	ErrSocketClosed     = errors.New("signaling socket closed")
)

// ServerError is an explicit rejection from the relay server, e.g. a booking
// the caller is not authorized to call on.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected call (%s): %s", e.Code, e.Message)
}

// Category is the closed classification set. Every failure path in the
// engine resolves to exactly one of these.
type Category int

const (
	PermissionError Category = iota
	DeviceError
	SignalingTimeout
	NegotiationError
	IceFailure
	ConnectionFailure
	ServerRejected
	SocketError
)

func (c Category) String() string {
	switch c {
	case PermissionError:
		return "PermissionError"
	case DeviceError:
		return "DeviceError"
	case SignalingTimeout:
		return "SignalingTimeout"
	case NegotiationError:
		return "NegotiationError"
	case IceFailure:
		return "IceFailure"
	case ConnectionFailure:
		return "ConnectionFailure"
	case ServerRejected:
		return "ServerRejected"
	case SocketError:
		return "SocketError"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Fatal reports whether the category is terminal: no retry, immediate
// cleanup, single user-facing message.
func (c Category) Fatal() bool {
	switch c {
	case PermissionError, DeviceError, ServerRejected:
		return true
	}
	return false
}

// Context is the connection snapshot consulted when the error itself is not
// conclusive. State strings follow the pion naming ("failed",
// "disconnected", "stable", ...).
type Context struct {
	ConnectionState string
	ICEState        string
	SignalingState  string
	RetryCount      int
}

// Classify resolves err to a category. Sentinel matches win over context;
// context breaks ties for opaque transport errors.
func Classify(err error, ctx Context) Category {
	var serverErr *ServerError
	switch {
	case errors.As(err, &serverErr):
		return ServerRejected
	case errors.Is(err, ErrPermissionDenied):
		return PermissionError
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrCaptureFailed):
		return DeviceError
	case errors.Is(err, ErrAckTimeout):
		return SignalingTimeout
	case errors.Is(err, ErrSocketClosed):
		return SocketError
	}

	if ctx.ICEState == "failed" {
		return IceFailure
	}
	if ctx.ConnectionState == "failed" || ctx.ConnectionState == "disconnected" {
		return ConnectionFailure
	}
	if ctx.SignalingState != "" && ctx.SignalingState != "stable" {
		return NegotiationError
	}
	return ConnectionFailure
}

// UserMessage renders the single human-readable message surfaced for a
// terminal failure of the given category. Raw codes never reach the user.
func UserMessage(c Category) string {
	switch c {
	case PermissionError:
		return "Microphone access denied. Please allow microphone access and try again."
	case DeviceError:
		return "No working microphone was found on this device."
	case ServerRejected:
		return "This call could not be started. Please check your booking and try again."
	case SignalingTimeout, SocketError:
		return "Connection to the call service was lost. Please try again."
	case IceFailure, ConnectionFailure:
		return "The call connection could not be established. Please check your network and try again."
	case NegotiationError:
		return "Call setup failed. Please try again."
	}
	return "The call ended unexpectedly."
}
