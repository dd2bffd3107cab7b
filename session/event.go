package session

import (
	"context"
	"net/netip"

	"github.com/quic-go/quic-go"
)

// Log messages that mark the lifecycle milestones.  Operators and tests match
// on them, so they must not change.
const (
	MsgReady           = "Connection ready"
	MsgPinningRejected = "certificate pinning rejected"
)

// Application error codes sent when closing a QUIC connection.
const (
	codeNoError         quic.ApplicationErrorCode = 0x0
	codePinningRejected quic.ApplicationErrorCode = 0x101
)

// EventKind is the kind of a lifecycle [Event].
type EventKind uint8

// EventKind values.
const (
	EventListening EventKind = iota + 1
	EventReady
	EventClosed
	EventFailed
)

// String implements the [fmt.Stringer] interface for EventKind.
func (k EventKind) String() (s string) {
	switch k {
	case EventListening:
		return "listening"
	case EventReady:
		return "ready"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return "!bad_event_kind"
	}
}

// Event is a lifecycle notification of a session.
type Event struct {
	// Err is the failure for [EventFailed].
	Err error

	// Remote is the address of the peer.  On the server it is the tunnel
	// address of the client.
	Remote string

	// Local is the address of the local socket for [EventListening].
	Local netip.AddrPort

	// Kind is the kind of the event.
	Kind EventKind
}

// EventHandler receives lifecycle events.  It is called synchronously and
// must not block.
type EventHandler func(ctx context.Context, e *Event)

// emit calls h if it's not nil.
func (h EventHandler) emit(ctx context.Context, e *Event) {
	if h != nil {
		h(ctx, e)
	}
}
