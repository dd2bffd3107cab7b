// Package forward relays bytes between TCP connections and tunnel streams.
//
// On the client, [Listener] accepts local TCP connections and pairs each with
// a new stream once the session is ready.  On the server, [Target] pairs each
// stream the client opens with a new TCP connection to the target address.
package forward

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"
)

// Stream is a bidirectional tunnel stream.  [*quic.Stream] implements it.
type Stream interface {
	io.ReadWriteCloser

	// CancelRead aborts the receiving part of the stream.
	CancelRead(code quic.StreamErrorCode)

	// CancelWrite aborts the sending part of the stream.
	CancelWrite(code quic.StreamErrorCode)
}

// type check
var _ Stream = (*quic.Stream)(nil)

// Opener opens streams on a client session.
type Opener interface {
	// WaitReady blocks until the session is ready to carry streams.
	WaitReady(ctx context.Context) (err error)

	// OpenStream opens a new stream on a ready session.
	OpenStream(ctx context.Context) (s Stream, err error)
}

// Handler handles the streams accepted by a server session.
type Handler interface {
	// HandleStream serves s until it is done.  It must close or cancel s.
	HandleStream(ctx context.Context, s Stream)
}

// Stream error codes.
const (
	// CodeNoError is used when a stream ends normally.
	CodeNoError quic.StreamErrorCode = 0

	// CodeRelayFailed is used when the TCP side of a relay fails.
	CodeRelayFailed quic.StreamErrorCode = 1

	// CodeDialFailed is used when the server can't reach the target.
	CodeDialFailed quic.StreamErrorCode = 2
)
