// Package tunnel carries datagrams of a QUIC connection over DNS queries and
// responses.
//
// Both ends expose a [net.PacketConn] for the QUIC engine.  Datagrams are cut
// into fragments fitting the frame budget of their direction and every
// fragment travels as the payload of one DNS message.  Upstream frames start
// with the [ClientID], which lets the server tell apart clients sharing a
// recursive resolver.  The server can only talk in responses, so the client
// keeps polling, and the server holds queries until it has something to say.
package tunnel

import "time"

// Default values of the tunnel parameters.
const (
	DefaultQueryTimeout      = 5 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultMaxPollInterval   = 2 * time.Second
	DefaultMaxAnomalies      = 32
	DefaultMaxInFlight       = 8
	DefaultQueryRate         = 200
	DefaultResponseDelay     = time.Second
	DefaultClientIdleTimeout = 2 * time.Minute
	DefaultMaxHeld           = 1024
)

const (
	// queueLen is the length of the datagram queues between the engine and
	// the tunnel loops.
	queueLen = 256

	// reassemblyBufferSize is the number of incomplete datagrams kept.
	reassemblyBufferSize = 1024

	// reassemblyTTL is the time an incomplete datagram is kept.
	reassemblyTTL = 10 * time.Second

	// maxPending is the maximum number of outstanding queries.
	maxPending = 1 << 14

	// maxQueuedFrames is the maximum number of downstream frames queued for a
	// client.
	maxQueuedFrames = 1024

	// minSweepInterval is the minimum interval between pending query sweeps.
	minSweepInterval = 50 * time.Millisecond
)

// copyDatagram returns a copy of b, since the engine reuses its buffers.
func copyDatagram(b []byte) (c []byte) {
	return append(make([]byte, 0, len(b)), b...)
}
