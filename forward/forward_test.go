package forward_test

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/fcchbjm/quictun/forward"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 2 * time.Second

// testLogger is the common logger for tests.
var testLogger = slogutil.NewDiscardLogger()

// errStreamCanceled is returned by the reads and writes of a canceled
// [fakeStream].
const errStreamCanceled testError = "stream canceled"

// testError is a constant error type for tests.
type testError string

// Error implements the error interface for testError.
func (e testError) Error() (msg string) { return string(e) }

// fakeStream is a [forward.Stream] made of two pipes.  The peer end is
// exposed through peerRead and peerWrite.
type fakeStream struct {
	r *io.PipeReader
	w *io.PipeWriter

	peerRead  *io.PipeReader
	peerWrite *io.PipeWriter

	mu          *sync.Mutex
	readCode    *quic.StreamErrorCode
	writeCode   *quic.StreamErrorCode
	closeCalled bool
}

// newFakeStream returns a new connected *fakeStream.
func newFakeStream() (s *fakeStream) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	return &fakeStream{
		r:         inR,
		w:         outW,
		peerRead:  outR,
		peerWrite: inW,
		mu:        &sync.Mutex{},
	}
}

// type check
var _ forward.Stream = (*fakeStream)(nil)

// Read implements the [forward.Stream] interface for *fakeStream.
func (s *fakeStream) Read(b []byte) (n int, err error) { return s.r.Read(b) }

// Write implements the [forward.Stream] interface for *fakeStream.
func (s *fakeStream) Write(b []byte) (n int, err error) { return s.w.Write(b) }

// Close implements the [forward.Stream] interface for *fakeStream.
func (s *fakeStream) Close() (err error) {
	s.mu.Lock()
	s.closeCalled = true
	s.mu.Unlock()

	return s.w.Close()
}

// CancelRead implements the [forward.Stream] interface for *fakeStream.
func (s *fakeStream) CancelRead(code quic.StreamErrorCode) {
	s.mu.Lock()
	s.readCode = &code
	s.mu.Unlock()

	_ = s.r.CloseWithError(errStreamCanceled)
}

// CancelWrite implements the [forward.Stream] interface for *fakeStream.
func (s *fakeStream) CancelWrite(code quic.StreamErrorCode) {
	s.mu.Lock()
	s.writeCode = &code
	s.mu.Unlock()

	_ = s.w.CloseWithError(errStreamCanceled)
}

// codes returns the cancellation codes, if any.
func (s *fakeStream) codes() (readCode, writeCode *quic.StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readCode, s.writeCode
}

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, ln.Close)

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, aErr := ln.AcceptTCP()
		if aErr != nil {
			close(accepted)

			return
		}

		accepted <- c
	}()

	client, err = net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)

	server, ok := testutil.RequireReceive(t, accepted, testTimeout)
	require.True(t, ok)
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return client, server
}

// readAll reads r until EOF in the background and returns the result channel.
func readAll(r io.Reader) (res <-chan []byte) {
	ch := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(r)
		ch <- b
	}()

	return ch
}
