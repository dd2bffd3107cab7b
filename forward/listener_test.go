package forward_test

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/fcchbjm/quictun/forward"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpener is a [forward.Opener] for tests.
type fakeOpener struct {
	onWaitReady  func(ctx context.Context) (err error)
	onOpenStream func(ctx context.Context) (s forward.Stream, err error)
}

// type check
var _ forward.Opener = (*fakeOpener)(nil)

// WaitReady implements the [forward.Opener] interface for *fakeOpener.
func (o *fakeOpener) WaitReady(ctx context.Context) (err error) {
	return o.onWaitReady(ctx)
}

// OpenStream implements the [forward.Opener] interface for *fakeOpener.
func (o *fakeOpener) OpenStream(ctx context.Context) (s forward.Stream, err error) {
	return o.onOpenStream(ctx)
}

// startListener starts a listener on a random loopback port.
func startListener(t *testing.T, o forward.Opener) (l *forward.Listener) {
	t.Helper()

	listening := make(chan netip.AddrPort, 1)
	conf := &forward.ListenerConfig{
		Logger:       testLogger,
		Opener:       o,
		OnListening:  func(addr netip.AddrPort) { listening <- addr },
		Addr:         netip.AddrPortFrom(netip.IPv4Unspecified(), 0),
		ReadyTimeout: testTimeout,
	}
	require.NoError(t, conf.Validate())

	l = forward.NewListener(conf)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, l.Start(ctx))

	addr, _ := testutil.RequireReceive(t, listening, testTimeout)
	assert.Equal(t, addr, l.Addr())
	assert.NotZero(t, addr.Port())

	go func() { _ = l.Serve(context.Background()) }()
	testutil.CleanupAndRequireSuccess(t, l.Close)

	return l
}

// dialListener connects to l over loopback.
func dialListener(t *testing.T, l *forward.Listener) (c *net.TCPConn) {
	t.Helper()

	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), l.Addr().Port())
	c, err := net.DialTCP("tcp", nil, net.TCPAddrFromAddrPort(addr))
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestListener(t *testing.T) {
	t.Parallel()

	s := newFakeStream()
	l := startListener(t, &fakeOpener{
		onWaitReady: func(_ context.Context) (err error) { return nil },
		onOpenStream: func(_ context.Context) (fs forward.Stream, err error) {
			return s, nil
		},
	})

	c := dialListener(t, l)

	upstream := readAll(s.peerRead)

	_, err := c.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	got, _ := testutil.RequireReceive(t, upstream, testTimeout)
	assert.Equal(t, []byte("data"), got)
}

func TestListener_notReady(t *testing.T) {
	t.Parallel()

	const errNotReady errors.Error = "not ready"

	opened := make(chan struct{}, 1)
	l := startListener(t, &fakeOpener{
		onWaitReady: func(_ context.Context) (err error) { return errNotReady },
		onOpenStream: func(_ context.Context) (fs forward.Stream, err error) {
			opened <- struct{}{}

			return nil, errNotReady
		},
	})

	// The connection is accepted and then closed without data.
	c := dialListener(t, l)

	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.Empty(t, opened)

	// The listener keeps accepting.
	c = dialListener(t, l)
	_, err = io.ReadAll(c)
	require.NoError(t, err)
}

func TestListenerConfig_Validate(t *testing.T) {
	t.Parallel()

	conf := &forward.ListenerConfig{}
	err := conf.Validate()
	require.Error(t, err)

	assert.ErrorIs(t, err, errors.ErrNoValue)
}
