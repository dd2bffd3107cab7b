package forward_test

import (
	"context"
	"io"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/fcchbjm/quictun/forward"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay(t *testing.T) {
	t.Parallel()

	local, conn := tcpPair(t)
	s := newFakeStream()

	errCh := make(chan error, 1)
	go func() {
		errCh <- forward.Relay(context.Background(), conn, s)
	}()

	upstream := readAll(s.peerRead)
	downstream := readAll(local)

	_, err := local.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, local.CloseWrite())

	got, _ := testutil.RequireReceive(t, upstream, testTimeout)
	assert.Equal(t, []byte("hello"), got)

	_, err = s.peerWrite.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, s.peerWrite.Close())

	got, _ = testutil.RequireReceive(t, downstream, testTimeout)
	assert.Equal(t, []byte("world"), got)

	err, _ = testutil.RequireReceive(t, errCh, testTimeout)
	assert.NoError(t, err)

	readCode, writeCode := s.codes()
	assert.Nil(t, readCode)
	assert.Nil(t, writeCode)
}

func TestRelay_cancel(t *testing.T) {
	t.Parallel()

	_, conn := tcpPair(t)
	s := newFakeStream()

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- forward.Relay(ctx, conn, s)
	}()

	cancel()

	err, _ := testutil.RequireReceive(t, errCh, testTimeout)
	require.Error(t, err)

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, tunerr.Is(err, tunerr.KindForwarding))

	readCode, writeCode := s.codes()
	require.NotNil(t, readCode)
	require.NotNil(t, writeCode)
	assert.Equal(t, forward.CodeRelayFailed, *readCode)
	assert.Equal(t, forward.CodeRelayFailed, *writeCode)
}

func TestRelay_streamReset(t *testing.T) {
	t.Parallel()

	local, conn := tcpPair(t)
	s := newFakeStream()

	errCh := make(chan error, 1)
	go func() {
		errCh <- forward.Relay(context.Background(), conn, s)
	}()

	// Peer resets its sending side.
	require.NoError(t, s.peerWrite.CloseWithError(io.ErrUnexpectedEOF))

	err, _ := testutil.RequireReceive(t, errCh, testTimeout)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// The local connection is torn down as well.
	_, err = io.ReadAll(local)
	require.NoError(t, err)
}
