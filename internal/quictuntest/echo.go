package quictuntest

import (
	"io"
	"net"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/require"
)

// StartEcho starts a loopback TCP server echoing every connection back until
// the client closes its write side.  It returns the address of the server.
func StartEcho(tb testing.TB) (addr string) {
	tb.Helper()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(tb, err)
	testutil.CleanupAndRequireSuccess(tb, ln.Close)

	go func() {
		for {
			c, aErr := ln.AcceptTCP()
			if aErr != nil {
				return
			}

			go func() {
				defer func() { _ = c.Close() }()

				_, _ = io.Copy(c, c)
				_ = c.CloseWrite()
			}()
		}
	}()

	return ln.Addr().String()
}
