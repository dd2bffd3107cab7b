// Package netutil contains network-related utilities common among the tunnel
// packages.
package netutil

import (
	"context"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"
)

// Wildcard addresses of the client socket.
const (
	addrUnspecified6 = "[::]:0"
	addrUnspecified4 = "0.0.0.0:0"
)

// BindUDP binds a UDP socket to an ephemeral port on all interfaces.  It
// tries the dual-stack wildcard first and falls back to the IPv4 one for
// hosts without IPv6.
func BindUDP(ctx context.Context, lc *net.ListenConfig) (conn net.PacketConn, err error) {
	conn, err6 := lc.ListenPacket(ctx, "udp", addrUnspecified6)
	if err6 == nil {
		return conn, nil
	}

	conn, err4 := lc.ListenPacket(ctx, "udp4", addrUnspecified4)
	if err4 == nil {
		return conn, nil
	}

	return nil, fmt.Errorf("binding udp socket: %w", errors.Join(err6, err4))
}
