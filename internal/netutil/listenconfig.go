package netutil

import (
	"log/slog"
	"net"
)

// ListenConfig returns the [net.ListenConfig] used for the sockets of the
// tunnel.  On Unix the sockets get SO_REUSEADDR and SO_REUSEPORT, so that a
// restarted server can rebind its DNS port at once.  l must not be nil.
func ListenConfig(l *slog.Logger) (lc *net.ListenConfig) {
	return &net.ListenConfig{
		Control: listenControl{logger: l}.defaultListenControl,
	}
}

// listenControl is a wrapper struct with logger.
type listenControl struct {
	logger *slog.Logger
}
