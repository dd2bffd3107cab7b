package netutil_test

import (
	"context"
	"net"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/fcchbjm/quictun/internal/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindUDP(t *testing.T) {
	t.Parallel()

	lc := netutil.ListenConfig(slogutil.NewDiscardLogger())
	conn, err := netutil.BindUDP(context.Background(), lc)
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, conn.Close)

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)

	assert.True(t, addr.IP.IsUnspecified())
	assert.NotZero(t, addr.Port)
}
