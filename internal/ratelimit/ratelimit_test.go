package ratelimit_test

import (
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/fcchbjm/quictun/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Subnet lengths used in tests.
const (
	subnetLenIPv4 = 24
	subnetLenIPv6 = 64
)

// testLogger is a test logger used in tests.
var testLogger = slogutil.NewDiscardLogger()

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		conf       *ratelimit.Config
		name       string
		wantErrMsg string
	}{{
		conf: &ratelimit.Config{
			Logger:        testLogger,
			Ratelimit:     1,
			SubnetLenIPv4: subnetLenIPv4,
			SubnetLenIPv6: subnetLenIPv6,
		},
		name:       "valid",
		wantErrMsg: "",
	}, {
		conf:       nil,
		name:       "nil",
		wantErrMsg: "no value",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			testutil.AssertErrorMsg(t, tc.wantErrMsg, tc.conf.Validate())
		})
	}

	t.Run("bad_subnet", func(t *testing.T) {
		t.Parallel()

		err := (&ratelimit.Config{
			Logger:        testLogger,
			Ratelimit:     1,
			SubnetLenIPv4: 33,
			SubnetLenIPv6: subnetLenIPv6,
		}).Validate()
		assert.Error(t, err)
	})
}

func TestLimiter_IsLimited(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(&ratelimit.Config{
		Logger:        testLogger,
		Ratelimit:     1,
		SubnetLenIPv4: subnetLenIPv4,
		SubnetLenIPv6: subnetLenIPv6,
	})

	addr := netip.MustParseAddr("192.0.2.1")
	require.False(t, l.IsLimited(addr), "first query should not be ratelimited")

	assert.True(t, l.IsLimited(addr))

	// The same /24 shares the bucket.
	assert.True(t, l.IsLimited(netip.MustParseAddr("192.0.2.200")))
	assert.False(t, l.IsLimited(netip.MustParseAddr("198.51.100.1")))
}

func TestLimiter_IsLimited_allowlist(t *testing.T) {
	t.Parallel()

	addrAllow := netip.MustParseAddr("192.0.2.0")

	l := ratelimit.New(&ratelimit.Config{
		Logger:         testLogger,
		AllowlistAddrs: []netip.Addr{addrAllow},
		Ratelimit:      1,
		SubnetLenIPv4:  subnetLenIPv4,
		SubnetLenIPv6:  subnetLenIPv6,
	})

	for range 3 {
		assert.False(t, l.IsLimited(addrAllow))
	}

	mapped := netip.AddrFrom16(addrAllow.As16())
	assert.False(t, l.IsLimited(mapped))
}
