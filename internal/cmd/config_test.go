package cmd

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/ameshkov/dnsstamps"
	"github.com/fcchbjm/quictun/internal/quictuntest"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 2 * time.Second

// testDomain is the tunnel domain for tests.
const testDomain = "test.example.com"

// testLogger is the common logger for tests.
var testLogger = slogutil.NewDiscardLogger()

func TestParseResolver(t *testing.T) {
	t.Parallel()

	plainStamp := (&dnsstamps.ServerStamp{
		Proto:         dnsstamps.StampProtoTypePlain,
		ServerAddrStr: "127.0.0.1:5353",
	}).String()

	dohStamp := (&dnsstamps.ServerStamp{
		Proto:         dnsstamps.StampProtoTypeDoH,
		ServerAddrStr: "127.0.0.1",
		ProviderName:  "dns.example",
		Path:          "/dns-query",
	}).String()

	testCases := []struct {
		want       netip.AddrPort
		wantErrMsg string
		name       string
		in         string
	}{{
		want:       netip.MustParseAddrPort("127.0.0.1:5300"),
		wantErrMsg: "",
		name:       "ipv4_port",
		in:         "127.0.0.1:5300",
	}, {
		want:       netip.MustParseAddrPort("127.0.0.1:53"),
		wantErrMsg: "",
		name:       "ipv4_default_port",
		in:         "127.0.0.1",
	}, {
		want:       netip.MustParseAddrPort("[::1]:5300"),
		wantErrMsg: "",
		name:       "ipv6_port",
		in:         "[::1]:5300",
	}, {
		want:       netip.MustParseAddrPort("[::1]:53"),
		wantErrMsg: "",
		name:       "ipv6_default_port",
		in:         "::1",
	}, {
		want:       netip.MustParseAddrPort("127.0.0.1:5353"),
		wantErrMsg: "",
		name:       "plain_stamp",
		in:         plainStamp,
	}, {
		want:       netip.AddrPort{},
		wantErrMsg: "stamp protocol DoH: bad enum value",
		name:       "doh_stamp",
		in:         dohStamp,
	}, {
		want:       netip.AddrPort{},
		wantErrMsg: "empty value",
		name:       "empty",
		in:         "",
	}, {
		want:       netip.AddrPort{},
		wantErrMsg: `parsing port: strconv.ParseUint: parsing "99999": value out of range`,
		name:       "bad_port",
		in:         "127.0.0.1:99999",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseResolver(testutil.ContextWithTimeout(t, testTimeout), tc.in)
			testutil.AssertErrorMsg(t, tc.wantErrMsg, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConfiguration_newClientConfig(t *testing.T) {
	t.Parallel()

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		cert := quictuntest.NewCertificate(t, testDomain)
		certPath, _ := cert.WriteFiles(t)

		conf := newDefaultConfiguration()
		conf.Domains = []string{testDomain}
		conf.Resolver = "127.0.0.1:5300"
		conf.TCPListenPort = 5201
		conf.Certs = []string{certPath}

		c, addr, err := conf.newClientConfig(ctx, testLogger)
		require.NoError(t, err)
		require.NoError(t, c.Validate())

		assert.Equal(t, testDomain, c.Domain)
		assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:5300"), c.Resolver)
		assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:5201"), addr)
		assert.Equal(t, 1, c.Pins.Len())
	})

	t.Run("no_pins", func(t *testing.T) {
		t.Parallel()

		conf := newDefaultConfiguration()
		conf.Domains = []string{testDomain}
		conf.Resolver = "127.0.0.1"

		c, _, err := conf.newClientConfig(ctx, testLogger)
		require.NoError(t, err)

		assert.Zero(t, c.Pins.Len())
	})

	testCases := []struct {
		conf *configuration
		name string
	}{{
		conf: &configuration{
			Resolver: "127.0.0.1",
		},
		name: "no_domain",
	}, {
		conf: &configuration{
			Domains:  []string{testDomain, "other.example.com"},
			Resolver: "127.0.0.1",
		},
		name: "two_domains",
	}, {
		conf: &configuration{
			Domains: []string{testDomain},
		},
		name: "no_resolver",
	}, {
		conf: &configuration{
			Domains:       []string{testDomain},
			Resolver:      "127.0.0.1",
			TCPListenPort: 70000,
		},
		name: "bad_port",
	}, {
		conf: &configuration{
			Domains:  []string{testDomain},
			Resolver: "127.0.0.1",
			Certs:    []string{filepath.Join(t.TempDir(), "missing.pem")},
		},
		name: "missing_cert",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := tc.conf.newClientConfig(ctx, testLogger)
			require.Error(t, err)

			assert.True(t, tunerr.Is(err, tunerr.KindConfiguration))
		})
	}
}

func TestConfiguration_newServerConfig(t *testing.T) {
	t.Parallel()

	cert := quictuntest.NewCertificate(t, testDomain)
	certPath, keyPath := cert.WriteFiles(t)

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		conf := newDefaultConfiguration()
		conf.Domains = []string{testDomain}
		conf.TargetAddress = "127.0.0.1:5201"
		conf.Certs = []string{certPath}
		conf.KeyPath = keyPath
		conf.Ratelimit = 20
		conf.RatelimitAllowlist = []string{"192.0.2.1", "2001:db8::1"}

		c, err := conf.newServerConfig(testLogger)
		require.NoError(t, err)
		require.NoError(t, c.Validate())

		assert.Equal(t, []string{testDomain}, c.Domains)
		assert.Equal(t, uint16(defaultDNSListenPort), c.ListenAddr.Port())
		assert.Equal(t, uint(20), c.Ratelimit)

		wantAllowlist := []netip.Addr{
			netip.MustParseAddr("192.0.2.1"),
			netip.MustParseAddr("2001:db8::1"),
		}
		assert.Equal(t, wantAllowlist, c.RatelimitAllowlist)
	})

	testCases := []struct {
		conf *configuration
		name string
	}{{
		conf: &configuration{
			Domains: []string{testDomain},
			Certs:   []string{certPath},
			KeyPath: keyPath,
		},
		name: "no_target",
	}, {
		conf: &configuration{
			Domains:       []string{testDomain},
			TargetAddress: "127.0.0.1:5201",
			Certs:         []string{certPath},
		},
		name: "no_key",
	}, {
		conf: &configuration{
			Domains:       []string{testDomain},
			TargetAddress: "127.0.0.1:5201",
			Certs:         []string{certPath},
			KeyPath:       certPath,
		},
		name: "bad_key",
	}, {
		conf: &configuration{
			Domains:       []string{testDomain},
			TargetAddress: "127.0.0.1:5201",
			Certs:         []string{certPath},
			KeyPath:       keyPath,
			DNSListenPort: 70000,
		},
		name: "bad_port",
	}, {
		conf: &configuration{
			Domains:            []string{testDomain},
			TargetAddress:      "127.0.0.1:5201",
			Certs:              []string{certPath},
			KeyPath:            keyPath,
			RatelimitAllowlist: []string{"192.0.2.1", "not-an-ip"},
		},
		name: "bad_allowlist",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := tc.conf.newServerConfig(testLogger)
			require.Error(t, err)

			assert.True(t, tunerr.Is(err, tunerr.KindConfiguration))
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	t.Parallel()

	const data = `
resolver: 127.0.0.1:5300
domain:
  - test.example.com
tcp-listen-port: 5201
handshake-timeout: 10s
max-reconnects: 3
verbose: true
`

	confPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(confPath, []byte(data), 0o600))

	conf := newDefaultConfiguration()
	require.NoError(t, parseConfigFile(conf, confPath))

	assert.Equal(t, "127.0.0.1:5300", conf.Resolver)
	assert.Equal(t, []string{testDomain}, conf.Domains)
	assert.Equal(t, uint(5201), conf.TCPListenPort)
	assert.Equal(t, 10*time.Second, time.Duration(conf.HandshakeTimeout))
	assert.Equal(t, uint(3), conf.MaxReconnects)
	assert.True(t, conf.Verbose)

	err := parseConfigFile(conf, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	badPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("domain: [\n"), 0o600))

	err = parseConfigFile(conf, badPath)
	require.Error(t, err)

	assert.NotErrorIs(t, err, os.ErrNotExist)
}
