package tunnel_test

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/tunnel"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 5 * time.Second

// testDomain is the tunnel domain used in tests.
const testDomain = "test.example.com"

// testLogger is the common logger for tests.
var testLogger = slogutil.NewDiscardLogger()

// newLocalUDP returns a UDP socket bound to a random port on the loopback.
func newLocalUDP(t *testing.T) (conn *net.UDPConn) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	return conn
}

// newTestCodec returns a codec for testDomain.
func newTestCodec(t *testing.T) (c *dnsframe.Codec) {
	t.Helper()

	c, err := dnsframe.NewCodec(testDomain)
	require.NoError(t, err)

	return c
}

// newTestClientConn returns a client tunnel sending queries to resolver.
func newTestClientConn(
	t *testing.T,
	resolver net.Addr,
	queryTimeout time.Duration,
	maxAnomalies uint,
) (cc *tunnel.ClientConn) {
	t.Helper()

	cc, err := tunnel.NewClientConn(&tunnel.ClientConfig{
		Logger:          testLogger,
		Conn:            newLocalUDP(t),
		Resolver:        resolver,
		Codec:           newTestCodec(t),
		QueryTimeout:    queryTimeout,
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 100 * time.Millisecond,
		MaxAnomalies:    maxAnomalies,
		MaxInFlight:     4,
		QueryRate:       100,
	})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, cc.Close)

	return cc
}

// readWithTimeout reads a datagram from conn failing the test after
// testTimeout.
func readWithTimeout(t *testing.T, conn net.PacketConn) (b []byte, addr net.Addr) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	buf := make([]byte, 2*tunnel.MaxDatagramSize)
	n, addr, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	return buf[:n], addr
}

func TestClientConn_ServerConn(t *testing.T) {
	t.Parallel()

	sc, err := tunnel.NewServerConn(&tunnel.ServerConfig{
		Logger:            testLogger,
		Conn:              newLocalUDP(t),
		Codecs:            []*dnsframe.Codec{newTestCodec(t)},
		ResponseDelay:     100 * time.Millisecond,
		ClientIdleTimeout: time.Minute,
		MaxHeld:           64,
	})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, sc.Close)

	cc := newTestClientConn(t, sc.LocalAddr(), testTimeout, 10)

	up := bytes.Repeat([]byte("upstream"), tunnel.MaxDatagramSize/8)
	_, err = cc.WriteTo(up, sc.LocalAddr())
	require.NoError(t, err)

	got, addr := readWithTimeout(t, sc)
	assert.Equal(t, up, got)

	require.IsType(t, (*tunnel.ClientAddr)(nil), addr)
	assert.Equal(t, cc.ID(), addr.(*tunnel.ClientAddr).ID)
	assert.Equal(t, tunnel.ClientAddrNetwork, addr.Network())
	assert.Equal(t, 1, sc.Clients())

	down := bytes.Repeat([]byte("downstream"), tunnel.MaxDatagramSize/10)
	_, err = sc.WriteTo(down, addr)
	require.NoError(t, err)

	got, _ = readWithTimeout(t, cc)
	assert.Equal(t, down, got)

	stats := cc.Stats()
	assert.Positive(t, stats.Queries)
	assert.Positive(t, stats.Responses)
	assert.Positive(t, stats.RTTMean)
}

func TestClientConn_unmatchedResponse(t *testing.T) {
	t.Parallel()

	resolver := newLocalUDP(t)
	testutil.CleanupAndRequireSuccess(t, resolver.Close)

	codec := newTestCodec(t)

	// The resolver answers every query with a valid data frame under a
	// transaction id nobody waits for.
	go func() {
		buf := make([]byte, dns.MaxMsgSize)
		for {
			n, from, rErr := resolver.ReadFrom(buf)
			if rErr != nil {
				return
			}

			query := &dns.Msg{}
			if query.Unpack(buf[:n]) != nil {
				continue
			}

			resp, rErr := codec.EncodeResponse(query, []byte{0, 0, 0, 1, 'x'})
			if rErr != nil {
				continue
			}

			resp.Id = query.Id + 1
			packed, _ := resp.Pack()
			_, _ = resolver.WriteTo(packed, from)
		}
	}()

	cc := newTestClientConn(t, resolver.LocalAddr(), testTimeout, 1)

	require.Eventually(t, func() (ok bool) {
		return cc.Stats().Unmatched > 1
	}, testTimeout, 10*time.Millisecond)

	stats := cc.Stats()
	assert.Zero(t, stats.Anomalies)
	assert.Zero(t, stats.Responses)

	select {
	case <-cc.Failed():
		t.Fatal("unmatched responses must not fail the tunnel")
	default:
		// Go on.
	}

	require.NoError(t, cc.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := cc.ReadFrom(make([]byte, tunnel.MaxDatagramSize))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestClientConn_anomalyBudget(t *testing.T) {
	t.Parallel()

	// The resolver never answers.
	resolver := newLocalUDP(t)
	testutil.CleanupAndRequireSuccess(t, resolver.Close)

	cc := newTestClientConn(t, resolver.LocalAddr(), 50*time.Millisecond, 3)

	testutil.RequireReceive(t, cc.Failed(), testTimeout)

	err := cc.Err()
	require.Error(t, err)

	assert.Equal(t, tunerr.KindTransportAnomaly, tunerr.KindOf(err))

	_, _, err = cc.ReadFrom(make([]byte, tunnel.MaxDatagramSize))
	assert.Equal(t, tunerr.KindTransportAnomaly, tunerr.KindOf(err))
}

func TestNewClientConn_smallMTU(t *testing.T) {
	t.Parallel()

	// A 223-byte domain leaves a budget of 10 bytes.
	label := string(bytes.Repeat([]byte("a"), 54))
	domain := label + "." + label + "." + label + "." + label + ".com"
	require.Len(t, domain, 223)

	codec, err := dnsframe.NewCodec(domain)
	require.NoError(t, err)

	conn := newLocalUDP(t)
	testutil.CleanupAndRequireSuccess(t, conn.Close)

	_, err = tunnel.NewClientConn(&tunnel.ClientConfig{
		Logger:          testLogger,
		Conn:            conn,
		Resolver:        &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53},
		Codec:           codec,
		QueryTimeout:    time.Second,
		PollInterval:    time.Second,
		MaxPollInterval: time.Second,
		MaxAnomalies:    1,
		MaxInFlight:     1,
		QueryRate:       1,
	})
	require.ErrorIs(t, err, tunnel.ErrMTUTooSmall)

	assert.Equal(t, tunerr.KindConfiguration, tunerr.KindOf(err))
}

func TestServerConn_maxHeld(t *testing.T) {
	t.Parallel()

	const delay = 300 * time.Millisecond

	sc, err := tunnel.NewServerConn(&tunnel.ServerConfig{
		Logger:            testLogger,
		Conn:              newLocalUDP(t),
		Codecs:            []*dnsframe.Codec{newTestCodec(t)},
		ResponseDelay:     delay,
		ClientIdleTimeout: time.Minute,
		MaxHeld:           1,
	})
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, sc.Close)

	codec := newTestCodec(t)
	client := newLocalUDP(t)
	testutil.CleanupAndRequireSuccess(t, client.Close)

	// A poll: client id, sequence number, index and a zero fragment count.
	poll := []byte{1, 2, 3, 4, 0, 0, 0, 0}

	start := time.Now()
	for id := range uint16(2) {
		query, qErr := codec.EncodeQuery(id+1, poll)
		require.NoError(t, qErr)

		packed, qErr := query.Pack()
		require.NoError(t, qErr)

		_, qErr = client.WriteTo(packed, sc.LocalAddr())
		require.NoError(t, qErr)
	}

	for range 2 {
		b, _ := readWithTimeout(t, client)

		resp := &dns.Msg{}
		require.NoError(t, resp.Unpack(b))
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	}

	// Only one query is held at a time, so the second one waits for the
	// first to be answered.
	assert.GreaterOrEqual(t, time.Since(start), 2*delay-50*time.Millisecond)
}
