package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"
	rate "github.com/beefsack/go-rate"
	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/miekg/dns"
	"gonum.org/v1/gonum/stat"
)

// errQueryTimeout is the anomaly reported for a query left unanswered.
const errQueryTimeout errors.Error = "query timed out"

// maxRTTSamples is the number of round-trip times kept for [Stats].
const maxRTTSamples = 256

// ClientConfig is the configuration of a [ClientConn].
type ClientConfig struct {
	// Logger is used for logging.  It must not be nil.
	Logger *slog.Logger

	// Conn is the bound UDP socket.  It must not be nil.  The ClientConn owns
	// it and closes it on [ClientConn.Close].
	Conn net.PacketConn

	// Resolver is the address queries are sent to.  It must not be nil.
	Resolver net.Addr

	// Codec encodes the frames.  It must not be nil.
	Codec *dnsframe.Codec

	// QueryTimeout is the time a query waits for its response.  It must be
	// positive.
	QueryTimeout time.Duration

	// PollInterval is the initial interval between polls.  It must be
	// positive.
	PollInterval time.Duration

	// MaxPollInterval is the interval polls back off to while idle.  It must
	// not be less than PollInterval.
	MaxPollInterval time.Duration

	// MaxAnomalies is the number of consecutive transport anomalies after
	// which the connection fails.  It must be positive.
	MaxAnomalies uint

	// MaxInFlight is the maximum number of outstanding polls.  It must be
	// positive.
	MaxInFlight uint

	// QueryRate is the maximum number of polls per second.  It must be
	// positive.
	QueryRate uint
}

// type check
var _ validate.Interface = (*ClientConfig)(nil)

// Validate implements the [validate.Interface] interface for *ClientConfig.
func (c *ClientConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", c.Logger),
		validate.NotNil("Codec", c.Codec),
		validate.Positive("QueryTimeout", c.QueryTimeout),
		validate.Positive("PollInterval", c.PollInterval),
		validate.NoGreaterThan("PollInterval", c.PollInterval, c.MaxPollInterval),
		validate.Positive("MaxAnomalies", c.MaxAnomalies),
		validate.Positive("MaxInFlight", c.MaxInFlight),
		validate.Positive("QueryRate", c.QueryRate),
	}

	if c.Conn == nil {
		errs = append(errs, fmt.Errorf("Conn: %w", errors.ErrNoValue))
	}

	if c.Resolver == nil {
		errs = append(errs, fmt.Errorf("Resolver: %w", errors.ErrNoValue))
	}

	if c.Codec != nil {
		errs = append(errs, ValidateMTU(c.Codec.MTU()))
	}

	return errors.Join(errs...)
}

// pendingQuery is a query waiting for its response.
type pendingQuery struct {
	sent     time.Time
	deadline time.Time
}

// Stats are the counters of a [ClientConn].
type Stats struct {
	// Queries is the number of queries sent.
	Queries uint64

	// Responses is the number of matched responses.
	Responses uint64

	// Unmatched is the number of responses dropped for an unknown
	// transaction id.
	Unmatched uint64

	// Anomalies is the total number of transport anomalies.
	Anomalies uint64

	// RTTMean is the mean round-trip time of recent queries.
	RTTMean time.Duration

	// RTTStdDev is the standard deviation of recent round-trip times.
	RTTStdDev time.Duration
}

// ClientConn is the client end of a tunnel.  Datagrams written to it are sent
// as queries to the resolver, and datagrams from responses are read from it.
type ClientConn struct {
	logger   *slog.Logger
	conn     net.PacketConn
	resolver net.Addr
	codec    *dnsframe.Codec
	reasm    *reassembler
	poller   *rate.RateLimiter
	readDL   *deadline

	// mu protects the fields below it up to err.
	mu        *sync.Mutex
	pending   map[uint16]pendingQuery
	rtts      []float64
	stats     Stats
	anomalies uint
	rttIdx    uint
	err       error

	sendQueue chan []byte
	recvQueue chan []byte
	dataRecv  chan struct{}
	done      chan struct{}
	failed    chan struct{}
	wg        *sync.WaitGroup
	closeOnce *sync.Once
	failOnce  *sync.Once

	resolverAddr    netip.AddrPort
	queryTimeout    time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration
	maxAnomalies    uint
	maxInFlight     uint
	chunkSize       int
	id              ClientID
}

// NewClientConn returns a new *ClientConn and starts its loops.  c must be
// valid.
func NewClientConn(c *ClientConfig) (cc *ClientConn, err error) {
	err = c.Validate()
	if err != nil {
		return nil, fmt.Errorf("client tunnel config: %w", err)
	}

	id := newClientID()
	cc = &ClientConn{
		logger:          c.Logger.With("client_id", id),
		conn:            c.Conn,
		resolver:        c.Resolver,
		codec:           c.Codec,
		reasm:           newReassembler(reassemblyBufferSize, reassemblyTTL),
		poller:          rate.New(int(c.QueryRate), time.Second),
		readDL:          newDeadline(),
		mu:              &sync.Mutex{},
		pending:         map[uint16]pendingQuery{},
		rtts:            make([]float64, 0, maxRTTSamples),
		sendQueue:       make(chan []byte, queueLen),
		recvQueue:       make(chan []byte, queueLen),
		dataRecv:        make(chan struct{}, 1),
		done:            make(chan struct{}),
		failed:          make(chan struct{}),
		wg:              &sync.WaitGroup{},
		closeOnce:       &sync.Once{},
		failOnce:        &sync.Once{},
		resolverAddr:    netutil.NetAddrToAddrPort(c.Resolver),
		queryTimeout:    c.QueryTimeout,
		pollInterval:    c.PollInterval,
		maxPollInterval: c.MaxPollInterval,
		maxAnomalies:    c.MaxAnomalies,
		maxInFlight:     c.MaxInFlight,
		chunkSize:       c.Codec.MTU() - upHeaderLen,
		id:              id,
	}

	cc.wg.Add(3)
	go cc.recvLoop()
	go cc.sendLoop()
	go cc.sweepLoop()

	return cc, nil
}

// ID returns the identifier of this client.
func (c *ClientConn) ID() (id ClientID) {
	return c.id
}

// Failed returns a channel that is closed when the connection fails because
// its anomaly budget is exhausted.
func (c *ClientConn) Failed() (ch <-chan struct{}) {
	return c.failed
}

// Err returns the error the connection failed with, if any.
func (c *ClientConn) Err() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Stats returns the current counters.
func (c *ClientConn) Stats() (s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s = c.stats
	switch len(c.rtts) {
	case 0:
		// Go on.
	case 1:
		s.RTTMean = secondsToDuration(c.rtts[0])
	default:
		mean, std := stat.MeanStdDev(c.rtts, nil)
		s.RTTMean, s.RTTStdDev = secondsToDuration(mean), secondsToDuration(std)
	}

	return s
}

// secondsToDuration converts seconds to a duration.
func secondsToDuration(sec float64) (d time.Duration) {
	return time.Duration(sec * float64(time.Second))
}

// type check
var _ net.PacketConn = (*ClientConn)(nil)

// ReadFrom implements the [net.PacketConn] interface for *ClientConn.  addr
// is always the resolver address.
func (c *ClientConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	select {
	case dg := <-c.recvQueue:
		return copy(b, dg), c.resolver, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-c.failed:
		return 0, nil, c.Err()
	case <-c.readDL.wait():
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements the [net.PacketConn] interface for *ClientConn.  addr is
// ignored, every datagram goes to the resolver.  Like UDP, the datagram is
// dropped if the send queue is full.
func (c *ClientConn) WriteTo(b []byte, _ net.Addr) (n int, err error) {
	if isClosed(c.done) {
		return 0, net.ErrClosed
	}

	select {
	case c.sendQueue <- copyDatagram(b):
	default:
		c.logger.Debug("send queue full, dropping datagram", "len", len(b))
	}

	return len(b), nil
}

// Close implements the [net.PacketConn] interface for *ClientConn.  It
// cancels all outstanding queries and closes the socket.
func (c *ClientConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()

		c.reasm.purge()

		c.mu.Lock()
		defer c.mu.Unlock()

		clear(c.pending)
	})

	return err
}

// LocalAddr implements the [net.PacketConn] interface for *ClientConn.
func (c *ClientConn) LocalAddr() (addr net.Addr) {
	return c.conn.LocalAddr()
}

// SetDeadline implements the [net.PacketConn] interface for *ClientConn.
// Only the read deadline is supported, writes never block.
func (c *ClientConn) SetDeadline(t time.Time) (err error) {
	return c.SetReadDeadline(t)
}

// SetReadDeadline implements the [net.PacketConn] interface for *ClientConn.
func (c *ClientConn) SetReadDeadline(t time.Time) (err error) {
	c.readDL.set(t)

	return nil
}

// SetWriteDeadline implements the [net.PacketConn] interface for *ClientConn.
func (c *ClientConn) SetWriteDeadline(_ time.Time) (err error) {
	return nil
}

// sendLoop sends the queued datagrams and the polls.
func (c *ClientConn) sendLoop() {
	defer c.wg.Done()
	defer slogutil.RecoverAndLog(context.TODO(), c.logger)

	pollDelay := c.pollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	var seq uint16
	for {
		select {
		case <-c.done:
			return
		case <-c.failed:
			return
		case dg := <-c.sendQueue:
			c.sendDatagram(seq, dg)
			seq++
			pollDelay = c.pollInterval
		case <-c.dataRecv:
			c.poll()
			pollDelay = c.pollInterval
		case <-timer.C:
			c.poll()
			pollDelay = min(2*pollDelay, c.maxPollInterval)
		}

		timer.Reset(pollDelay)
	}
}

// sendDatagram sends dg as a series of fragments.
func (c *ClientConn) sendDatagram(seq uint16, dg []byte) {
	frags, err := splitDatagram(seq, dg, c.chunkSize)
	if err != nil {
		c.logger.Warn("dropping datagram", slogutil.KeyError, err)

		return
	}

	for _, f := range frags {
		c.send(appendUpstream(make([]byte, 0, upHeaderLen+len(f.chunk)), c.id, f))
	}
}

// poll sends an empty query so that the server has a query to respond to.
func (c *ClientConn) poll() {
	c.mu.Lock()
	inFlight := uint(len(c.pending))
	c.mu.Unlock()

	if inFlight >= c.maxInFlight {
		return
	}

	if ok, _ := c.poller.Try(); !ok {
		return
	}

	c.send(appendUpstream(make([]byte, 0, upHeaderLen), c.id, fragment{}))
}

// send sends payload in a query to the resolver.
func (c *ClientConn) send(payload []byte) {
	id, ok := c.register()
	if !ok {
		c.logger.Debug("too many outstanding queries, dropping frame")

		return
	}

	msg, err := c.codec.EncodeQuery(id, payload)
	if err != nil {
		// Should never happen, since frames are cut to the budget.
		panic(fmt.Errorf("encoding frame: %w", err))
	}

	packed, err := msg.Pack()
	if err != nil {
		panic(fmt.Errorf("packing query: %w", err))
	}

	_, err = c.conn.WriteTo(packed, c.resolver)
	if err != nil {
		c.forget(id)
		if !isClosed(c.done) {
			c.anomaly("sending query", err)
		}
	}
}

// register chooses an unused transaction id and records the query as
// outstanding.  ok is false if there are too many outstanding queries.
func (c *ClientConn) register() (id uint16, ok bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) >= maxPending {
		return 0, false
	}

	for {
		id = dns.Id()
		if _, taken := c.pending[id]; !taken {
			break
		}
	}

	c.pending[id] = pendingQuery{
		sent:     now,
		deadline: now.Add(c.queryTimeout),
	}
	c.stats.Queries++

	return id, true
}

// forget removes the outstanding query with id.
func (c *ClientConn) forget(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
}

// take removes and returns the outstanding query with id.  ok is false if
// there is no such query; in that case the counters are the only state
// changed.
func (c *ClientConn) take(id uint16) (q pendingQuery, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok = c.pending[id]
	if !ok {
		c.stats.Unmatched++

		return q, false
	}

	delete(c.pending, id)

	return q, true
}

// matched records a valid response to a query sent at sent.  It resets the
// anomaly counter.
func (c *ClientConn) matched(sent time.Time) {
	rtt := time.Since(sent).Seconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.anomalies = 0
	c.stats.Responses++

	if len(c.rtts) < maxRTTSamples {
		c.rtts = append(c.rtts, rtt)
	} else {
		c.rtts[c.rttIdx%maxRTTSamples] = rtt
	}
	c.rttIdx++
}

// anomaly records a transport anomaly and fails the connection once the
// anomaly budget is exhausted.
func (c *ClientConn) anomaly(reason string, err error) {
	c.mu.Lock()
	c.anomalies++
	c.stats.Anomalies++
	n := c.anomalies
	c.mu.Unlock()

	c.logger.Debug("transport anomaly", "reason", reason, "consecutive", n, slogutil.KeyError, err)

	if n > c.maxAnomalies {
		c.fail(tunerr.New(
			tunerr.KindTransportAnomaly,
			fmt.Errorf("%d consecutive anomalies, last %s: %w", n, reason, err),
		))
	}
}

// fail fails the connection with err.
func (c *ClientConn) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.logger.Warn("tunnel failed", slogutil.KeyError, err)
		close(c.failed)
	})
}

// recvLoop reads and handles the responses.
func (c *ClientConn) recvLoop() {
	defer c.wg.Done()
	defer slogutil.RecoverAndLog(context.TODO(), c.logger)

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isClosed(c.done) {
				c.logger.Debug("tunnel socket closed")

				return
			}

			c.anomaly("reading response", err)
			if isClosed(c.failed) {
				return
			}

			continue
		}

		c.handleResponse(buf[:n], from)
	}
}

// handleResponse handles a single response packet.
func (c *ClientConn) handleResponse(b []byte, from net.Addr) {
	if !c.fromResolver(from) {
		c.logger.Debug("dropping packet from unexpected address", "addr", from)

		return
	}

	resp := &dns.Msg{}
	err := resp.Unpack(b)
	if err != nil {
		c.anomaly("unpacking response", err)

		return
	}

	q, ok := c.take(resp.Id)
	if !ok {
		c.logger.Debug("dropping unmatched response", "id", resp.Id)

		return
	}

	payload, err := c.codec.DecodeResponse(resp)
	if err != nil {
		c.anomaly("decoding response", err)

		return
	}

	c.matched(q.sent)
	if len(payload) == 0 {
		return
	}

	f, err := parseFragment(payload)
	if err != nil {
		c.anomaly("parsing frame", err)

		return
	} else if f.isPoll() {
		return
	}

	select {
	case c.dataRecv <- struct{}{}:
	default:
	}

	dg, ok := c.reasm.add(ClientID{}, f)
	if !ok {
		return
	}

	select {
	case c.recvQueue <- dg:
	default:
		c.logger.Debug("receive queue full, dropping datagram", "len", len(dg))
	}
}

// fromResolver returns true if from is the resolver address.
func (c *ClientConn) fromResolver(from net.Addr) (ok bool) {
	if !c.resolverAddr.IsValid() {
		return true
	}

	ap := netutil.NetAddrToAddrPort(from)

	return ap.Port() == c.resolverAddr.Port() && ap.Addr().Unmap() == c.resolverAddr.Addr().Unmap()
}

// sweepLoop expires the outstanding queries left unanswered.
func (c *ClientConn) sweepLoop() {
	defer c.wg.Done()
	defer slogutil.RecoverAndLog(context.TODO(), c.logger)

	ticker := time.NewTicker(max(c.queryTimeout/4, minSweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.failed:
			return
		case now := <-ticker.C:
			for range c.expire(now) {
				c.anomaly("waiting for response", errQueryTimeout)
			}
		}
	}
}

// expire removes the queries with deadlines before now and returns their
// number.
func (c *ClientConn) expire(now time.Time) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, q := range c.pending {
		if now.After(q.deadline) {
			delete(c.pending, id)
			n++
		}
	}

	return n
}
