package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/internal/ratelimit"
	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
)

// ClientAddrNetwork is the network name of [ClientAddr].
const ClientAddrNetwork = "dnstun"

// ClientAddr is the address of a tunnel client as seen by the server engine.
// Clients reach the server through arbitrary resolvers, so the identifier is
// the only stable address.
type ClientAddr struct {
	ID ClientID
}

// type check
var _ net.Addr = (*ClientAddr)(nil)

// Network implements the [net.Addr] interface for *ClientAddr.
func (a *ClientAddr) Network() (n string) {
	return ClientAddrNetwork
}

// String implements the [net.Addr] interface for *ClientAddr.
func (a *ClientAddr) String() (s string) {
	return a.ID.String()
}

// ServerConfig is the configuration of a [ServerConn].
type ServerConfig struct {
	// Logger is used for logging.  It must not be nil.
	Logger *slog.Logger

	// Conn is the socket DNS queries are received on.  It must not be nil.
	// The ServerConn owns it and closes it on [ServerConn.Close].
	Conn net.PacketConn

	// Ratelimiter drops queries from busy resolvers.  If nil, queries are not
	// limited.
	Ratelimiter *ratelimit.Limiter

	// Codecs are the codecs of the served tunnel domains.  It must not be
	// empty.
	Codecs []*dnsframe.Codec

	// ResponseDelay is the time a query is held waiting for downstream data.
	// It must be positive.
	ResponseDelay time.Duration

	// ClientIdleTimeout is the time after which a silent client is forgotten.
	// It must be positive.
	ClientIdleTimeout time.Duration

	// MaxHeld is the maximum number of queries held at once.  It must be
	// positive.
	MaxHeld uint
}

// type check
var _ validate.Interface = (*ServerConfig)(nil)

// Validate implements the [validate.Interface] interface for *ServerConfig.
func (c *ServerConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", c.Logger),
		validate.Positive("ResponseDelay", c.ResponseDelay),
		validate.Positive("ClientIdleTimeout", c.ClientIdleTimeout),
		validate.Positive("MaxHeld", c.MaxHeld),
	}

	if c.Conn == nil {
		errs = append(errs, fmt.Errorf("Conn: %w", errors.ErrNoValue))
	}

	if len(c.Codecs) == 0 {
		errs = append(errs, fmt.Errorf("Codecs: %w", errors.ErrNoValue))
	}

	return errors.Join(errs...)
}

// inbound is a reassembled datagram from a client.
type inbound struct {
	addr     *ClientAddr
	datagram []byte
}

// remote is the server-side state of a client.
type remote struct {
	addr *ClientAddr

	// notify signals that queue is not empty.
	notify chan struct{}

	// mu protects queue and seq.
	mu    *sync.Mutex
	queue [][]byte
	seq   uint16
}

// newRemote returns a new *remote for the client with id.
func newRemote(id ClientID) (r *remote) {
	return &remote{
		addr:   &ClientAddr{ID: id},
		notify: make(chan struct{}, 1),
		mu:     &sync.Mutex{},
	}
}

// enqueue cuts dg into downstream frames and queues them.  The oldest frames
// are dropped when the queue is full.
func (r *remote) enqueue(dg []byte, chunkSize int) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frags, err := splitDatagram(r.seq, dg, chunkSize)
	if err != nil {
		return err
	}
	r.seq++

	for _, f := range frags {
		r.queue = append(r.queue, appendFragment(make([]byte, 0, fragHeaderLen+len(f.chunk)), f))
	}

	if over := len(r.queue) - maxQueuedFrames; over > 0 {
		r.queue = r.queue[over:]
	}

	r.signal()

	return nil
}

// pop returns the oldest queued frame, if any.  r.mu must not be locked.
func (r *remote) pop() (frame []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return nil, false
	}

	frame = r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	if len(r.queue) > 0 {
		// Wake up another held query.
		r.signal()
	}

	return frame, true
}

// signal notifies a held query about queued frames without blocking.
func (r *remote) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// ServerConn is the server end of tunnels for any number of clients.
// Datagrams read from it come from queries, and datagrams written to it are
// sent in responses to the queries of the addressed client.
type ServerConn struct {
	logger  *slog.Logger
	conn    net.PacketConn
	limiter *ratelimit.Limiter
	codecs  []*dnsframe.Codec
	clients *gocache.Cache
	reasm   *reassembler
	sema    syncutil.Semaphore
	readDL  *deadline

	// ctx is canceled on close and bounds the held queries.
	ctx    context.Context
	cancel context.CancelFunc

	recvQueue chan inbound
	done      chan struct{}
	wg        *sync.WaitGroup
	closeOnce *sync.Once

	responseDelay time.Duration
	chunkSize     int
}

// type check
var _ net.PacketConn = (*ServerConn)(nil)

// NewServerConn returns a new *ServerConn and starts its loop.  c must be
// valid.
func NewServerConn(c *ServerConfig) (sc *ServerConn, err error) {
	err = c.Validate()
	if err != nil {
		return nil, fmt.Errorf("server tunnel config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc = &ServerConn{
		logger:        c.Logger,
		conn:          c.Conn,
		limiter:       c.Ratelimiter,
		codecs:        c.Codecs,
		clients:       gocache.New(c.ClientIdleTimeout, c.ClientIdleTimeout/2),
		reasm:         newReassembler(reassemblyBufferSize, reassemblyTTL),
		sema:          syncutil.NewChanSemaphore(c.MaxHeld),
		readDL:        newDeadline(),
		ctx:           ctx,
		cancel:        cancel,
		recvQueue:     make(chan inbound, queueLen),
		done:          make(chan struct{}),
		wg:            &sync.WaitGroup{},
		closeOnce:     &sync.Once{},
		responseDelay: c.ResponseDelay,
		chunkSize:     dnsframe.ResponseBudget - fragHeaderLen,
	}

	sc.clients.OnEvicted(func(key string, _ any) {
		sc.logger.Debug("client expired", "client_id", key)
	})

	sc.wg.Add(1)
	go sc.recvLoop()

	return sc, nil
}

// Clients returns the number of known clients.
func (s *ServerConn) Clients() (n int) {
	return s.clients.ItemCount()
}

// ReadFrom implements the [net.PacketConn] interface for *ServerConn.  addr is
// a *ClientAddr.
func (s *ServerConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	select {
	case in := <-s.recvQueue:
		return copy(b, in.datagram), in.addr, nil
	case <-s.done:
		return 0, nil, net.ErrClosed
	case <-s.readDL.wait():
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements the [net.PacketConn] interface for *ServerConn.  addr
// must be a *ClientAddr.  Datagrams for unknown clients are dropped.
func (s *ServerConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	if isClosed(s.done) {
		return 0, net.ErrClosed
	}

	ca, ok := addr.(*ClientAddr)
	if !ok {
		return 0, fmt.Errorf("address type %T: %w", addr, errors.ErrBadEnumValue)
	}

	v, ok := s.clients.Get(ca.String())
	if !ok {
		s.logger.Debug("dropping datagram for unknown client", "client_id", ca)

		return len(b), nil
	}

	err = v.(*remote).enqueue(b, s.chunkSize)
	if err != nil {
		s.logger.Warn("dropping datagram", "client_id", ca, slogutil.KeyError, err)
	}

	return len(b), nil
}

// Close implements the [net.PacketConn] interface for *ServerConn.
func (s *ServerConn) Close() (err error) {
	err = net.ErrClosed
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()

		s.clients.Flush()
		s.reasm.purge()
	})

	return err
}

// LocalAddr implements the [net.PacketConn] interface for *ServerConn.
func (s *ServerConn) LocalAddr() (addr net.Addr) {
	return s.conn.LocalAddr()
}

// SetDeadline implements the [net.PacketConn] interface for *ServerConn.
// Only the read deadline is supported.
func (s *ServerConn) SetDeadline(t time.Time) (err error) {
	return s.SetReadDeadline(t)
}

// SetReadDeadline implements the [net.PacketConn] interface for *ServerConn.
func (s *ServerConn) SetReadDeadline(t time.Time) (err error) {
	s.readDL.set(t)

	return nil
}

// SetWriteDeadline implements the [net.PacketConn] interface for *ServerConn.
func (s *ServerConn) SetWriteDeadline(_ time.Time) (err error) {
	return nil
}

// recvLoop reads and handles the queries.
func (s *ServerConn) recvLoop() {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(context.TODO(), s.logger)

	s.logger.Info("entering dns listener loop", "addr", s.conn.LocalAddr())

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isClosed(s.done) {
				s.logger.Debug("dns listener closed", "addr", s.conn.LocalAddr())

				return
			}

			s.logger.Error("reading dns query", slogutil.KeyError, err)

			continue
		}

		s.handleQuery(buf[:n], from)
	}
}

// handleQuery handles a single query packet.
func (s *ServerConn) handleQuery(b []byte, from net.Addr) {
	if s.limiter != nil && s.limiter.IsLimited(netutil.NetAddrToAddrPort(from).Addr()) {
		s.logger.Debug("ratelimited", "addr", from)

		return
	}

	query := &dns.Msg{}
	err := query.Unpack(b)
	if err != nil {
		s.logger.Debug("unpacking query", "addr", from, slogutil.KeyError, err)

		return
	}

	if query.Response || len(query.Question) != 1 {
		return
	}

	codec := s.codecFor(query.Question[0].Name)
	if codec == nil {
		s.reply(from, (&dns.Msg{}).SetRcode(query, dns.RcodeRefused))

		return
	}

	r, err := s.accept(codec, query)
	if err != nil {
		s.logger.Debug("bad tunnel query", "addr", from, slogutil.KeyError, err)
		s.reply(from, (&dns.Msg{}).SetRcode(query, dns.RcodeFormatError))

		return
	}

	err = s.sema.Acquire(s.ctx)
	if err != nil {
		return
	}

	s.wg.Add(1)
	go s.respond(codec, query, from, r)
}

// accept decodes the frame carried by query and delivers a datagram, if the
// frame completes one.  It returns the state of the sending client.
func (s *ServerConn) accept(codec *dnsframe.Codec, query *dns.Msg) (r *remote, err error) {
	payload, err := codec.DecodeQuery(query)
	if err != nil {
		return nil, err
	}

	id, f, err := parseUpstream(payload)
	if err != nil {
		return nil, err
	}

	r = s.remoteFor(id)
	if f.isPoll() {
		return r, nil
	}

	dg, ok := s.reasm.add(id, f)
	if !ok {
		return r, nil
	}

	select {
	case s.recvQueue <- inbound{addr: r.addr, datagram: dg}:
	default:
		s.logger.Debug("receive queue full, dropping datagram", "client_id", id)
	}

	return r, nil
}

// remoteFor returns the state of the client with id, creating it if needed.
// It also postpones the expiration of the client.
func (s *ServerConn) remoteFor(id ClientID) (r *remote) {
	key := id.String()
	v, ok := s.clients.Get(key)
	if ok {
		r = v.(*remote)
	} else {
		r = newRemote(id)
		s.logger.Debug("new client", "client_id", key)
	}

	s.clients.Set(key, r, gocache.DefaultExpiration)

	return r
}

// codecFor returns the codec of the longest tunnel domain owning name or nil.
func (s *ServerConn) codecFor(name string) (c *dnsframe.Codec) {
	for _, codec := range s.codecs {
		if codec.Owns(name) && (c == nil || len(codec.Domain()) > len(c.Domain())) {
			c = codec
		}
	}

	return c
}

// respond answers query once there is a frame for r or the response delay
// passes.
func (s *ServerConn) respond(codec *dnsframe.Codec, query *dns.Msg, to net.Addr, r *remote) {
	defer s.wg.Done()
	defer s.sema.Release()
	defer slogutil.RecoverAndLog(context.TODO(), s.logger)

	frame, ok := r.pop()
	if !ok {
		timer := time.NewTimer(s.responseDelay)
		defer timer.Stop()

		select {
		case <-r.notify:
			frame, _ = r.pop()
		case <-timer.C:
			// Respond empty.
		case <-s.done:
			return
		}
	}

	resp, err := codec.EncodeResponse(query, frame)
	if err != nil {
		s.logger.Error("encoding response", slogutil.KeyError, err)

		return
	}

	s.reply(to, resp)
}

// reply packs and sends resp to addr.
func (s *ServerConn) reply(addr net.Addr, resp *dns.Msg) {
	packed, err := resp.Pack()
	if err != nil {
		s.logger.Error("packing response", slogutil.KeyError, err)

		return
	}

	_, err = s.conn.WriteTo(packed, addr)
	if err != nil && !isClosed(s.done) {
		s.logger.Debug("writing response", "addr", addr, slogutil.KeyError, err)
	}
}
