package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/internal/netutil"
	"github.com/fcchbjm/quictun/internal/ratelimit"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/tunnel"
	"github.com/quic-go/quic-go"
)

// Default subnet lengths of the resolver rate limiter.
const (
	defaultSubnetLenIPv4 = 24
	defaultSubnetLenIPv6 = 56
)

// ErrServerNotStarted is returned by [Server.Shutdown] when the server hasn't
// been started.
const ErrServerNotStarted errors.Error = "server is not started"

// Server accepts client connections over the tunnel and hands their streams
// to the handler.
type Server struct {
	logger  *slog.Logger
	conf    *ServerConfig
	codecs  []*dnsframe.Codec
	limiter *ratelimit.Limiter

	// mu protects the fields below.
	mu     *sync.Mutex
	tconn  *tunnel.ServerConn
	tr     *quic.Transport
	ln     *quic.EarlyListener
	cancel context.CancelFunc

	wg *sync.WaitGroup
}

// NewServer returns a new server.  Configuration errors, including tunnel
// domains too long for the carrier, are returned here.
func NewServer(conf *ServerConfig) (s *Server, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("server config: %w", err))
	}

	codecs := make([]*dnsframe.Codec, 0, len(conf.Domains))
	for _, d := range conf.Domains {
		var c *dnsframe.Codec
		c, err = dnsframe.NewCodec(d)
		if err != nil {
			return nil, tunerr.Configuration(fmt.Errorf("domain %q: %w", d, err))
		}

		codecs = append(codecs, c)
	}

	logger := conf.Logger.With(slogutil.KeyPrefix, "server")

	var limiter *ratelimit.Limiter
	if conf.Ratelimit > 0 {
		rlConf := &ratelimit.Config{
			Logger:         logger.With(slogutil.KeyPrefix, "ratelimit"),
			AllowlistAddrs: conf.RatelimitAllowlist,
			Ratelimit:      conf.Ratelimit,
			SubnetLenIPv4:  defaultSubnetLenIPv4,
			SubnetLenIPv6:  defaultSubnetLenIPv6,
		}

		err = rlConf.Validate()
		if err != nil {
			return nil, tunerr.Configuration(fmt.Errorf("ratelimit: %w", err))
		}

		limiter = ratelimit.New(rlConf)
	}

	return &Server{
		logger:  logger,
		conf:    conf,
		codecs:  codecs,
		limiter: limiter,
		mu:      &sync.Mutex{},
		wg:      &sync.WaitGroup{},
	}, nil
}

// Start binds the DNS socket and starts accepting connections.  The server
// runs until [Server.Shutdown], independently of ctx.
func (s *Server) Start(ctx context.Context) (err error) {
	pconn, err := netutil.ListenConfig(s.logger).ListenPacket(ctx, "udp", s.conf.ListenAddr.String())
	if err != nil {
		return tunerr.Configuration(fmt.Errorf("listening on udp: %w", err))
	}

	tconn, err := tunnel.NewServerConn(&tunnel.ServerConfig{
		Logger:            s.conf.Logger.With(slogutil.KeyPrefix, "tunnel"),
		Conn:              pconn,
		Ratelimiter:       s.limiter,
		Codecs:            s.codecs,
		ResponseDelay:     s.conf.Tunnel.ResponseDelay,
		ClientIdleTimeout: s.conf.Tunnel.ClientIdleTimeout,
		MaxHeld:           s.conf.Tunnel.MaxHeld,
	})
	if err != nil {
		slogutil.CloseAndLog(ctx, s.logger, pconn, slog.LevelDebug)

		return err
	}

	tr := &quic.Transport{
		Conn: tconn,
	}

	tlsConf := newServerTLSConfig(s.conf.Certificate, s.conf.ClientPins)
	quicConf := newQUICConfig(s.conf.HandshakeTimeout, s.conf.IdleTimeout, s.conf.KeepAlive)

	ln, err := tr.ListenEarly(tlsConf, quicConf)
	if err != nil {
		slogutil.CloseAndLog(ctx, s.logger, tconn, slog.LevelDebug)

		return fmt.Errorf("starting quic listener: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.tconn, s.tr, s.ln, s.cancel = tconn, tr, ln, cancel
	s.mu.Unlock()

	local := udpAddrPort(pconn.LocalAddr())
	s.logger.InfoContext(ctx, "listening for dns queries", "addr", local)
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:  EventListening,
		Local: local,
	})

	s.wg.Add(1)
	go s.acceptLoop(connCtx, ln)

	return nil
}

// udpAddrPort returns the address of a UDP socket or an empty one.
func udpAddrPort(addr net.Addr) (ap netip.AddrPort) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}

	ap = udpAddr.AddrPort()

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// LocalAddr returns the address of the DNS socket.  It returns an empty
// address if the server isn't started.
func (s *Server) LocalAddr() (addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tconn == nil {
		return netip.AddrPort{}
	}

	return udpAddrPort(s.tconn.LocalAddr())
}

// Clients returns the number of clients known to the carrier.
func (s *Server) Clients() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tconn == nil {
		return 0
	}

	return s.tconn.Clients()
}

// Shutdown closes every connection and the DNS socket.  It waits for the
// connection handlers until ctx is canceled.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	s.mu.Lock()
	tconn, tr, ln, cancel := s.tconn, s.tr, s.ln, s.cancel
	s.mu.Unlock()

	if ln == nil {
		return ErrServerNotStarted
	}

	cancel()
	err = ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	return errors.Join(err, tr.Close(), tconn.Close())
}

// acceptLoop accepts connections until ln is closed.
func (s *Server) acceptLoop(ctx context.Context, ln *quic.EarlyListener) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, s.logger)

	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			if !errors.Is(err, quic.ErrServerClosed) && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "accepting connection", slogutil.KeyError, err)
			}

			return
		}

		s.wg.Add(1)
		go s.handleConn(ctx, qconn)
	}
}

// handleConn drives a single client connection through its lifecycle.
func (s *Server) handleConn(ctx context.Context, qconn *quic.Conn) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, s.logger)

	remote := qconn.RemoteAddr().String()
	logger := s.logger.With("client", remote)

	// The DNS socket is shared, so every connection starts bound.
	m := NewMachine(logger)
	m.MustTransition(StateSocketBound)
	m.MustTransition(StateHandshaking)

	err := s.handshake(ctx, qconn)
	if err != nil {
		s.failConn(ctx, logger, m, remote, err)

		return
	}

	m.MustTransition(StateCertVerifying)

	err = s.conf.ClientPins.ValidateChain(rawCerts(qconn.ConnectionState().TLS))
	if err != nil {
		err = tunerr.New(tunerr.KindPinning, err)
		logger.ErrorContext(ctx, MsgPinningRejected, slogutil.KeyError, err)
		closeConn(ctx, logger, qconn, codePinningRejected, "certificate rejected")
		s.failConn(ctx, logger, m, remote, err)

		return
	}

	m.MustTransition(StateReady)
	logger.InfoContext(ctx, MsgReady)
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:   EventReady,
		Remote: remote,
	})

	err = s.serveStreams(ctx, logger, qconn)
	logger.DebugContext(ctx, "connection finished", slogutil.KeyError, err)

	m.MustTransition(StateClosing)
	if ctx.Err() != nil {
		closeConn(ctx, logger, qconn, codeNoError, "shutdown")
	}

	m.MustTransition(StateClosed)
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:   EventClosed,
		Remote: remote,
	})
}

// handshake waits for the handshake of qconn to complete.
func (s *Server) handshake(ctx context.Context, qconn *quic.Conn) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.conf.HandshakeTimeout)
	defer cancel()

	select {
	case <-qconn.HandshakeComplete():
		return nil
	case <-qconn.Context().Done():
		return tunerr.New(
			tunerr.KindHandshake,
			fmt.Errorf("quic handshake: %w", context.Cause(qconn.Context())),
		)
	case <-ctx.Done():
		closeConn(ctx, s.logger, qconn, codeNoError, "handshake timeout")

		return tunerr.New(tunerr.KindHandshake, fmt.Errorf("quic handshake: %w", ctx.Err()))
	}
}

// failConn moves m into Failed and reports it.
func (s *Server) failConn(
	ctx context.Context,
	logger *slog.Logger,
	m *Machine,
	remote string,
	err error,
) {
	if !m.Fail(err) {
		return
	}

	logger.WarnContext(ctx, "connection failed", slogutil.KeyError, err)
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:   EventFailed,
		Err:    err,
		Remote: remote,
	})
}

// serveStreams hands every stream of qconn to the handler until the
// connection is closed or ctx is canceled.  Streams are served with the
// context of the connection, so they end with it.
func (s *Server) serveStreams(ctx context.Context, logger *slog.Logger, qconn *quic.Conn) (err error) {
	streamCtx := qconn.Context()
	for {
		var str *quic.Stream
		str, err = qconn.AcceptStream(ctx)
		if err != nil {
			return err
		}

		logger.DebugContext(ctx, "stream accepted", "stream_id", str.StreamID())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			s.conf.Handler.HandleStream(streamCtx, str)
		}()
	}
}
