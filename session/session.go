// Package session drives QUIC connections over the DNS tunnel.
//
// A client [Session] binds its own UDP socket, runs the handshake through the
// tunnel and checks the server certificate against the pinned set.  [Client]
// runs sessions back to back.  [Server] accepts any number of client
// connections on one DNS socket.  Every connection has its own [Machine].
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/forward"
	"github.com/fcchbjm/quictun/internal/netutil"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/tunnel"
	"github.com/quic-go/quic-go"
)

const (
	// ErrNotReady is returned when a stream is requested from a session that
	// isn't ready.
	ErrNotReady errors.Error = "session is not ready"

	// errConnLost is returned when the peer or the idle timeout closes the
	// connection.
	errConnLost errors.Error = "connection lost"

	// errShutdown is returned by the handshake when the session is shut down
	// before it is ready.
	errShutdown errors.Error = "shutdown"
)

// Session is a single client connection over the tunnel.  A session is run
// once; a new one is needed to reconnect.
type Session struct {
	logger  *slog.Logger
	conf    *ClientConfig
	codec   *dnsframe.Codec
	machine *Machine

	// mu protects the fields below.
	mu       *sync.Mutex
	qconn    *quic.Conn
	tconn    *tunnel.ClientConn
	pinErr   error
	wasReady bool
}

// NewSession returns a new session.  Configuration errors, including a tunnel
// domain too long for the carrier, are returned here, before any socket is
// bound.
func NewSession(conf *ClientConfig) (s *Session, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("client config: %w", err))
	}

	codec, err := newClientCodec(conf.Domain)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return newSession(conf, codec), nil
}

// newClientCodec returns the codec for domain, checking that its budget fits
// the tunnel framing.
func newClientCodec(domain string) (c *dnsframe.Codec, err error) {
	c, err = dnsframe.NewCodec(domain)
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("domain %q: %w", domain, err))
	}

	err = tunnel.ValidateMTU(c.MTU())
	if err != nil {
		return nil, fmt.Errorf("domain %q: %w", domain, err)
	}

	return c, nil
}

// newSession returns a new session with a valid configuration.
func newSession(conf *ClientConfig, codec *dnsframe.Codec) (s *Session) {
	logger := conf.Logger.With(slogutil.KeyPrefix, "session")

	return &Session{
		logger:  logger,
		conf:    conf,
		codec:   codec,
		machine: NewMachine(logger),
		mu:      &sync.Mutex{},
	}
}

// State returns the current state of the session.
func (s *Session) State() (st State) {
	return s.machine.State()
}

// WasReady returns true if the session has ever been ready.
func (s *Session) WasReady() (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wasReady
}

// Err returns the error the session failed with, if any.
func (s *Session) Err() (err error) {
	return s.machine.Err()
}

// Stats returns the counters of the tunnel of the session.  They stay
// available after the session ends.
func (s *Session) Stats() (st tunnel.Stats) {
	s.mu.Lock()
	tconn := s.tconn
	s.mu.Unlock()

	if tconn == nil {
		return tunnel.Stats{}
	}

	return tconn.Stats()
}

// WaitReady blocks until the session is ready.  It returns an error wrapping
// [ErrUnreachable] if the session closes or fails first.
func (s *Session) WaitReady(ctx context.Context) (err error) {
	return s.machine.Wait(ctx, StateReady)
}

// type check
var _ forward.Opener = (*Session)(nil)

// OpenStream implements the [forward.Opener] interface for *Session.
func (s *Session) OpenStream(ctx context.Context) (str forward.Stream, err error) {
	s.mu.Lock()
	qconn := s.qconn
	s.mu.Unlock()

	if qconn == nil || s.machine.State() != StateReady {
		return nil, ErrNotReady
	}

	qs, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	return qs, nil
}

// Run runs the session until ctx is canceled, the connection is lost or the
// session fails.  It returns nil only on a shutdown requested through ctx.
// The error carries the [tunerr.Kind] of the failure.
func (s *Session) Run(ctx context.Context) (err error) {
	pconn, err := netutil.BindUDP(ctx, netutil.ListenConfig(s.logger))
	if err != nil {
		err = tunerr.New(tunerr.KindTransportAnomaly, err)
		s.fail(ctx, err)

		return err
	}

	s.logger.DebugContext(ctx, "socket bound", "local", pconn.LocalAddr())
	s.mustTransition(StateSocketBound)

	tconn, err := tunnel.NewClientConn(&tunnel.ClientConfig{
		Logger:          s.conf.Logger.With(slogutil.KeyPrefix, "tunnel"),
		Conn:            pconn,
		Resolver:        net.UDPAddrFromAddrPort(s.conf.Resolver),
		Codec:           s.codec,
		QueryTimeout:    s.conf.Tunnel.QueryTimeout,
		PollInterval:    s.conf.Tunnel.PollInterval,
		MaxPollInterval: s.conf.Tunnel.MaxPollInterval,
		MaxAnomalies:    s.conf.Tunnel.MaxAnomalies,
		MaxInFlight:     s.conf.Tunnel.MaxInFlight,
		QueryRate:       s.conf.Tunnel.QueryRate,
	})
	if err != nil {
		slogutil.CloseAndLog(ctx, s.logger, pconn, slog.LevelDebug)
		s.fail(ctx, err)

		return err
	}

	s.mu.Lock()
	s.tconn = tconn
	s.mu.Unlock()

	tr := &quic.Transport{
		Conn: tconn,
	}
	defer s.closeTransport(ctx, tr, tconn)

	s.mustTransition(StateHandshaking)

	qconn, err := s.dial(ctx, tr, tconn)
	if errors.Is(err, errShutdown) {
		s.mustTransition(StateClosing)
		s.closed(ctx)

		return nil
	} else if err != nil {
		s.fail(ctx, err)

		return err
	}

	s.mu.Lock()
	s.qconn = qconn
	s.wasReady = true
	s.mu.Unlock()

	s.mustTransition(StateReady)
	s.logger.InfoContext(ctx, MsgReady, "resolver", s.conf.Resolver, "domain", s.codec.Domain())
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:   EventReady,
		Remote: s.conf.Resolver.String(),
	})

	return s.serve(ctx, qconn, tconn)
}

// dial runs the QUIC handshake and returns the established connection.
func (s *Session) dial(
	ctx context.Context,
	tr *quic.Transport,
	tconn *tunnel.ClientConn,
) (qconn *quic.Conn, err error) {
	verify := pinVerifier(
		s.logger,
		s.conf.Pins,
		s.verifying,
		s.setPinErr,
	)
	tlsConf := newClientTLSConfig(s.codec.Domain(), s.conf.Certificate, verify)
	quicConf := newQUICConfig(s.conf.HandshakeTimeout, s.conf.IdleTimeout, s.conf.KeepAlive)

	// The engine also bounds the handshake, but it doesn't count the time
	// spent waiting for the first response.
	dialCtx, cancel := context.WithTimeout(ctx, s.conf.HandshakeTimeout)
	defer cancel()

	qconn, err = tr.Dial(dialCtx, net.UDPAddrFromAddrPort(s.conf.Resolver), tlsConf, quicConf)
	if err == nil {
		if st := s.machine.State(); st != StateCertVerifying {
			// The server presented no certificate for the callback to see.
			closeConn(ctx, s.logger, qconn, codePinningRejected, "no certificate")

			return nil, tunerr.New(tunerr.KindHandshake, fmt.Errorf("handshake finished in %s", st))
		}

		return qconn, nil
	}

	return nil, s.handshakeError(ctx, tconn, err)
}

// handshakeError returns the error that best explains the failed handshake.
func (s *Session) handshakeError(
	ctx context.Context,
	tconn *tunnel.ClientConn,
	dialErr error,
) (err error) {
	s.mu.Lock()
	pinErr := s.pinErr
	s.mu.Unlock()

	switch {
	case pinErr != nil:
		return pinErr
	case isPinningRejection(dialErr):
		return tunerr.New(tunerr.KindPinning, fmt.Errorf("client certificate: %w", dialErr))
	case tconn.Err() != nil:
		return tconn.Err()
	case ctx.Err() != nil:
		return errShutdown
	default:
		return tunerr.New(tunerr.KindHandshake, fmt.Errorf("quic handshake: %w", dialErr))
	}
}

// verifying moves the session to CertVerifying once the engine has the
// server certificate.
func (s *Session) verifying() {
	err := s.machine.Transition(StateCertVerifying)
	if err != nil {
		s.logger.Warn("verifying certificate", slogutil.KeyError, err)
	}
}

// setPinErr remembers the pinning rejection.
func (s *Session) setPinErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pinErr = err
}

// serve waits for the end of the ready session.
func (s *Session) serve(ctx context.Context, qconn *quic.Conn, tconn *tunnel.ClientConn) (err error) {
	select {
	case <-ctx.Done():
		s.mustTransition(StateClosing)
		closeConn(ctx, s.logger, qconn, codeNoError, "shutdown")
		s.closed(ctx)

		return nil
	case <-qconn.Context().Done():
		cause := context.Cause(qconn.Context())
		if isPinningRejection(cause) {
			err = tunerr.New(tunerr.KindPinning, fmt.Errorf("client certificate: %w", cause))
			s.fail(ctx, err)

			return err
		}

		s.mustTransition(StateClosing)
		err = fmt.Errorf("%w: %w", errConnLost, cause)
		s.logger.InfoContext(ctx, "connection closed", slogutil.KeyError, err)
		s.closed(ctx)

		return err
	case <-tconn.Failed():
		err = tconn.Err()
		closeConn(ctx, s.logger, qconn, codeNoError, "carrier failed")
		s.fail(ctx, err)

		return err
	}
}

// closeTransport releases the engine and the tunnel socket.
func (s *Session) closeTransport(ctx context.Context, tr *quic.Transport, tconn *tunnel.ClientConn) {
	err := tr.Close()
	if err != nil {
		s.logger.DebugContext(ctx, "closing transport", slogutil.KeyError, err)
	}

	slogutil.CloseAndLog(ctx, s.logger, tconn, slog.LevelDebug)

	st := tconn.Stats()
	s.logger.DebugContext(
		ctx,
		"tunnel stats",
		"queries", st.Queries,
		"responses", st.Responses,
		"unmatched", st.Unmatched,
		"anomalies", st.Anomalies,
		"rtt_mean", st.RTTMean,
		"rtt_stddev", st.RTTStdDev,
	)
}

// closed moves the session from Closing to Closed and reports it.
func (s *Session) closed(ctx context.Context) {
	s.mustTransition(StateClosed)
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:   EventClosed,
		Remote: s.conf.Resolver.String(),
	})
}

// fail moves the session into Failed and reports it.
func (s *Session) fail(ctx context.Context, err error) {
	if !s.machine.Fail(err) {
		return
	}

	s.logger.WarnContext(ctx, "session failed", slogutil.KeyError, err)
	s.conf.OnEvent.emit(ctx, &Event{
		Kind:   EventFailed,
		Err:    err,
		Remote: s.conf.Resolver.String(),
	})
}

// mustTransition moves the machine to st.  Illegal transitions are
// programmer errors.
func (s *Session) mustTransition(st State) {
	s.machine.MustTransition(st)
}
