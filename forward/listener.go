package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

// MsgListening is logged once the client TCP listener is bound.
const MsgListening = "Listening on TCP port"

// DefaultReadyTimeout is the default time a local connection waits for the
// session to become ready.
const DefaultReadyTimeout = 30 * time.Second

// ListenerConfig is the configuration for a [Listener].
type ListenerConfig struct {
	// Logger is used for logging.  It must not be nil.
	Logger *slog.Logger

	// Opener provides the streams.  It must not be nil.
	Opener Opener

	// OnListening, if not nil, is called with the bound address once the
	// listener is ready to accept.
	OnListening func(addr netip.AddrPort)

	// Addr is the TCP address to listen on.
	Addr netip.AddrPort

	// ReadyTimeout is the time an accepted connection waits for the session.
	// It must be positive.
	ReadyTimeout time.Duration
}

// type check
var _ validate.Interface = (*ListenerConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *ListenerConfig.
func (c *ListenerConfig) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", c.Logger),
		validate.Positive("ReadyTimeout", c.ReadyTimeout),
	}

	if c.Opener == nil {
		errs = append(errs, fmt.Errorf("Opener: %w", errors.ErrNoValue))
	}

	return errors.Join(errs...)
}

// Listener accepts local TCP connections and forwards each over its own
// stream.
type Listener struct {
	logger       *slog.Logger
	opener       Opener
	onListening  func(addr netip.AddrPort)
	addr         netip.AddrPort
	readyTimeout time.Duration

	mu     *sync.Mutex
	ln     *net.TCPListener
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// NewListener returns a new properly initialized *Listener.  c must be valid.
func NewListener(c *ListenerConfig) (l *Listener) {
	return &Listener{
		logger:       c.Logger,
		opener:       c.Opener,
		onListening:  c.OnListening,
		addr:         c.Addr,
		readyTimeout: c.ReadyTimeout,
		mu:           &sync.Mutex{},
		cancel:       func() {},
		wg:           &sync.WaitGroup{},
	}
}

// Start binds the listener.  Connections are accepted only once [Serve] is
// called.
func (l *Listener) Start(ctx context.Context) (err error) {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr.String())
	if err != nil {
		return tunerr.Configuration(fmt.Errorf("listening on tcp: %w", err))
	}

	tcpLn := ln.(*net.TCPListener)
	addr := tcpAddrPort(tcpLn)

	l.mu.Lock()
	l.ln = tcpLn
	l.mu.Unlock()

	l.logger.InfoContext(ctx, MsgListening, "port", addr.Port(), "addr", addr)
	if l.onListening != nil {
		l.onListening(addr)
	}

	return nil
}

// Addr returns the bound address.  It must only be called after [Start].
func (l *Listener) Addr() (addr netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return netip.AddrPort{}
	}

	return tcpAddrPort(l.ln)
}

// tcpAddrPort returns the unmapped address ln is bound to.
func tcpAddrPort(ln *net.TCPListener) (addr netip.AddrPort) {
	addr = ln.Addr().(*net.TCPAddr).AddrPort()

	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Serve accepts connections until the listener is closed or ctx is canceled.
// It returns nil on a clean shutdown.
func (l *Listener) Serve(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	ln := l.ln
	l.cancel = cancel
	l.mu.Unlock()

	if ln == nil {
		return errors.Error("listener is not started")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		var conn *net.TCPConn
		conn, err = ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("accepting: %w", err)
		}

		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

// handle forwards a single local connection.
func (l *Listener) handle(ctx context.Context, conn *net.TCPConn) {
	defer l.wg.Done()
	defer slogutil.RecoverAndLog(ctx, l.logger)

	logger := l.logger.With("local", conn.RemoteAddr())

	readyCtx, cancel := context.WithTimeout(ctx, l.readyTimeout)
	err := l.opener.WaitReady(readyCtx)
	cancel()
	if err != nil {
		logger.WarnContext(ctx, "session not ready; closing connection", slogutil.KeyError, err)
		_ = conn.Close()

		return
	}

	s, err := l.opener.OpenStream(ctx)
	if err != nil {
		logger.WarnContext(
			ctx,
			"opening stream",
			slogutil.KeyError, tunerr.New(tunerr.KindForwarding, err),
		)
		_ = conn.Close()

		return
	}

	logger.DebugContext(ctx, "forwarding")

	err = Relay(ctx, transport.StreamConn(conn), s)
	if err != nil {
		logger.DebugContext(ctx, "relay finished", slogutil.KeyError, err)
	}
}

// Close stops accepting, aborts the live relays and waits for them to
// return.
func (l *Listener) Close() (err error) {
	l.mu.Lock()
	l.cancel()
	if l.ln != nil {
		err = l.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	l.mu.Unlock()

	l.wg.Wait()

	return err
}
