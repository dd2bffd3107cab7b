package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/forward"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

// ErrClientStopped is returned by the methods of a [Client] that isn't
// running anymore.
const ErrClientStopped errors.Error = "client stopped"

// Client runs client sessions back to back: when a session fails or loses its
// connection, a new one is started after a backoff.  Configuration errors
// stop the client.
type Client struct {
	logger *slog.Logger
	conf   *ClientConfig
	codec  *dnsframe.Codec

	// mu protects the fields below.
	mu *sync.Mutex

	// current is the running session, if any.
	current *Session

	// changed is closed and replaced when current changes.
	changed chan struct{}

	stopped bool
}

// NewClient returns a new client.  Configuration errors are returned here,
// before any socket is bound.
func NewClient(conf *ClientConfig) (c *Client, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("client config: %w", err))
	}

	codec, err := newClientCodec(conf.Domain)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return &Client{
		logger:  conf.Logger.With(slogutil.KeyPrefix, "client"),
		conf:    conf,
		codec:   codec,
		mu:      &sync.Mutex{},
		changed: make(chan struct{}),
	}, nil
}

// MTU returns the upstream frame budget of the tunnel domain.
func (c *Client) MTU() (mtu int) {
	return c.codec.MTU()
}

// Run runs sessions until ctx is canceled, a configuration error occurs or
// a reconnection limit is reached.  It returns nil on a shutdown requested
// through ctx.
func (c *Client) Run(ctx context.Context) (err error) {
	defer c.setCurrent(nil, true)

	delay := minReconnectDelay
	pinFailures := 0
	for reconnects := uint(0); ; reconnects++ {
		s := newSession(c.conf, c.codec)
		c.setCurrent(s, false)

		err = s.Run(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case tunerr.Is(err, tunerr.KindConfiguration):
			return err
		case c.conf.MaxReconnects > 0 && reconnects >= c.conf.MaxReconnects:
			return fmt.Errorf("giving up after %d reconnects: %w", reconnects, err)
		}

		if s.WasReady() {
			delay = minReconnectDelay
		}

		if tunerr.Is(err, tunerr.KindPinning) {
			pinFailures++
			if pinFailures >= MaxPinningFailures {
				return fmt.Errorf("giving up after %d pinning rejections: %w", pinFailures, err)
			}
		} else {
			pinFailures = 0
		}

		c.logger.WarnContext(
			ctx,
			"reconnecting",
			"delay", delay,
			"kind", tunerr.KindOf(err),
			slogutil.KeyError, err,
		)

		if !sleep(ctx, delay) {
			return nil
		}

		delay = min(delay*2, maxReconnectDelay)
	}
}

// sleep waits for d and returns false if ctx is canceled first.
func sleep(ctx context.Context, d time.Duration) (ok bool) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// setCurrent replaces the current session and wakes up the waiters.
func (c *Client) setCurrent(s *Session, stopped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = s
	c.stopped = stopped
	close(c.changed)
	c.changed = make(chan struct{})
}

// snapshot returns the current session and the channel closed on its change.
func (c *Client) snapshot() (s *Session, changed <-chan struct{}, stopped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current, c.changed, c.stopped
}

// type check
var _ forward.Opener = (*Client)(nil)

// WaitReady implements the [forward.Opener] interface for *Client.  It waits
// across reconnections until a session is ready.
func (c *Client) WaitReady(ctx context.Context) (err error) {
	for {
		s, changed, stopped := c.snapshot()
		if stopped {
			return ErrClientStopped
		}

		if s != nil && waitSession(ctx, s, changed) {
			return nil
		}

		select {
		case <-changed:
			// Go on with the next session.
		case <-ctx.Done():
			return fmt.Errorf("waiting for session: %w", context.Cause(ctx))
		}
	}
}

// waitSession returns true if s becomes ready before changed is closed or ctx
// is canceled.
func waitSession(ctx context.Context, s *Session, changed <-chan struct{}) (ok bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-changed:
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.WaitReady(ctx) == nil
}

// OpenStream implements the [forward.Opener] interface for *Client.
func (c *Client) OpenStream(ctx context.Context) (str forward.Stream, err error) {
	s, _, stopped := c.snapshot()
	if stopped {
		return nil, ErrClientStopped
	} else if s == nil {
		return nil, ErrNotReady
	}

	return s.OpenStream(ctx)
}

// State returns the state of the current session.
func (c *Client) State() (st State) {
	s, _, _ := c.snapshot()
	if s == nil {
		return StateIdle
	}

	return s.State()
}
