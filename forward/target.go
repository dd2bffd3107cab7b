package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

// DefaultDialTimeout is the default timeout for connecting to the target.
const DefaultDialTimeout = 10 * time.Second

// Target is a [Handler] that connects every stream to a fixed TCP address.
type Target struct {
	logger      *slog.Logger
	dialer      transport.StreamDialer
	address     string
	dialTimeout time.Duration
}

// NewTarget returns a new *Target that dials address with d.  If d is nil, a
// plain TCP dialer is used.
func NewTarget(
	logger *slog.Logger,
	d transport.StreamDialer,
	address string,
	dialTimeout time.Duration,
) (t *Target) {
	if d == nil {
		d = &transport.TCPDialer{}
	}

	return &Target{
		logger:      logger,
		dialer:      d,
		address:     address,
		dialTimeout: dialTimeout,
	}
}

// type check
var _ Handler = (*Target)(nil)

// HandleStream implements the [Handler] interface for *Target.  A failure to
// reach the target only resets s.
func (t *Target) HandleStream(ctx context.Context, s Stream) {
	defer slogutil.RecoverAndLog(ctx, t.logger)

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, err := t.dialer.DialStream(dialCtx, t.address)
	cancel()
	if err != nil {
		err = tunerr.New(tunerr.KindForwarding, fmt.Errorf("dialing %s: %w", t.address, err))
		t.logger.WarnContext(ctx, "connecting to target", slogutil.KeyError, err)

		s.CancelRead(CodeDialFailed)
		s.CancelWrite(CodeDialFailed)

		return
	}

	t.logger.DebugContext(ctx, "forwarding", "target", t.address)

	err = Relay(ctx, conn, s)
	if err != nil {
		t.logger.DebugContext(ctx, "relay finished", slogutil.KeyError, err)
	}
}
