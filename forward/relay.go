package forward

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

// Relay copies bytes between conn and s in both directions until both
// directions are done, one of them fails, or ctx is canceled.  Each read is
// written out as soon as it arrives.  A finished direction is half-closed; a
// failed direction or ctx cancellation tears down both halves of both sides.
// Relay always closes conn and s.  Errors are forwarding failures, see
// [tunerr.KindForwarding].
func Relay(parent context.Context, conn transport.StreamConn, s Stream) (err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// abortOnce tears down everything exactly once.
	abortOnce := &sync.Once{}
	abort := func() {
		abortOnce.Do(func() {
			s.CancelRead(CodeRelayFailed)
			s.CancelWrite(CodeRelayFailed)
			_ = conn.Close()
		})
	}

	stop := context.AfterFunc(ctx, abort)
	defer stop()

	wg := &sync.WaitGroup{}
	var upErr, downErr error

	wg.Add(2)
	go func() {
		defer wg.Done()

		upErr = pump(s, conn)
		if upErr != nil {
			cancel()

			return
		}

		// FIN to the peer.
		upErr = s.Close()
	}()

	go func() {
		defer wg.Done()

		downErr = pump(conn, s)
		if downErr != nil {
			cancel()

			return
		}

		downErr = conn.CloseWrite()
	}()

	wg.Wait()

	err = errors.Join(
		annotate("tcp to stream", upErr),
		annotate("stream to tcp", downErr),
		parent.Err(),
	)

	_ = conn.Close()

	return tunerr.New(tunerr.KindForwarding, err)
}

// pump copies from src to dst.
func pump(dst io.Writer, src io.Reader) (err error) {
	_, err = io.Copy(dst, src)

	return err
}

// annotate adds the direction to a non-nil err.
func annotate(dir string, err error) (res error) {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", dir, err)
}
