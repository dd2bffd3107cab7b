// Package cmd is the quictun CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/fcchbjm/quictun/forward"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/internal/version"
	"github.com/fcchbjm/quictun/session"
)

// shutdownTimeout bounds the graceful shutdown of the server.
const shutdownTimeout = 5 * time.Second

// Main is the entrypoint of quictun CLI.  The first argument selects the
// role.
func Main() {
	conf, r, exitCode, err := parseConfig(os.Args[0], os.Args[1:], os.Stdout)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("parsing options: %w", err))
	}

	if conf == nil {
		os.Exit(exitCode)
	}

	logOutput := os.Stdout
	if conf.LogOutput != "" {
		// #nosec G302 -- Trust the file path that is given in the
		// configuration.
		logOutput, err = os.OpenFile(conf.LogOutput, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, fmt.Errorf("cannot create a log file: %s", err))

			os.Exit(osutil.ExitCodeArgumentError)
		}

		defer func() { _ = logOutput.Close() }()
	}

	l := newLogger(logOutput, conf.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, l, conf, r)
	if err != nil {
		l.ErrorContext(ctx, "running quictun", "role", r, slogutil.KeyError, err)

		// As defers are skipped in case of os.Exit, close logOutput manually.
		if logOutput != os.Stdout {
			_ = logOutput.Close()
		}

		os.Exit(exitCodeFor(err))
	}
}

// newLogger returns the logger writing to output.
func newLogger(output io.Writer, verbose bool) (l *slog.Logger) {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
}

// exitCodeFor returns the exit code for the error the program stops with.
func exitCodeFor(err error) (code int) {
	if tunerr.KindOf(err) == tunerr.KindConfiguration {
		return osutil.ExitCodeArgumentError
	}

	return osutil.ExitCodeFailure
}

// run runs the role until ctx is canceled.  l must not be nil.
func run(ctx context.Context, l *slog.Logger, conf *configuration, r role) (err error) {
	l.InfoContext(
		ctx,
		"quictun starting",
		"role", r,
		"version", version.Version(),
		"revision", version.Revision(),
		"branch", version.Branch(),
		"commit_time", version.CommitTime(),
	)

	switch r {
	case roleClient:
		return runClient(ctx, l, conf, nil)
	case roleServer:
		return runServer(ctx, l, conf, nil)
	default:
		panic(fmt.Errorf("role %q: %w", r, errors.ErrBadEnumValue))
	}
}

// runClient runs the client and the local TCP listener until ctx is canceled
// or the client gives up.  onListening, if not nil, is called with the bound
// listener address.
func runClient(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	onListening func(addr netip.AddrPort),
) (err error) {
	clientConf, listenAddr, err := conf.newClientConfig(ctx, l.With(slogutil.KeyPrefix, "client"))
	if err != nil {
		return fmt.Errorf("configuring client: %w", err)
	}

	client, err := session.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	ln := forward.NewListener(&forward.ListenerConfig{
		Logger:       l.With(slogutil.KeyPrefix, "listener"),
		Opener:       client,
		OnListening:  onListening,
		Addr:         listenAddr,
		ReadyTimeout: time.Duration(conf.ReadyTimeout),
	})

	err = ln.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientErr := make(chan error, 1)
	go func() {
		var runErr error
		defer func() { clientErr <- runErr }()

		// Stop serving once the client gives up.
		defer cancel()
		defer slogutil.RecoverAndLog(ctx, l)

		runErr = client.Run(ctx)
	}()

	err = ln.Serve(ctx)
	cancel()

	err = errors.Join(err, <-clientErr, ln.Close())
	if err != nil {
		return fmt.Errorf("running client: %w", err)
	}

	return nil
}

// runServer runs the server until ctx is canceled.  onListening, if not nil,
// is called with the bound DNS address.
func runServer(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	onListening func(addr netip.AddrPort),
) (err error) {
	serverConf, err := conf.newServerConfig(l.With(slogutil.KeyPrefix, "server"))
	if err != nil {
		return fmt.Errorf("configuring server: %w", err)
	}

	srv, err := session.NewServer(serverConf)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	err = srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	if onListening != nil {
		onListening(srv.LocalAddr())
	}

	<-ctx.Done()

	// Shut down with a fresh context, since ctx is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	return nil
}
