package session

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/pinning"
	"github.com/fcchbjm/quictun/tunnel"
	"github.com/quic-go/quic-go"
)

// nextProto is the ALPN protocol of the tunnel.
const nextProto = "quictun"

// rawCerts returns the DER encodings of the peer certificates in cs.
func rawCerts(cs tls.ConnectionState) (raw [][]byte) {
	raw = make([][]byte, 0, len(cs.PeerCertificates))
	for _, c := range cs.PeerCertificates {
		raw = append(raw, c.Raw)
	}

	return raw
}

// pinVerifier returns a [tls.Config.VerifyConnection] function checking the
// server against pins.  A pinned key must also present a certificate valid
// for the server name.  onVerify is called before the check and onReject with
// the rejection, which is a pinning error.
func pinVerifier(
	logger *slog.Logger,
	pins *pinning.Set,
	onVerify func(),
	onReject func(err error),
) (f func(cs tls.ConnectionState) (err error)) {
	return func(cs tls.ConnectionState) (err error) {
		onVerify()

		err = pins.ValidateHost(rawCerts(cs), cs.ServerName)
		if err == nil {
			return nil
		}

		err = tunerr.New(tunerr.KindPinning, err)
		logger.Error(MsgPinningRejected, "server_name", cs.ServerName, slogutil.KeyError, err)
		onReject(err)

		return err
	}
}

// newClientTLSConfig returns the TLS configuration of a client session.  The
// chain is not verified against any authority: the peer is accepted only by
// the verify function.
func newClientTLSConfig(
	domain string,
	cert *tls.Certificate,
	verify func(cs tls.ConnectionState) (err error),
) (conf *tls.Config) {
	conf = &tls.Config{
		ServerName: strings.TrimSuffix(domain, "."),
		NextProtos: []string{nextProto},
		MinVersion: tls.VersionTLS13,
		// #nosec G402 -- The peer is authenticated by its pinned public key.
		InsecureSkipVerify: true,
		VerifyConnection:   verify,
	}

	if cert != nil {
		conf.Certificates = []tls.Certificate{*cert}
	}

	return conf
}

// newServerTLSConfig returns the TLS configuration of the server.  Client
// certificates are requested when clientPins isn't empty.  They are checked
// after the handshake, so that a rejection is reported as a pinning error
// with its own close code.
func newServerTLSConfig(cert *tls.Certificate, clientPins *pinning.Set) (conf *tls.Config) {
	conf = &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{nextProto},
		MinVersion:   tls.VersionTLS13,
	}

	if clientPins.Len() > 0 {
		conf.ClientAuth = tls.RequestClientCert
	}

	return conf
}

// isPinningRejection returns true if err is the close of a connection by a
// peer that rejected the certificate.
func isPinningRejection(err error) (ok bool) {
	var appErr *quic.ApplicationError

	return errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == codePinningRejected
}

// newQUICConfig returns the QUIC configuration for both roles.  Datagrams
// never grow beyond what the tunnel carries.
func newQUICConfig(handshakeTimeout, idleTimeout, keepAlive time.Duration) (conf *quic.Config) {
	return &quic.Config{
		HandshakeIdleTimeout:    handshakeTimeout,
		MaxIdleTimeout:          idleTimeout,
		KeepAlivePeriod:         keepAlive,
		InitialPacketSize:       tunnel.MaxDatagramSize,
		DisablePathMTUDiscovery: true,
	}
}

// closeConn closes qconn with code and logs the failure, if any.
func closeConn(
	ctx context.Context,
	logger *slog.Logger,
	qconn *quic.Conn,
	code quic.ApplicationErrorCode,
	msg string,
) {
	err := qconn.CloseWithError(code, msg)
	if err != nil {
		logger.DebugContext(ctx, "closing quic connection", slogutil.KeyError, err)
	}
}
