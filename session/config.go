package session

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/fcchbjm/quictun/forward"
	"github.com/fcchbjm/quictun/pinning"
	"github.com/fcchbjm/quictun/tunnel"
)

// Default values of the session parameters.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultIdleTimeout      = 2 * time.Minute
	DefaultKeepAlive        = 15 * time.Second
)

// Reconnection backoff bounds of [Client].
const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// MaxPinningFailures is the number of consecutive sessions rejected by
// pinning after which a [Client] stops, whatever its MaxReconnects.
const MaxPinningFailures = 3

// TunnelParams are the parameters of the DNS carrier.  See the tunnel package
// for their meaning.
type TunnelParams struct {
	// QueryTimeout is the time a client query waits for its response.
	QueryTimeout time.Duration

	// PollInterval is the initial interval between client polls.
	PollInterval time.Duration

	// MaxPollInterval is the interval client polls back off to.
	MaxPollInterval time.Duration

	// ResponseDelay is the time the server holds a query.
	ResponseDelay time.Duration

	// ClientIdleTimeout is the time after which the server forgets a silent
	// client.
	ClientIdleTimeout time.Duration

	// MaxAnomalies is the number of consecutive transport anomalies after
	// which a client session fails.
	MaxAnomalies uint

	// MaxInFlight is the maximum number of outstanding client polls.
	MaxInFlight uint

	// QueryRate is the maximum number of client polls per second.
	QueryRate uint

	// MaxHeld is the maximum number of queries the server holds at once.
	MaxHeld uint
}

// DefaultTunnelParams returns the default tunnel parameters.
func DefaultTunnelParams() (p *TunnelParams) {
	return &TunnelParams{
		QueryTimeout:      tunnel.DefaultQueryTimeout,
		PollInterval:      tunnel.DefaultPollInterval,
		MaxPollInterval:   tunnel.DefaultMaxPollInterval,
		ResponseDelay:     tunnel.DefaultResponseDelay,
		ClientIdleTimeout: tunnel.DefaultClientIdleTimeout,
		MaxAnomalies:      tunnel.DefaultMaxAnomalies,
		MaxInFlight:       tunnel.DefaultMaxInFlight,
		QueryRate:         tunnel.DefaultQueryRate,
		MaxHeld:           tunnel.DefaultMaxHeld,
	}
}

// type check
var _ validate.Interface = (*TunnelParams)(nil)

// Validate implements the [validate.Interface] interface for *TunnelParams.
func (p *TunnelParams) Validate() (err error) {
	if p == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.Positive("QueryTimeout", p.QueryTimeout),
		validate.Positive("PollInterval", p.PollInterval),
		validate.NoGreaterThan("PollInterval", p.PollInterval, p.MaxPollInterval),
		validate.Positive("ResponseDelay", p.ResponseDelay),
		validate.Positive("ClientIdleTimeout", p.ClientIdleTimeout),
		validate.Positive("MaxAnomalies", p.MaxAnomalies),
		validate.Positive("MaxInFlight", p.MaxInFlight),
		validate.Positive("QueryRate", p.QueryRate),
		validate.Positive("MaxHeld", p.MaxHeld),
	)
}

// ClientConfig is the configuration of a [Client] and its sessions.
type ClientConfig struct {
	// Logger is used for logging.  It must not be nil.
	Logger *slog.Logger

	// OnEvent, if not nil, receives the lifecycle events of every session.
	OnEvent EventHandler

	// Pins is the set of server certificates to pin.  If it is nil or empty,
	// any server certificate is accepted.
	Pins *pinning.Set

	// Certificate, if not nil, is presented to servers requiring client
	// authentication.
	Certificate *tls.Certificate

	// Tunnel are the carrier parameters.  It must be valid.
	Tunnel *TunnelParams

	// Domain is the tunnel domain.  It must not be empty.
	Domain string

	// Resolver is the address of the DNS resolver.  It must be valid.
	Resolver netip.AddrPort

	// HandshakeTimeout bounds the QUIC handshake.  It must be positive.
	HandshakeTimeout time.Duration

	// IdleTimeout closes a silent QUIC connection.  It must be positive.
	IdleTimeout time.Duration

	// KeepAlive is the QUIC keep-alive period.  Zero disables keep-alives.
	KeepAlive time.Duration

	// MaxReconnects is the number of sessions started after the first one
	// fails.  Zero means no limit, except for pinning rejections, which are
	// bounded by [MaxPinningFailures].
	MaxReconnects uint
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
		validate.Positive("HandshakeTimeout", c.HandshakeTimeout),
		validate.Positive("IdleTimeout", c.IdleTimeout),
		validate.NoGreaterThan("KeepAlive", c.KeepAlive, c.IdleTimeout),
	}

	if c.Domain == "" {
		errs = append(errs, fmt.Errorf("Domain: %w", errors.ErrEmptyValue))
	}

	if !c.Resolver.IsValid() {
		errs = append(errs, fmt.Errorf("Resolver: %w", errors.ErrNoValue))
	}

	errs = append(errs, validateTunnel(c.Tunnel))

	return errors.Join(errs...)
}

// ServerConfig is the configuration of a [Server].
type ServerConfig struct {
	// Logger is used for logging.  It must not be nil.
	Logger *slog.Logger

	// OnEvent, if not nil, receives the lifecycle events of every connection.
	OnEvent EventHandler

	// Handler serves the streams opened by clients.  It must not be nil.
	Handler forward.Handler

	// Certificate is the certificate of the server.  It must not be nil.
	Certificate *tls.Certificate

	// ClientPins, if not empty, is the set of client certificates accepted.
	// Clients must present a certificate then.
	ClientPins *pinning.Set

	// Tunnel are the carrier parameters.  It must be valid.
	Tunnel *TunnelParams

	// Domains are the tunnel domains served.  It must not be empty.
	Domains []string

	// ListenAddr is the UDP address for DNS queries.  It must be valid.
	ListenAddr netip.AddrPort

	// HandshakeTimeout bounds the QUIC handshake.  It must be positive.
	HandshakeTimeout time.Duration

	// IdleTimeout closes a silent QUIC connection.  It must be positive.
	IdleTimeout time.Duration

	// KeepAlive is the QUIC keep-alive period.  Zero disables keep-alives.
	KeepAlive time.Duration

	// Ratelimit is the number of queries per second accepted from a single
	// resolver subnet.  Zero disables rate limiting.
	Ratelimit uint

	// RatelimitAllowlist are the resolver addresses never rate limited.
	RatelimitAllowlist []netip.Addr
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
		validate.NotNil("Certificate", c.Certificate),
		validate.Positive("HandshakeTimeout", c.HandshakeTimeout),
		validate.Positive("IdleTimeout", c.IdleTimeout),
		validate.NoGreaterThan("KeepAlive", c.KeepAlive, c.IdleTimeout),
	}

	if c.Handler == nil {
		errs = append(errs, fmt.Errorf("Handler: %w", errors.ErrNoValue))
	}

	if len(c.Domains) == 0 {
		errs = append(errs, fmt.Errorf("Domains: %w", errors.ErrEmptyValue))
	}

	if !c.ListenAddr.IsValid() {
		errs = append(errs, fmt.Errorf("ListenAddr: %w", errors.ErrNoValue))
	}

	errs = append(errs, validateTunnel(c.Tunnel))

	return errors.Join(errs...)
}

// validateTunnel validates p, which may be nil.
func validateTunnel(p *TunnelParams) (err error) {
	err = p.Validate()
	if err != nil {
		return fmt.Errorf("Tunnel: %w", err)
	}

	return nil
}
