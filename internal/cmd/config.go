package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/ameshkov/dnsstamps"
	"github.com/fcchbjm/quictun/forward"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/pinning"
	"github.com/fcchbjm/quictun/session"
	"gopkg.in/yaml.v3"
)

// Default values of the configuration.
const (
	defaultDNSListenPort = 53
	defaultDNSPort       = 53
	defaultRatelimit     = 0
)

// stampPrefix is the scheme of DNS stamps.
const stampPrefix = "sdns://"

// configuration is the configuration of both roles, read from the YAML file
// and the command line.  The fields of the other role are ignored.
type configuration struct {
	// ConfigPath is the path to the YAML configuration file.  It is only set
	// on the command line.
	ConfigPath string `yaml:"-"`

	// LogOutput is the path to the log file.
	LogOutput string `yaml:"output"`

	// Resolver is the address of the DNS resolver used by the client, either
	// host:port or a plain DNS stamp.
	Resolver string `yaml:"resolver"`

	// TargetAddress is the address the server forwards streams to.
	TargetAddress string `yaml:"target-address"`

	// KeyPath is the path to the private key of the server.
	KeyPath string `yaml:"key"`

	// Certs are the certificates: the certificate of the server or the
	// certificates pinned by the client.
	Certs []string `yaml:"cert"`

	// Domains are the tunnel domains.  The client uses exactly one.
	Domains []string `yaml:"domain"`

	// HandshakeTimeout bounds the QUIC handshake.
	HandshakeTimeout timeutil.Duration `yaml:"handshake-timeout"`

	// IdleTimeout closes silent QUIC connections.
	IdleTimeout timeutil.Duration `yaml:"idle-timeout"`

	// KeepAlive is the QUIC keep-alive period.  Zero disables keep-alives.
	KeepAlive timeutil.Duration `yaml:"keep-alive"`

	// ReadyTimeout is the time a local connection waits for the tunnel.
	ReadyTimeout timeutil.Duration `yaml:"ready-timeout"`

	// TCPListenPort is the port of the client TCP listener.
	TCPListenPort uint `yaml:"tcp-listen-port"`

	// DNSListenPort is the port the server receives DNS queries on.
	DNSListenPort uint `yaml:"dns-listen-port"`

	// MaxReconnects is the number of client reconnections.  Zero means no
	// limit.
	MaxReconnects uint `yaml:"max-reconnects"`

	// Ratelimit is the number of queries per second the server accepts from
	// a resolver subnet.  Zero disables rate limiting.
	Ratelimit uint `yaml:"ratelimit"`

	// RatelimitAllowlist are the resolver IP addresses never rate limited.
	RatelimitAllowlist []string `yaml:"ratelimit-allowlist"`

	// tunnel are the carrier parameters.  If nil, the defaults are used.
	tunnel *session.TunnelParams

	// help, if true, prints the command-line option help message and quit
	// with a successful exit-code.
	help bool

	// Verbose defines whether we should write the DEBUG-level log or not.
	Verbose bool `yaml:"verbose"`

	// Version, if true, prints the program version, and exits.
	Version bool `yaml:"-"`
}

// newDefaultConfiguration returns the configuration with the default values.
func newDefaultConfiguration() (conf *configuration) {
	return &configuration{
		HandshakeTimeout: timeutil.Duration(session.DefaultHandshakeTimeout),
		IdleTimeout:      timeutil.Duration(session.DefaultIdleTimeout),
		KeepAlive:        timeutil.Duration(session.DefaultKeepAlive),
		ReadyTimeout:     timeutil.Duration(forward.DefaultReadyTimeout),
		DNSListenPort:    defaultDNSListenPort,
		Ratelimit:        defaultRatelimit,
	}
}

// parseConfigFile fills conf with the settings from file read by the given
// path.
func parseConfigFile(conf *configuration, confPath string) (err error) {
	// #nosec G304 -- Trust the file path that is given in the args.
	b, err := os.ReadFile(confPath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	err = yaml.Unmarshal(b, conf)
	if err != nil {
		return fmt.Errorf("unmarshalling file: %w", err)
	}

	return nil
}

// errBadPort is returned when a port doesn't fit 16 bits.
const errBadPort errors.Error = "bad port"

// toPort converts p into a port number.
func toPort(name string, p uint) (port uint16, err error) {
	if p > 0xffff {
		return 0, fmt.Errorf("%s: %w: %d", name, errBadPort, p)
	}

	return uint16(p), nil
}

// newClientConfig returns the client configuration and the listener address.
// Errors are configuration errors.
func (conf *configuration) newClientConfig(
	ctx context.Context,
	l *slog.Logger,
) (c *session.ClientConfig, listenAddr netip.AddrPort, err error) {
	if len(conf.Domains) != 1 {
		err = fmt.Errorf("domain: need exactly one, got %d", len(conf.Domains))

		return nil, netip.AddrPort{}, tunerr.Configuration(err)
	}

	resolver, err := parseResolver(ctx, conf.Resolver)
	if err != nil {
		return nil, netip.AddrPort{}, tunerr.Configuration(fmt.Errorf("resolver: %w", err))
	}

	port, err := toPort("tcp-listen-port", conf.TCPListenPort)
	if err != nil {
		return nil, netip.AddrPort{}, tunerr.Configuration(err)
	}

	// An empty set pins nothing, so all the server certificates are accepted.
	var pins *pinning.Set
	if len(conf.Certs) > 0 {
		pins, err = pinning.LoadSet(conf.Certs...)
		if err != nil {
			// Don't wrap the error, because it's informative enough as is.
			return nil, netip.AddrPort{}, err
		}
	} else {
		l.WarnContext(ctx, "no certificate pinned; any server is trusted")
	}

	c = &session.ClientConfig{
		Logger:           l,
		Pins:             pins,
		Tunnel:           conf.tunnelParams(),
		Domain:           conf.Domains[0],
		Resolver:         resolver,
		HandshakeTimeout: time.Duration(conf.HandshakeTimeout),
		IdleTimeout:      time.Duration(conf.IdleTimeout),
		KeepAlive:        time.Duration(conf.KeepAlive),
		MaxReconnects:    conf.MaxReconnects,
		OnEvent:          logEvent(l),
	}

	return c, netip.AddrPortFrom(netip.IPv4Unspecified(), port), nil
}

// newServerConfig returns the server configuration.  Errors are configuration
// errors.
func (conf *configuration) newServerConfig(
	l *slog.Logger,
) (c *session.ServerConfig, err error) {
	if conf.TargetAddress == "" {
		return nil, tunerr.Configuration(fmt.Errorf("target-address: %w", errors.ErrEmptyValue))
	} else if len(conf.Certs) != 1 || conf.KeyPath == "" {
		return nil, tunerr.Configuration(errors.Error("cert and key: need exactly one pair"))
	}

	port, err := toPort("dns-listen-port", conf.DNSListenPort)
	if err != nil {
		return nil, tunerr.Configuration(err)
	}

	allowlist, err := parseAllowlist(conf.RatelimitAllowlist)
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("ratelimit-allowlist: %w", err))
	}

	cert, err := loadCertificate(conf.Certs[0], conf.KeyPath)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	handler := forward.NewTarget(
		l.With(slogutil.KeyPrefix, "forward"),
		nil,
		conf.TargetAddress,
		forward.DefaultDialTimeout,
	)

	return &session.ServerConfig{
		Logger:             l,
		OnEvent:            logEvent(l),
		Handler:            handler,
		Certificate:        cert,
		Tunnel:             conf.tunnelParams(),
		Domains:            conf.Domains,
		ListenAddr:         netip.AddrPortFrom(netip.IPv6Unspecified(), port),
		HandshakeTimeout:   time.Duration(conf.HandshakeTimeout),
		IdleTimeout:        time.Duration(conf.IdleTimeout),
		KeepAlive:          time.Duration(conf.KeepAlive),
		Ratelimit:          conf.Ratelimit,
		RatelimitAllowlist: allowlist,
	}, nil
}

// parseAllowlist parses the IP addresses of the rate limiter allowlist.
func parseAllowlist(addrs []string) (allowlist []netip.Addr, err error) {
	var errs []error
	for i, s := range addrs {
		var addr netip.Addr
		addr, err = netip.ParseAddr(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("at index %d: %w", i, err))

			continue
		}

		allowlist = append(allowlist, addr)
	}

	return allowlist, errors.Join(errs...)
}

// tunnelParams returns the carrier parameters.
func (conf *configuration) tunnelParams() (p *session.TunnelParams) {
	if conf.tunnel != nil {
		return conf.tunnel
	}

	return session.DefaultTunnelParams()
}

// parseResolver parses the resolver address, which is either host:port, a
// host using the default port, or a plain DNS stamp.  Hostnames are resolved.
func parseResolver(ctx context.Context, s string) (addr netip.AddrPort, err error) {
	if s == "" {
		return netip.AddrPort{}, errors.ErrEmptyValue
	}

	if strings.HasPrefix(s, stampPrefix) {
		var stamp dnsstamps.ServerStamp
		stamp, err = dnsstamps.NewServerStampFromString(s)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parsing stamp: %w", err)
		}

		if stamp.Proto != dnsstamps.StampProtoTypePlain {
			return netip.AddrPort{}, fmt.Errorf(
				"stamp protocol %s: %w",
				&stamp.Proto,
				errors.ErrBadEnumValue,
			)
		}

		s = stamp.ServerAddrStr
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host, portStr = s, strconv.Itoa(defaultDNSPort)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parsing port: %w", err)
	}

	ip, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		ip, err = lookupHost(ctx, host)
		if err != nil {
			return netip.AddrPort{}, err
		}
	}

	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

// lookupHost returns the first address of host.
func lookupHost(ctx context.Context, host string) (ip netip.Addr, err error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolving %q: %w", host, err)
	} else if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("resolving %q: %w", host, errors.ErrNoValue)
	}

	return ips[0], nil
}

// logEvent returns an event handler logging the lifecycle events at debug
// level.  The milestones themselves are logged by the sessions.
func logEvent(l *slog.Logger) (h session.EventHandler) {
	return func(ctx context.Context, e *session.Event) {
		l.DebugContext(ctx, "session event", "kind", e.Kind, "remote", e.Remote)
	}
}
