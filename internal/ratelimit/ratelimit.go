// Package ratelimit limits the rate of tunnel queries per resolver subnet.
package ratelimit

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/validate"
	rate "github.com/beefsack/go-rate"
	gocache "github.com/patrickmn/go-cache"
)

// bucketTTL is the time a per-subnet bucket is kept after its last use.
const bucketTTL = time.Hour

// Config is the configuration for the [Limiter].
type Config struct {
	// Logger is used for logging in the limiter.  It must not be nil.
	Logger *slog.Logger

	// AllowlistAddrs is a list of IP addresses excluded from rate limiting.
	AllowlistAddrs []netip.Addr

	// Ratelimit is a maximum number of queries per second from a given
	// subnet.  It must be positive.
	Ratelimit uint

	// SubnetLenIPv4 is a subnet length for IPv4 addresses used for rate
	// limiting queries.
	SubnetLenIPv4 uint

	// SubnetLenIPv6 is a subnet length for IPv6 addresses used for rate
	// limiting queries.
	SubnetLenIPv6 uint
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.Positive("Ratelimit", c.Ratelimit),
		validate.NotNil("Logger", c.Logger),
		validate.NoGreaterThan("SubnetLenIPv4", c.SubnetLenIPv4, netutil.IPv4BitLen),
		validate.NoGreaterThan("SubnetLenIPv6", c.SubnetLenIPv6, netutil.IPv6BitLen),
	)
}

// Limiter decides whether a query from an address must be dropped.  Recursive
// resolvers are shared by many clients, so the limit is usually generous.
type Limiter struct {
	buckets *gocache.Cache
	logger  *slog.Logger

	// mu protects buckets.
	mu *sync.Mutex

	allowlistAddrs []netip.Addr
	ratelimit      int
	subnetLenIPv4  int
	subnetLenIPv6  int
}

// New returns a new properly initialized *Limiter.  c must be valid.
func New(c *Config) (l *Limiter) {
	allowlist := slices.Clone(c.AllowlistAddrs)
	for i, a := range allowlist {
		allowlist[i] = a.Unmap()
	}
	slices.SortFunc(allowlist, netip.Addr.Compare)

	return &Limiter{
		buckets:        gocache.New(bucketTTL, bucketTTL),
		logger:         c.Logger,
		mu:             &sync.Mutex{},
		allowlistAddrs: allowlist,
		ratelimit:      int(c.Ratelimit),
		subnetLenIPv4:  int(c.SubnetLenIPv4),
		subnetLenIPv6:  int(c.SubnetLenIPv6),
	}
}

// limiterForSubnet returns a rate limiter for the specified subnet address.
func (l *Limiter) limiterForSubnet(subnet string) (value any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	value, found := l.buckets.Get(subnet)
	if !found {
		value = rate.New(l.ratelimit, time.Second)
		l.buckets.Set(subnet, value, gocache.DefaultExpiration)
	}

	return value
}

// IsLimited returns true if the query from addr should be dropped.
func (l *Limiter) IsLimited(addr netip.Addr) (ok bool) {
	addr = addr.Unmap()
	_, ok = slices.BinarySearchFunc(l.allowlistAddrs, addr, netip.Addr.Compare)
	if ok {
		return false
	}

	var pref netip.Prefix
	if addr.Is4() {
		pref = netip.PrefixFrom(addr, l.subnetLenIPv4)
	} else {
		pref = netip.PrefixFrom(addr, l.subnetLenIPv6)
	}
	pref = pref.Masked()

	value := l.limiterForSubnet(pref.Addr().String())
	rl, ok := value.(*rate.RateLimiter)
	if !ok {
		l.logger.Error(
			"invalid value found in ratelimit cache",
			slogutil.KeyError,
			fmt.Errorf("bad type %T", value),
		)

		return false
	}

	allow, _ := rl.Try()

	return !allow
}
