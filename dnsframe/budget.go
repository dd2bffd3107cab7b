// Package dnsframe maps opaque byte payloads to DNS messages under a tunnel
// domain and back.
//
// Upstream payloads are base32-encoded (no padding) into the labels of a TXT
// query.  Base32 spends exactly 8 characters per 5 bytes, which gives the
// 1.6 expansion ratio that the MTU budget is derived from.  Downstream
// payloads travel base64-encoded in the character strings of TXT answers.
package dnsframe

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

// MaxDomainLen is the exclusive upper bound of the tunnel domain length.  It
// is the part of a DNS name left after the protocol overhead.
const MaxDomainLen = 240

// Encoding ratio of the label encoding: encodedChars characters carry
// encodedBytes bytes.
const (
	encodedBytes = 5
	encodedChars = 8
)

const (
	// ErrDomainTooLong is returned by [Budget] when no query under the domain
	// could carry any payload.
	ErrDomainTooLong errors.Error = "domain name is too long for dns transport"

	// ErrZeroMTU is returned by [Budget] when the computed budget is zero.
	ErrZeroMTU errors.Error = "mtu computed to zero; check domain length"
)

// Budget returns the maximum number of payload bytes that fit into a single
// query under a domain of domainLen bytes, which is floor((240 - domainLen) /
// 1.6).  Errors are configuration errors, see [tunerr.KindConfiguration].
func Budget(domainLen int) (mtu int, err error) {
	switch {
	case domainLen < 0:
		return 0, tunerr.Configuration(fmt.Errorf("domain length %d: %w", domainLen, errors.ErrNegative))
	case domainLen >= MaxDomainLen:
		return 0, tunerr.Configuration(fmt.Errorf("domain length %d: %w", domainLen, ErrDomainTooLong))
	}

	mtu = (MaxDomainLen - domainLen) * encodedBytes / encodedChars
	if mtu == 0 {
		return 0, tunerr.Configuration(fmt.Errorf("domain length %d: %w", domainLen, ErrZeroMTU))
	}

	return mtu, nil
}
