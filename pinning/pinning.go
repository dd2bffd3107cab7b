// Package pinning authenticates a tunnel server by the public key of its
// certificate.
//
// A certificate is identified by the SHA-256 fingerprint of its
// SubjectPublicKeyInfo.  A renewed certificate with the same key keeps its
// fingerprint, while a certificate with another key never matches.
// [Set.ValidateHost] also rejects a pinned key presenting a certificate for
// another name.
package pinning

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

// Fingerprint is the SHA-256 hash of the DER-encoded SubjectPublicKeyInfo of
// a certificate.
type Fingerprint [sha256.Size]byte

// FingerprintOf returns the fingerprint of cert.  cert must not be nil.
func FingerprintOf(cert *x509.Certificate) (fp Fingerprint) {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// String implements the [fmt.Stringer] interface for Fingerprint.
func (fp Fingerprint) String() (s string) {
	return hex.EncodeToString(fp[:])
}

// Reason is the reason of a rejection.
type Reason uint8

// Reason values.
const (
	ReasonNoMatch Reason = iota + 1
	ReasonUnparsable
	ReasonNoCertificate
	ReasonNameMismatch
)

// String implements the [fmt.Stringer] interface for Reason.
func (r Reason) String() (s string) {
	switch r {
	case ReasonNoMatch:
		return "no pinned certificate matches"
	case ReasonUnparsable:
		return "certificate unparsable"
	case ReasonNoCertificate:
		return "no certificate presented"
	case ReasonNameMismatch:
		return "certificate is not valid for the name"
	default:
		return fmt.Sprintf("!bad_reason_%d", uint8(r))
	}
}

// RejectError is returned by [Set.Validate] when the peer is rejected.
type RejectError struct {
	// Err is the parsing error for [ReasonUnparsable] or the name
	// verification error for [ReasonNameMismatch].
	Err error

	// Fingerprint is the fingerprint of the rejected certificate, if it could
	// be parsed.
	Fingerprint string

	// Reason is the reason of the rejection.
	Reason Reason
}

// type check
var _ error = (*RejectError)(nil)

// Error implements the [error] interface for *RejectError.
func (err *RejectError) Error() (msg string) {
	switch {
	case err.Err != nil:
		return fmt.Sprintf("certificate rejected: %s: %s", err.Reason, err.Err)
	case err.Fingerprint != "":
		return fmt.Sprintf("certificate rejected: %s: spki sha256 %s", err.Reason, err.Fingerprint)
	default:
		return fmt.Sprintf("certificate rejected: %s", err.Reason)
	}
}

// Unwrap implements the [errors.Wrapper] interface for *RejectError.
func (err *RejectError) Unwrap() (unwrapped error) {
	return err.Err
}

// Set is a set of pinned fingerprints.  It is read-only after construction
// and safe for concurrent use.  An empty set accepts every peer.
type Set struct {
	fps map[Fingerprint]struct{}
}

// NewSet returns a set pinning certs.
func NewSet(certs ...*x509.Certificate) (s *Set) {
	s = &Set{
		fps: make(map[Fingerprint]struct{}, len(certs)),
	}

	for _, c := range certs {
		s.fps[FingerprintOf(c)] = struct{}{}
	}

	return s
}

// LoadSet returns a set pinning every certificate in the PEM files at paths.
// Errors are configuration errors.
func LoadSet(paths ...string) (s *Set, err error) {
	var certs []*x509.Certificate
	var errs []error
	for _, p := range paths {
		fileCerts, fErr := loadCertificates(p)
		if fErr != nil {
			errs = append(errs, fmt.Errorf("pinned certificate %q: %w", p, fErr))

			continue
		}

		certs = append(certs, fileCerts...)
	}

	err = errors.Join(errs...)
	if err != nil {
		return nil, tunerr.Configuration(err)
	}

	return NewSet(certs...), nil
}

// errNoCertificates is returned when a PEM file contains no certificates.
const errNoCertificates errors.Error = "no certificates found"

// loadCertificates reads all certificates from the PEM file at path.
func loadCertificates(path string) (certs []*x509.Certificate, err error) {
	// #nosec G304 -- Trust the file path that is given in the configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		} else if block.Type != "CERTIFICATE" {
			continue
		}

		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, errNoCertificates
	}

	return certs, nil
}

// Len returns the number of pinned fingerprints.  A nil set is empty.
func (s *Set) Len() (n int) {
	if s == nil {
		return 0
	}

	return len(s.fps)
}

// Validate checks the DER-encoded leaf certificate of a peer.  It returns nil
// if the peer is accepted and a *RejectError otherwise.  An empty set accepts
// any peer, including one without a parsable certificate.
func (s *Set) Validate(leaf []byte) (err error) {
	if s.Len() == 0 {
		return nil
	}

	if len(leaf) == 0 {
		return &RejectError{
			Reason: ReasonNoCertificate,
		}
	}

	cert, err := x509.ParseCertificate(leaf)
	if err != nil {
		return &RejectError{
			Err:    err,
			Reason: ReasonUnparsable,
		}
	}

	fp := FingerprintOf(cert)
	if _, ok := s.fps[fp]; ok {
		return nil
	}

	return &RejectError{
		Fingerprint: fp.String(),
		Reason:      ReasonNoMatch,
	}
}

// ValidateChain is like [Set.Validate] but takes the certificates presented
// by the peer, leaf first.
func (s *Set) ValidateChain(rawCerts [][]byte) (err error) {
	if len(rawCerts) == 0 {
		return s.Validate(nil)
	}

	return s.Validate(rawCerts[0])
}

// ValidateHost is like [Set.ValidateChain] but also requires the leaf
// certificate to be valid for host.  An empty set accepts any peer, and an
// empty host skips the name check.
func (s *Set) ValidateHost(rawCerts [][]byte, host string) (err error) {
	err = s.ValidateChain(rawCerts)
	if err != nil || s.Len() == 0 || host == "" {
		return err
	}

	// The leaf is parsable, since it matched a pin.
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return &RejectError{
			Err:    err,
			Reason: ReasonUnparsable,
		}
	}

	err = cert.VerifyHostname(host)
	if err != nil {
		return &RejectError{
			Err:         err,
			Fingerprint: FingerprintOf(cert).String(),
			Reason:      ReasonNameMismatch,
		}
	}

	return nil
}
