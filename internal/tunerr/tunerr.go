// Package tunerr contains the error taxonomy shared by the tunnel components.
package tunerr

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Kind is the class of a tunnel error.  It decides how far an error
// propagates: configuration errors and pinning rejections reach the operator,
// transport anomalies are retried, forwarding failures stay with their stream.
type Kind uint8

// Kind values.
const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransportAnomaly
	KindHandshake
	KindPinning
	KindForwarding
)

// String implements the [fmt.Stringer] interface for Kind.
func (k Kind) String() (s string) {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindConfiguration:
		return "configuration error"
	case KindTransportAnomaly:
		return "transport anomaly"
	case KindHandshake:
		return "handshake failure"
	case KindPinning:
		return "pinning rejection"
	case KindForwarding:
		return "forwarding failure"
	default:
		return fmt.Sprintf("!bad_kind_%d", uint8(k))
	}
}

// Retryable returns true if errors of this kind may be retried within the
// same session.
func (k Kind) Retryable() (ok bool) {
	return k == KindTransportAnomaly || k == KindForwarding
}

// Error is an error annotated with its [Kind].
type Error struct {
	// Err is the underlying error.  It must not be nil.
	Err error

	// Kind is the class of Err.
	Kind Kind
}

// type check
var _ error = (*Error)(nil)

// Error implements the [error] interface for *Error.
func (err *Error) Error() (msg string) {
	return fmt.Sprintf("%s: %s", err.Kind, err.Err)
}

// Unwrap implements the [errors.Wrapper] interface for *Error.
func (err *Error) Unwrap() (unwrapped error) {
	return err.Err
}

// New returns err wrapped into an *Error of kind k.  If err is nil, New
// returns nil.  If err already carries a kind, it is returned as is.
func New(k Kind, err error) (wrapped error) {
	if err == nil {
		return nil
	}

	if KindOf(err) != KindUnknown {
		return err
	}

	return &Error{
		Err:  err,
		Kind: k,
	}
}

// Configuration is a shorthand for New(KindConfiguration, err).
func Configuration(err error) (wrapped error) {
	return New(KindConfiguration, err)
}

// KindOf returns the kind of the first *Error in err's chain or
// [KindUnknown].
func KindOf(err error) (k Kind) {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind
	}

	return KindUnknown
}

// Is returns true if err carries kind k.
func Is(err error, k Kind) (ok bool) {
	return err != nil && KindOf(err) == k
}
