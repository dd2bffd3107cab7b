package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/fcchbjm/quictun/internal/tunerr"
)

const (
	// ClientIDLen is the length of a client identifier.
	ClientIDLen = 4

	// fragHeaderLen is the length of the fragment header: sequence number,
	// fragment index and fragment count.
	fragHeaderLen = 4

	// upHeaderLen is the length of the header of an upstream frame payload.
	upHeaderLen = ClientIDLen + fragHeaderLen

	// maxFragments is the maximum number of fragments of a datagram.
	maxFragments = 255

	// MaxDatagramSize is the size of the largest datagram the engine sends
	// over the tunnel.
	MaxDatagramSize = 1200

	// minUpstreamMTU is the smallest frame budget able to carry a
	// [MaxDatagramSize] datagram in [maxFragments] fragments.
	minUpstreamMTU = upHeaderLen + (MaxDatagramSize+maxFragments-1)/maxFragments
)

const (
	// errShortFrame is returned when a frame payload is shorter than its
	// header.
	errShortFrame errors.Error = "frame shorter than header"

	// errBadFragment is returned when fragment fields are inconsistent.
	errBadFragment errors.Error = "bad fragment"

	// ErrDatagramTooLarge is returned when a datagram needs more than 255
	// fragments.
	ErrDatagramTooLarge errors.Error = "datagram too large for frame budget"

	// ErrMTUTooSmall is returned when the frame budget can't carry a datagram
	// of [MaxDatagramSize] bytes.
	ErrMTUTooSmall errors.Error = "mtu too small for tunnel framing"
)

// ValidateMTU returns a configuration error if an upstream frame budget of mtu
// bytes can't carry a datagram of [MaxDatagramSize] bytes.
func ValidateMTU(mtu int) (err error) {
	if mtu >= minUpstreamMTU {
		return nil
	}

	return tunerr.Configuration(fmt.Errorf(
		"mtu %d, need at least %d: %w",
		mtu,
		minUpstreamMTU,
		ErrMTUTooSmall,
	))
}

// ClientID identifies a client among all the clients behind the same
// resolvers.
type ClientID [ClientIDLen]byte

// newClientID returns a random client identifier.
func newClientID() (id ClientID) {
	_, _ = rand.Read(id[:])

	return id
}

// String implements the [fmt.Stringer] interface for ClientID.
func (id ClientID) String() (s string) {
	return hex.EncodeToString(id[:])
}

// fragment is one piece of a datagram.  A fragment with cnt equal to zero is
// a poll and carries no data.
type fragment struct {
	chunk []byte
	seq   uint16
	idx   uint8
	cnt   uint8
}

// isPoll returns true if f carries no data.
func (f fragment) isPoll() (ok bool) {
	return f.cnt == 0
}

// appendFragment appends the wire form of f to b.
func appendFragment(b []byte, f fragment) (res []byte) {
	b = binary.BigEndian.AppendUint16(b, f.seq)
	b = append(b, f.idx, f.cnt)

	return append(b, f.chunk...)
}

// parseFragment parses the wire form of a fragment.  chunk of the result
// refers to b.
func parseFragment(b []byte) (f fragment, err error) {
	if len(b) < fragHeaderLen {
		return f, fmt.Errorf("%d bytes: %w", len(b), errShortFrame)
	}

	f = fragment{
		chunk: b[fragHeaderLen:],
		seq:   binary.BigEndian.Uint16(b),
		idx:   b[2],
		cnt:   b[3],
	}

	if f.isPoll() {
		if f.idx != 0 || len(f.chunk) != 0 {
			return fragment{}, fmt.Errorf("poll with data: %w", errBadFragment)
		}
	} else if f.idx >= f.cnt || len(f.chunk) == 0 {
		return fragment{}, fmt.Errorf("index %d of %d: %w", f.idx, f.cnt, errBadFragment)
	}

	return f, nil
}

// appendUpstream appends the wire form of an upstream frame from client id to
// b.
func appendUpstream(b []byte, id ClientID, f fragment) (res []byte) {
	return appendFragment(append(b, id[:]...), f)
}

// parseUpstream parses the wire form of an upstream frame.
func parseUpstream(b []byte) (id ClientID, f fragment, err error) {
	if len(b) < upHeaderLen {
		return id, f, fmt.Errorf("upstream %d bytes: %w", len(b), errShortFrame)
	}

	copy(id[:], b)
	f, err = parseFragment(b[ClientIDLen:])

	return id, f, err
}

// splitDatagram splits datagram into fragments with chunks of at most
// chunkSize bytes.  The fragments refer to datagram.
func splitDatagram(seq uint16, datagram []byte, chunkSize int) (frags []fragment, err error) {
	n := (len(datagram) + chunkSize - 1) / chunkSize
	if n == 0 {
		return nil, fmt.Errorf("empty datagram: %w", errBadFragment)
	} else if n > maxFragments {
		return nil, fmt.Errorf("%d bytes in %d fragments: %w", len(datagram), n, ErrDatagramTooLarge)
	}

	frags = make([]fragment, 0, n)
	for i := range n {
		end := min((i+1)*chunkSize, len(datagram))
		frags = append(frags, fragment{
			chunk: datagram[i*chunkSize : end],
			seq:   seq,
			idx:   uint8(i),
			cnt:   uint8(n),
		})
	}

	return frags, nil
}
