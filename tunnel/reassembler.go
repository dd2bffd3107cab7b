package tunnel

import (
	"sync"
	"time"

	"github.com/bluele/gcache"
)

// partialKey identifies a datagram being reassembled.
type partialKey struct {
	client ClientID
	seq    uint16
}

// partial is a datagram with some of its fragments received.
type partial struct {
	chunks [][]byte
	have   int
	size   int
}

// reassembler collects fragments into datagrams.  Incomplete datagrams are
// evicted when the buffer is full or when they expire.
type reassembler struct {
	// mu protects the partials, gcache only protects its own index.
	mu *sync.Mutex

	partials gcache.Cache
}

// newReassembler returns a reassembler holding at most size incomplete
// datagrams for at most ttl each.
func newReassembler(size int, ttl time.Duration) (r *reassembler) {
	return &reassembler{
		mu:       &sync.Mutex{},
		partials: gcache.New(size).LRU().Expiration(ttl).Build(),
	}
}

// add adds f to the datagram identified by client and f.seq.  It returns the
// datagram once all its fragments are received.  Duplicate fragments are
// ignored.  f must not be a poll.
func (r *reassembler) add(client ClientID, f fragment) (datagram []byte, ok bool) {
	if f.cnt == 1 {
		return append([]byte(nil), f.chunk...), true
	}

	key := partialKey{client: client, seq: f.seq}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.partialFor(key, f.cnt)
	if p == nil {
		return nil, false
	}

	if p.chunks[f.idx] != nil {
		return nil, false
	}

	p.chunks[f.idx] = append([]byte(nil), f.chunk...)
	p.have++
	p.size += len(f.chunk)
	if p.have < len(p.chunks) {
		return nil, false
	}

	_ = r.partials.Remove(key)

	datagram = make([]byte, 0, p.size)
	for _, c := range p.chunks {
		datagram = append(datagram, c...)
	}

	return datagram, true
}

// partialFor returns the partial datagram for key, creating it if necessary.
// It returns nil if the existing partial disagrees on the fragment count.
// r.mu must be locked.
func (r *reassembler) partialFor(key partialKey, cnt uint8) (p *partial) {
	v, err := r.partials.Get(key)
	if err == nil {
		p = v.(*partial)
		if len(p.chunks) != int(cnt) {
			return nil
		}

		return p
	}

	p = &partial{
		chunks: make([][]byte, cnt),
	}
	_ = r.partials.Set(key, p)

	return p
}

// purge drops all incomplete datagrams.
func (r *reassembler) purge() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partials.Purge()
}
