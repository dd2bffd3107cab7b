package tunnel

import (
	"sync"
	"time"
)

// deadline is a read deadline of a tunnel connection.  It is modeled after
// the deadline of [net.Pipe].
type deadline struct {
	// mu protects timer and cancel.
	mu *sync.Mutex

	timer *time.Timer

	// cancel is closed when the deadline is exceeded.
	cancel chan struct{}
}

// newDeadline returns a deadline that is not set.
func newDeadline() (d *deadline) {
	return &deadline{
		mu:     &sync.Mutex{},
		cancel: make(chan struct{}),
	}
}

// set sets the deadline to t.  Zero t clears the deadline.
func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		// Wait for the timer callback to close cancel.
		<-d.cancel
	}
	d.timer = nil

	closed := isClosed(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}

		return
	}

	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}

		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })

		return
	}

	if !closed {
		close(d.cancel)
	}
}

// wait returns a channel that is closed when the deadline is exceeded.
func (d *deadline) wait() (ch <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cancel
}

// isClosed returns true if ch is closed.
func isClosed(ch <-chan struct{}) (ok bool) {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
