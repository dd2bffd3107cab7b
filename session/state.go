package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
)

// State is the lifecycle state of a tunnel session.  States only move forward
// in the order of their values, except for [StateFailed] which is reachable
// from any non-terminal state.
type State uint8

// State values.
const (
	StateIdle State = iota
	StateSocketBound
	StateHandshaking
	StateCertVerifying
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

// String implements the [fmt.Stringer] interface for State.
func (s State) String() (str string) {
	switch s {
	case StateIdle:
		return "idle"
	case StateSocketBound:
		return "socket_bound"
	case StateHandshaking:
		return "handshaking"
	case StateCertVerifying:
		return "cert_verifying"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("!bad_state_%d", uint8(s))
	}
}

// IsTerminal returns true if no transition leaves s.
func (s State) IsTerminal() (ok bool) {
	return s == StateClosed || s == StateFailed
}

// transitions are the legal transitions except for the ones to
// [StateFailed].
var transitions = map[State][]State{
	StateIdle:          {StateSocketBound, StateClosed},
	StateSocketBound:   {StateHandshaking, StateClosing},
	StateHandshaking:   {StateCertVerifying, StateClosing},
	StateCertVerifying: {StateReady, StateClosing},
	StateReady:         {StateClosing},
	StateClosing:       {StateClosed},
}

// canTransition returns true if the transition from one state to another is
// legal.
func canTransition(from, to State) (ok bool) {
	if to == StateFailed {
		return !from.IsTerminal()
	}

	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// ErrIllegalTransition is returned for transitions that the state machine
// doesn't allow.
const ErrIllegalTransition errors.Error = "illegal state transition"

// TransitionError is returned by [Machine.Transition] for illegal
// transitions.
type TransitionError struct {
	From State
	To   State
}

// type check
var _ error = (*TransitionError)(nil)

// Error implements the [error] interface for *TransitionError.
func (err *TransitionError) Error() (msg string) {
	return fmt.Sprintf("%s from %s to %s", ErrIllegalTransition, err.From, err.To)
}

// Is implements the interface used by [errors.Is] for *TransitionError.
func (err *TransitionError) Is(target error) (ok bool) {
	return target == ErrIllegalTransition
}

// ErrUnreachable is returned by [Machine.Wait] when the awaited state can no
// longer be reached.
const ErrUnreachable errors.Error = "state is unreachable"

// Machine is the state machine of a single session.  It is safe for
// concurrent use.
type Machine struct {
	logger *slog.Logger

	// mu protects the fields below.
	mu *sync.Mutex

	// changed is closed and replaced on every transition.
	changed chan struct{}

	// err is the error the machine failed with.
	err error

	state State
}

// NewMachine returns a new machine in [StateIdle].  l must not be nil.
func NewMachine(l *slog.Logger) (m *Machine) {
	return &Machine{
		logger:  l,
		mu:      &sync.Mutex{},
		changed: make(chan struct{}),
		state:   StateIdle,
	}
}

// State returns the current state.
func (m *Machine) State() (s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Err returns the error the machine failed with, if it did.
func (m *Machine) Err() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// Transition moves the machine into state to.  It returns a *TransitionError
// if the transition is illegal.  Use [Machine.Fail] to move into
// [StateFailed].
func (m *Machine) Transition(to State) (err error) {
	if to == StateFailed {
		return fmt.Errorf("use Fail: %w", ErrIllegalTransition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !canTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}

	m.set(to)
	m.logger.Debug("state changed", "from", from, "to", to)

	return nil
}

// MustTransition is like [Machine.Transition] but panics if the transition is
// illegal.  Use it where the caller owns the machine and the order of states
// is fixed.
func (m *Machine) MustTransition(to State) {
	err := m.Transition(to)
	if err != nil {
		panic(err)
	}
}

// Fail moves the machine into [StateFailed] with err.  It returns false if
// the machine is already in a terminal state.
func (m *Machine) Fail(err error) (ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from.IsTerminal() {
		return false
	}

	m.err = err
	m.set(StateFailed)
	m.logger.Debug("state changed", "from", from, "to", StateFailed, "reason", err)

	return true
}

// set sets the state and wakes up the waiters.  m.mu must be locked.
func (m *Machine) set(s State) {
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// Wait blocks until the machine is in state target.  It returns
// [ErrUnreachable] if the machine moved past target; if the machine failed,
// the error also wraps the failure.
func (m *Machine) Wait(ctx context.Context, target State) (err error) {
	for {
		m.mu.Lock()
		s, changed, failErr := m.state, m.changed, m.err
		m.mu.Unlock()

		switch {
		case s == target:
			return nil
		case s == StateFailed:
			return fmt.Errorf("waiting for %s: %w: %w", target, ErrUnreachable, failErr)
		case s > target:
			return fmt.Errorf("waiting for %s in %s: %w", target, s, ErrUnreachable)
		}

		select {
		case <-changed:
			// Go on.
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s in %s: %w", target, s, context.Cause(ctx))
		}
	}
}
