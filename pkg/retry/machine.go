// Package retry models one fetch attempt sequence as a small state machine:
//
//	Pending → InFlight → Succeeded
//	                   → BackingOff → Pending
//	                   → PermanentlyFailed
//
// The machine only decides; it never sleeps. Do drives a machine against a
// clock.Clock, so retry limits and backoff growth can be tested with a fake
// clock.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// State is the position of a Machine in its attempt sequence.
type State int

const (
	// StatePending means the next attempt has not started.
	StatePending State = iota

	// StateInFlight means an attempt is running.
	StateInFlight

	// StateSucceeded is terminal: the last attempt succeeded.
	StateSucceeded

	// StateBackingOff means the last attempt failed transiently and the
	// machine waits NextDelay before returning to Pending.
	StateBackingOff

	// StatePermanentlyFailed is terminal: the error was not retryable or
	// the retry budget is spent.
	StatePermanentlyFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateBackingOff:
		return "backing_off"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StatePermanentlyFailed
}

// ErrInvalidTransition is returned when a transition is not allowed from the
// current state.
var ErrInvalidTransition = errors.New("invalid retry state transition")

// Machine tracks a single attempt sequence. It is not safe for concurrent use;
// each fetch owns its own machine.
type Machine struct {
	policy    Policy
	state     State
	attempt   int
	exhausted bool
	nextDelay time.Duration
	lastErr   error
}

// NewMachine returns a machine in StatePending.
func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy.withDefaults()}
}

// Start moves Pending → InFlight and counts the attempt.
func (m *Machine) Start() error {
	if m.state != StatePending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.state)
	}
	m.state = StateInFlight
	m.attempt++
	return nil
}

// Succeed moves InFlight → Succeeded.
func (m *Machine) Succeed() error {
	if m.state != StateInFlight {
		return fmt.Errorf("%w: succeed from %s", ErrInvalidTransition, m.state)
	}
	m.state = StateSucceeded
	m.lastErr = nil
	m.nextDelay = 0
	return nil
}

// Fail records err for the running attempt and moves InFlight → BackingOff
// when the error is retryable and retries remain, otherwise →
// PermanentlyFailed. It returns the new state.
func (m *Machine) Fail(err error) (State, error) {
	if m.state != StateInFlight {
		return m.state, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, m.state)
	}
	m.lastErr = err

	if !m.policy.Retryable(err) {
		m.state = StatePermanentlyFailed
		m.nextDelay = 0
		return m.state, nil
	}

	// attempt counts the initial try, so retries used = attempt-1.
	if m.attempt-1 >= m.policy.MaxRetries {
		m.state = StatePermanentlyFailed
		m.exhausted = true
		m.nextDelay = 0
		return m.state, nil
	}

	m.state = StateBackingOff
	m.nextDelay = m.policy.Backoff(m.attempt - 1)
	return m.state, nil
}

// Resume moves BackingOff → Pending once the delay has been served.
func (m *Machine) Resume() error {
	if m.state != StateBackingOff {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, m.state)
	}
	m.state = StatePending
	return nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempt returns the number of attempts started.
func (m *Machine) Attempt() int { return m.attempt }

// NextDelay returns the wait required before the next attempt.
// Zero outside StateBackingOff.
func (m *Machine) NextDelay() time.Duration { return m.nextDelay }

// LastErr returns the error of the most recent failed attempt.
func (m *Machine) LastErr() error { return m.lastErr }

// Exhausted reports whether the machine failed because the retry budget ran out.
func (m *Machine) Exhausted() bool { return m.exhausted }

// Err returns the terminal error: nil after success, the last error for a
// non-retryable failure, or ErrExhausted wrapping the last error.
func (m *Machine) Err() error {
	switch {
	case m.state == StateSucceeded:
		return nil
	case m.exhausted:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, m.attempt, m.lastErr)
	default:
		return m.lastErr
	}
}
