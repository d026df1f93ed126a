// Package breaker implements a circuit breaker gating calls to a storage
// backend. One breaker instance belongs to one backend connection; instances
// are passed by ownership, never shared as ambient singletons.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state enumeration.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrOpen is returned when a call is rejected without touching the backend.
var ErrOpen = errors.New("circuit breaker open")

// Clock abstracts time so recovery windows are testable without sleeping.
type Clock interface {
	Now() time.Time
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
)

// Breaker tracks consecutive backend failures and fails fast while the
// backend is down, probing for recovery after the timeout elapses.
type Breaker struct {
	mu        sync.Mutex
	clock     Clock
	threshold int
	recovery  time.Duration

	state    State
	failures int
	openedAt time.Time
	probing  bool // a half-open trial call is in flight
}

// New creates a closed breaker. Zero threshold and recovery fall back to
// the defaults.
func New(failureThreshold int, recoveryTimeout time.Duration, clock Clock) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		clock:     clock,
		threshold: failureThreshold,
		recovery:  recoveryTimeout,
	}
}

// Allow reports whether a call may proceed. While open it returns ErrOpen
// until the recovery timeout has elapsed; then exactly one trial call is let
// through and all others are rejected until its outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.recovery {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call, resetting the failure count and
// closing the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.probing = false
}

// Failure records a failed call. A failed half-open trial reopens the
// breaker immediately; reaching the threshold while closed opens it.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
	}
}

// Record reports a call outcome to the breaker.
func (b *Breaker) Record(err error) {
	if err != nil {
		b.Failure()
	} else {
		b.Success()
	}
}

// State returns the current state, accounting for an elapsed recovery
// timeout (an open breaker past its window reports half-open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.recovery {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
