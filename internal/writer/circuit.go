package writer

import (
	"sync"
	"time"
)

// CircuitState is one of the breaker's three states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// circuitBreaker isolates the writer from a persistently failing
// time-series database. CLOSED allows all writes; OPEN rejects writes
// until openDuration has elapsed since the failure that tripped it,
// then allows a single probe write in HALF_OPEN; a probe success
// closes the breaker and resets the failure count, a probe failure
// re-opens it.
type circuitBreaker struct {
	failureThreshold int
	openDuration     time.Duration

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	openedAt     time.Time
}

func newCircuitBreaker(failureThreshold int, openDuration time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openDuration <= 0 {
		openDuration = 60 * time.Second
	}
	return &circuitBreaker{failureThreshold: failureThreshold, openDuration: openDuration}
}

// Allow reports whether a write attempt may proceed. Calling Allow
// while OPEN past openDuration transitions the breaker to HALF_OPEN and
// permits exactly the probe call that observed the transition.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		// The probe is already in flight; hold everyone else back until
		// it records its outcome.
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count,
// regardless of the prior state (a success in HALF_OPEN closes it; a
// success in CLOSED clears any consecutive failures counted so far).
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failureCount = 0
}

// RecordFailure increments the consecutive failure count and trips the
// breaker to OPEN once the threshold is reached, or immediately
// re-opens a HALF_OPEN probe that failed.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = time.Now()
		return
	}
	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.state = CircuitOpen
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state.
func (b *circuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *circuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
