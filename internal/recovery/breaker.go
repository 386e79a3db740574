package recovery

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const breakerWindow = 10

// CircuitBreaker guards a failure category. Closed passes everything
// through and counts consecutive failures; open rejects until the recovery
// timeout elapses; half open probes and closes again after enough
// consecutive successes.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int
	onTransition     func(name string, from, to BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	recent    []bool
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, successThreshold int) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		successThreshold: successThreshold,
		state:            BreakerClosed,
	}
}

// OnTransition registers a hook invoked after every state change, outside
// the breaker lock.
func (b *CircuitBreaker) OnTransition(fn func(name string, from, to BreakerState)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// CanExecute reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed moves to half open and admits the probe.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			fn := b.transitionLocked(BreakerHalfOpen)
			b.mu.Unlock()
			if fn != nil {
				fn()
			}
			return true
		}
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess feeds a successful call into the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	b.observe(true)

	var fn func()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			fn = b.transitionLocked(BreakerClosed)
		}
	}
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// RecordFailure feeds a failed call into the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	b.observe(false)

	var fn func()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			fn = b.transitionLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		fn = b.transitionLocked(BreakerOpen)
	}
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Trip forces the breaker open regardless of counters.
func (b *CircuitBreaker) Trip() {
	b.mu.Lock()
	var fn func()
	if b.state != BreakerOpen {
		fn = b.transitionLocked(BreakerOpen)
	}
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionLocked switches state and returns the hook invocation to run
// after the lock is released, or nil.
func (b *CircuitBreaker) transitionLocked(to BreakerState) func() {
	from := b.state
	b.state = to

	switch to {
	case BreakerOpen:
		b.openedAt = time.Now()
		b.successes = 0
	case BreakerHalfOpen:
		b.successes = 0
	case BreakerClosed:
		b.failures = 0
		b.successes = 0
	}

	if b.onTransition == nil || from == to {
		return nil
	}
	hook := b.onTransition
	name := b.name
	return func() { hook(name, from, to) }
}

func (b *CircuitBreaker) observe(ok bool) {
	b.recent = append(b.recent, ok)
	if len(b.recent) > breakerWindow {
		b.recent = b.recent[len(b.recent)-breakerWindow:]
	}
}

// BreakerSnapshot is a point in time view of one breaker, for status APIs.
type BreakerSnapshot struct {
	Name      string       `json:"name"`
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	Successes int          `json:"successes"`
	OpenedAt  *time.Time   `json:"opened_at,omitempty"`
	Recent    []bool       `json:"recent,omitempty"`
}

// Snapshot returns the breaker's current counters and recent outcomes.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:      b.name,
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		Recent:    append([]bool(nil), b.recent...),
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}
