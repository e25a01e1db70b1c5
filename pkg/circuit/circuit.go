// Package circuit implements per-source circuit breakers that shield
// collectors from cascading timeouts against failing upstreams.
package circuit

import (
	"sync"
	"time"
)

// State is a circuit breaker's lifecycle state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// MaxCircuits bounds the registry; when full, the oldest CLOSED breaker is
// evicted to make room for a new source.
const MaxCircuits = 1000

// Breaker is a single named circuit breaker. Zero value is not usable;
// construct via Registry.Get or New.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	totalFailures    int64
	totalSuccesses   int64
	totalRejected    int64
}

// New creates a breaker in the CLOSED state.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            Closed,
		lastStateChange:  time.Now(),
	}
}

// Name returns the breaker's source name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, first checking for an elapsed recovery
// timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	return b.state
}

// CanExecute reports whether a request should be allowed through. Returns
// false (and increments total_rejected) when OPEN.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	if b.state == Open {
		b.totalRejected++
		return false
	}
	return true
}

// RecordSuccess records a successful operation, resetting the failure
// counter and closing the circuit if it was HALF_OPEN or otherwise not
// already CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	b.failureCount = 0
	b.successCount++
	if b.state != Closed {
		b.transitionTo(Closed)
	}
}

// RecordFailure records a failed operation, opening the circuit if the
// failure threshold is reached (or immediately, if the circuit was testing
// recovery in HALF_OPEN).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.failureCount++
	b.successCount = 0
	b.lastFailureTime = time.Now()

	switch {
	case b.state == HalfOpen:
		b.transitionTo(Open)
	case b.state == Closed && b.failureCount >= b.failureThreshold:
		b.transitionTo(Open)
	}
}

// Reset forces the breaker back to CLOSED, clearing counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.successCount = 0
	b.transitionTo(Closed)
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	Name             string
	State            State
	FailureCount     int
	FailureThreshold int
	RecoveryTimeout  time.Duration
	TotalSuccesses   int64
	TotalFailures    int64
	TotalRejected    int64
	LastFailureTime  *time.Time
	LastStateChange  time.Time
}

// Stats returns a snapshot of the breaker's current state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecovery()
	var lastFailure *time.Time
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		lastFailure = &t
	}
	return Stats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  b.recoveryTimeout,
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		TotalRejected:    b.totalRejected,
		LastFailureTime:  lastFailure,
		LastStateChange:  b.lastStateChange,
	}
}

// checkRecovery transitions OPEN -> HALF_OPEN once recoveryTimeout has
// elapsed since the last failure. Caller must hold the lock.
func (b *Breaker) checkRecovery() {
	if b.state != Open {
		return
	}
	if time.Since(b.lastFailureTime) >= b.recoveryTimeout {
		b.transitionTo(HalfOpen)
	}
}

// transitionTo changes state and stamps lastStateChange. Caller must hold
// the lock.
func (b *Breaker) transitionTo(newState State) {
	b.state = newState
	b.lastStateChange = time.Now()
}

// Registry owns a bounded set of named breakers.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	recoveryTimeout  time.Duration
}

// NewRegistry creates a registry whose breakers default to the given
// failure threshold and recovery timeout.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Get returns the breaker for name, creating it (evicting the oldest
// CLOSED breaker if the registry is at MaxCircuits) if it doesn't exist.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	if len(r.breakers) >= MaxCircuits {
		r.evictOldestClosedLocked()
	}
	b := New(name, r.failureThreshold, r.recoveryTimeout)
	r.breakers[name] = b
	return b
}

// evictOldestClosedLocked drops the CLOSED breaker with the oldest
// LastStateChange. If none is CLOSED, it does nothing (a misbehaving
// caller that never retires sources can still exceed MaxCircuits briefly).
// Caller must hold r.mu.
func (r *Registry) evictOldestClosedLocked() {
	var oldestName string
	var oldestTime time.Time
	found := false
	for name, b := range r.breakers {
		b.mu.Lock()
		isClosed := b.state == Closed
		changedAt := b.lastStateChange
		b.mu.Unlock()
		if !isClosed {
			continue
		}
		if !found || changedAt.Before(oldestTime) {
			oldestName = name
			oldestTime = changedAt
			found = true
		}
	}
	if found {
		delete(r.breakers, oldestName)
	}
}

// All returns stats for every registered breaker.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}

// Len reports the number of registered breakers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}
