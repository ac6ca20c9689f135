// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means requests flow normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means requests are rejected until the cooldown expires.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means a bounded number of trial requests probe recovery.
	StateHalfOpen CircuitBreakerState = "half_open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// opens the circuit.
	FailureThreshold int

	// FailureWindow is the rolling span failures are counted over.
	FailureWindow time.Duration

	// OpenTimeout is the cooldown before an open circuit admits trials.
	OpenTimeout time.Duration

	// HalfOpenMaxTrials is how many requests half_open admits before the
	// circuit re-opens without a verdict.
	HalfOpenMaxTrials int
}

// DefaultBreakerConfig returns the standard thresholds: five failures in a
// minute open the circuit for two minutes, then two trial requests.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		OpenTimeout:       120 * time.Second,
		HalfOpenMaxTrials: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold < 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenMaxTrials < 1 {
		c.HalfOpenMaxTrials = d.HalfOpenMaxTrials
	}
	return c
}

// CircuitBreaker tracks failures for one provider and rejects requests while
// the provider is considered down. Callers ask Allow before each attempt and
// report the outcome with RecordSuccess or RecordFailure.
type CircuitBreaker struct {
	cfg        BreakerConfig
	mu         sync.Mutex
	state      CircuitBreakerState
	failures   []time.Time
	openedAt   time.Time
	trials     int
	lastReason string
	now        func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given config. Zero
// fields take the defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// WithClock injects the time source used by tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a request may be attempted. In half_open it counts
// the trial; once the trial budget is spent the circuit re-opens and the
// cooldown restarts.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tick()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trials < cb.cfg.HalfOpenMaxTrials {
			cb.trials++
			return true
		}
		cb.open()
		return false
	default:
		return false
	}
}

// RecordSuccess closes the circuit after a successful half_open trial and
// clears the failure window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.failures[:0]
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.trials = 0
	}
}

// RecordFailure counts a failure with the reason that caused it. A failure
// during half_open re-opens the circuit immediately with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastReason = reason
	switch cb.state {
	case StateHalfOpen:
		cb.open()
	case StateClosed, StateOpen:
		now := cb.now()
		cb.failures = append(cb.failures, now)
		cb.trimLocked(now)
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
}

// State returns the current state, applying the open to half_open
// transition if the cooldown has expired.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	return cb.state
}

// Reset returns the breaker to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = cb.failures[:0]
	cb.trials = 0
	cb.lastReason = ""
}

// Snapshot reports the breaker state for status payloads.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tick()
	now := cb.now()
	cb.trimLocked(now)
	snap := BreakerSnapshot{State: cb.state, Failures: len(cb.failures), LastReason: cb.lastReason}
	if cb.state == StateOpen {
		remaining := cb.cfg.OpenTimeout - now.Sub(cb.openedAt)
		if remaining > 0 {
			snap.RetryInSeconds = remaining.Seconds()
		}
	}
	return snap
}

// tick applies the time-based open to half_open transition. Must be called
// under lock.
func (cb *CircuitBreaker) tick() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.state = StateHalfOpen
		cb.trials = 0
	}
}

// open transitions to open and restarts the cooldown. Must be called under
// lock.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.failures[:0]
	cb.trials = 0
}

func (cb *CircuitBreaker) trimLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.FailureWindow)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// BreakerSnapshot reports one breaker for status payloads.
type BreakerSnapshot struct {
	State          CircuitBreakerState `json:"state"`
	Failures       int                 `json:"failures"`
	RetryInSeconds float64             `json:"retryInSeconds,omitempty"`
	LastReason     string              `json:"lastReason,omitempty"`
}

// BreakerSet keeps one circuit breaker per provider, created lazily with a
// shared config.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a set using cfg for every provider.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// WithClock injects the time source handed to new breakers.
func (s *BreakerSet) WithClock(now func() time.Time) *BreakerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, cb := range s.breakers {
		cb.WithClock(now)
	}
	return s
}

// For returns the provider's breaker, creating it if needed.
func (s *BreakerSet) For(provider string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[provider]; ok {
		return cb
	}
	cb := NewCircuitBreaker(s.cfg).WithClock(s.now)
	s.breakers[provider] = cb
	return cb
}

// Allow reports whether the provider may be attempted.
func (s *BreakerSet) Allow(provider string) bool {
	return s.For(provider).Allow()
}

// RecordSuccess reports a successful call to the provider's breaker.
func (s *BreakerSet) RecordSuccess(provider string) {
	s.For(provider).RecordSuccess()
}

// RecordFailure reports a failed call to the provider's breaker.
func (s *BreakerSet) RecordFailure(provider, reason string) {
	s.For(provider).RecordFailure(reason)
}

// Snapshot reports every breaker created so far.
func (s *BreakerSet) Snapshot() map[string]BreakerSnapshot {
	s.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(s.breakers))
	for name, cb := range s.breakers {
		breakers[name] = cb
	}
	s.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.Snapshot()
	}
	return out
}
