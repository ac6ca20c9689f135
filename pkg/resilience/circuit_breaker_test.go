// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openBreaker(cb *CircuitBreaker) {
	for i := 0; i < 5; i++ {
		cb.RecordFailure("upstream error")
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	for i := 0; i < 4; i++ {
		cb.RecordFailure("upstream error")
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after 4 failures = %s, want closed", got)
	}

	cb.RecordFailure("upstream error")
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 5 failures = %s, want open", got)
	}
	if cb.Allow() {
		t.Errorf("open breaker must reject requests")
	}
}

func TestCircuitBreakerFailureWindowExpiry(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	for i := 0; i < 4; i++ {
		cb.RecordFailure("upstream error")
	}
	clock.advance(61 * time.Second)

	// The earlier failures have aged out, so this one counts alone.
	cb.RecordFailure("upstream error")
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %s, want closed once failures age out", got)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	openBreaker(cb)
	clock.advance(119 * time.Second)
	if cb.Allow() {
		t.Fatalf("cooldown not elapsed, request must be rejected")
	}

	clock.advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected a trial to be admitted after the cooldown")
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != StateClosed {
		t.Errorf("state after trial success = %s, want closed", got)
	}
	if !cb.Allow() {
		t.Errorf("closed breaker must admit requests")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	openBreaker(cb)
	clock.advance(121 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected trial after cooldown")
	}

	cb.RecordFailure("upstream error")
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after failed trial = %s, want open", got)
	}

	// The cooldown restarts from the failed trial.
	clock.advance(119 * time.Second)
	if cb.Allow() {
		t.Errorf("cooldown must restart after a failed trial")
	}
	clock.advance(2 * time.Second)
	if !cb.Allow() {
		t.Errorf("expected a new trial after the fresh cooldown")
	}
}

func TestCircuitBreakerTrialBudget(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	openBreaker(cb)
	clock.advance(121 * time.Second)

	if !cb.Allow() {
		t.Fatalf("first trial rejected")
	}
	if !cb.Allow() {
		t.Fatalf("second trial rejected")
	}
	if cb.Allow() {
		t.Errorf("third request must be rejected once the trial budget is spent")
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state after spent budget = %s, want open", got)
	}
}

func TestCircuitBreakerSnapshot(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	cb.RecordFailure("upstream error")
	cb.RecordFailure("rate limit")
	snap := cb.Snapshot()
	if snap.State != StateClosed || snap.Failures != 2 {
		t.Errorf("snapshot = %+v, want closed with 2 failures", snap)
	}
	if snap.LastReason != "rate limit" {
		t.Errorf("lastReason = %q, want the most recent failure reason", snap.LastReason)
	}

	openBreaker(cb)
	snap = cb.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("snapshot state = %s, want open", snap.State)
	}
	if snap.RetryInSeconds != 120 {
		t.Errorf("retryInSeconds = %f, want 120", snap.RetryInSeconds)
	}
}

func TestCircuitBreakerRecordsFailuresWhileOpen(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{}).WithClock(clock.now)

	openBreaker(cb)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	cb.RecordFailure("still failing")
	cb.RecordFailure("still failing")
	snap := cb.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("state after open failures = %s, want open", snap.State)
	}
	if snap.Failures != 2 {
		t.Errorf("recorded window while open = %d failures, want 2", snap.Failures)
	}
	if snap.LastReason != "still failing" {
		t.Errorf("lastReason = %q, want the open-state reason", snap.LastReason)
	}
}

func TestBreakerSetIsolation(t *testing.T) {
	clock := newFakeClock()
	s := NewBreakerSet(BreakerConfig{}).WithClock(clock.now)

	for i := 0; i < 5; i++ {
		s.RecordFailure("gemini", "upstream error")
	}
	if s.Allow("gemini") {
		t.Errorf("gemini breaker should be open")
	}
	if !s.Allow("claude") {
		t.Errorf("claude breaker must stay closed")
	}

	snap := s.Snapshot()
	if snap["gemini"].State != StateOpen {
		t.Errorf("gemini snapshot state = %s, want open", snap["gemini"].State)
	}
	if snap["claude"].State != StateClosed {
		t.Errorf("claude snapshot state = %s, want closed", snap["claude"].State)
	}
}
