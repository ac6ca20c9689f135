package llm

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/escriba/pkg/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRecordSuccessLatencyEMA(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordSuccess("gemini", 1000, "hola", "mundo")
	p := m.Payload("gemini", "m", true)
	if p.Stats.AvgLatencyMs != 1000 {
		t.Fatalf("first sample should set EMA directly, got %d", p.Stats.AvgLatencyMs)
	}

	m.RecordSuccess("gemini", 2000, "hola", "mundo")
	p = m.Payload("gemini", "m", true)
	// 0.7*1000 + 0.3*2000 = 1300
	if p.Stats.AvgLatencyMs != 1300 {
		t.Fatalf("expected EMA 1300, got %d", p.Stats.AvgLatencyMs)
	}
}

func TestRecordSuccessTokenCounters(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	prompt := strings.Repeat("a", 10)   // ceil(10/4) = 3
	response := strings.Repeat("b", 17) // ceil(17/4) = 5
	m.RecordSuccess("claude", 100, prompt, response)

	p := m.Payload("claude", "m", true)
	if !strings.Contains(p.Quota.Note, "8 tokens") {
		t.Fatalf("expected 8 tokens in quota note, got %q", p.Quota.Note)
	}
	if !strings.Contains(p.Quota.Note, "1 solicitudes") {
		t.Fatalf("expected request count in quota note, got %q", p.Quota.Note)
	}
	if p.Quota.Period != "2026-03" {
		t.Fatalf("expected period 2026-03, got %q", p.Quota.Period)
	}
}

func TestMonthlyRollover(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordSuccess("gemini", 100, "some prompt text", "some response text")
	clock.advance(31 * 24 * time.Hour)

	p := m.Payload("gemini", "m", true)
	if p.Quota.Period != "2026-04" {
		t.Fatalf("expected rolled-over period 2026-04, got %q", p.Quota.Period)
	}
	if !strings.Contains(p.Quota.Note, "0 tokens") {
		t.Fatalf("expected counters reset after rollover, got %q", p.Quota.Note)
	}
}

func TestHealthDerivationOrder(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	// Unconfigured wins over everything.
	m.RecordExhausted("gemini", "quota exceeded")
	if got := m.Health("gemini", false); got != HealthUnknown {
		t.Fatalf("unconfigured should be UNKNOWN, got %s", got)
	}
	if got := m.Health("gemini", true); got != HealthExhausted {
		t.Fatalf("expected EXHAUSTED, got %s", got)
	}

	// Exhausted wins over rate-limited.
	m.RecordRateLimited("gemini", 30, "rate limit")
	if got := m.Health("gemini", true); got != HealthExhausted {
		t.Fatalf("exhausted should win over rate-limited, got %s", got)
	}

	// A success clears exhausted, leaving the rate limit visible.
	m.RecordSuccess("gemini", 100, "p", "r")
	if got := m.Health("gemini", true); got != HealthRateLimited {
		t.Fatalf("expected RATE_LIMITED after success cleared exhausted, got %s", got)
	}

	clock.advance(31 * time.Second)
	if got := m.Health("gemini", true); got != HealthOK {
		t.Fatalf("expected OK after rate limit expiry, got %s", got)
	}
}

func TestDegradedAfterRepeatedTimeouts(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordError("qwen", "read timed out", 0, "")
	m.RecordError("qwen", "request timed out after 45s", 0, "")
	if got := m.Health("qwen", true); got != HealthOK {
		t.Fatalf("two timeouts should not degrade, got %s", got)
	}

	m.RecordError("qwen", "timeout contacting upstream", 0, "")
	if got := m.Health("qwen", true); got != HealthDegraded {
		t.Fatalf("three timeouts in window should degrade, got %s", got)
	}

	// Events age out of the 15-minute window.
	clock.advance(15*time.Minute + time.Second)
	if got := m.Health("qwen", true); got != HealthOK {
		t.Fatalf("expected OK after window expiry, got %s", got)
	}
}

func TestNonTimeoutErrorsDoNotDegrade(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	for i := 0; i < 5; i++ {
		m.RecordError("gemini", "connection reset by peer", 0, "")
	}
	if got := m.Health("gemini", true); got != HealthOK {
		t.Fatalf("non-timeout errors should not degrade, got %s", got)
	}
	p := m.Payload("gemini", "m", true)
	if p.Stats.ErrorsLast15m != 5 {
		t.Fatalf("expected 5 recent errors, got %d", p.Stats.ErrorsLast15m)
	}
}

func TestRecordRateLimitedMinimumWait(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordRateLimited("claude", 0, "rate limit hit")
	if got := m.Health("claude", true); got != HealthRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", got)
	}
	clock.advance(1100 * time.Millisecond)
	if got := m.Health("claude", true); got != HealthOK {
		t.Fatalf("minimum wait is one second, got %s", got)
	}
}

func TestRecordErrorEMAWeight(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordSuccess("gemini", 1000, "p", "r")
	m.RecordError("gemini", "boom", 2000, "")
	p := m.Payload("gemini", "m", true)
	// 0.8*1000 + 0.2*2000 = 1200
	if p.Stats.AvgLatencyMs != 1200 {
		t.Fatalf("expected error-weighted EMA 1200, got %d", p.Stats.AvgLatencyMs)
	}

	// Errors without latency leave the EMA untouched.
	m.RecordError("gemini", "boom again", 0, "")
	p = m.Payload("gemini", "m", true)
	if p.Stats.AvgLatencyMs != 1200 {
		t.Fatalf("zero latency should not move EMA, got %d", p.Stats.AvgLatencyMs)
	}
}

func TestRecordProbeReconciliation(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordProbe("gemini", ProbeResult{Status: ProbeExhausted, Detail: "quota"})
	if got := m.Health("gemini", true); got != HealthExhausted {
		t.Fatalf("exhausted probe should set flag, got %s", got)
	}

	m.RecordProbe("gemini", ProbeResult{Status: ProbeOK, LatencyMs: 40})
	if got := m.Health("gemini", true); got != HealthOK {
		t.Fatalf("OK probe should clear flags, got %s", got)
	}

	m.RecordProbe("gemini", ProbeResult{Status: ProbeRateLimited, RetryAfterSeconds: 20})
	if got := m.Health("gemini", true); got != HealthRateLimited {
		t.Fatalf("rate-limited probe should set deadline, got %s", got)
	}
	clock.advance(21 * time.Second)
	if got := m.Health("gemini", true); got != HealthOK {
		t.Fatalf("probe rate limit should expire, got %s", got)
	}
}

func TestRecordProbeDoesNotAddErrorEvents(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	m.RecordProbe("claude", ProbeResult{Status: ProbeError, Detail: "unreachable"})
	m.RecordProbe("claude", ProbeResult{Status: ProbeExhausted, Detail: "quota"})

	p := m.Payload("claude", "m", true)
	if p.Stats.ErrorsLast15m != 0 {
		t.Fatalf("probes must not count as error events, got %d", p.Stats.ErrorsLast15m)
	}
	if p.Probe == nil || p.Probe.Status != ProbeExhausted {
		t.Fatalf("expected last probe snapshot stored, got %+v", p.Probe)
	}
}

func TestPayloadRateLimitLedger(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)
	m.SetRateLimit("gemini", 10)

	for i := 0; i < 3; i++ {
		m.RecordSuccess("gemini", 100, "p", "r")
	}
	p := m.Payload("gemini", "m", true)
	if p.RateLimit.Limit != 10 || p.RateLimit.Remaining != 7 {
		t.Fatalf("expected 7/10 remaining, got %d/%d", p.RateLimit.Remaining, p.RateLimit.Limit)
	}
	if p.RateLimit.ResetSeconds != 60 {
		t.Fatalf("expected reset in 60s with frozen clock, got %d", p.RateLimit.ResetSeconds)
	}

	clock.advance(61 * time.Second)
	p = m.Payload("gemini", "m", true)
	if p.RateLimit.Remaining != 10 || p.RateLimit.ResetSeconds != 0 {
		t.Fatalf("window should clear after a minute, got %+v", p.RateLimit)
	}
}

func TestPayloadUnconfiguredProvider(t *testing.T) {
	m := NewMetrics().WithClock(newFakeClock().now)

	p := m.Payload("qwen", "qwen-plus", false)
	if p.Health != HealthUnknown {
		t.Fatalf("expected UNKNOWN health, got %s", p.Health)
	}
	if p.Probe == nil || p.Probe.Status != ProbeUnverified {
		t.Fatalf("expected synthetic UNVERIFIED probe, got %+v", p.Probe)
	}
	if p.Online {
		t.Fatal("unconfigured provider must not be online")
	}
	if p.DisplayName != "Qwen" {
		t.Fatalf("expected display name Qwen, got %q", p.DisplayName)
	}
}

func TestUsable(t *testing.T) {
	clock := newFakeClock()
	m := NewMetrics().WithClock(clock.now)

	if m.Usable("gemini", false) {
		t.Fatal("unconfigured provider is never usable")
	}
	if !m.Usable("gemini", true) {
		t.Fatal("fresh provider should be usable")
	}

	m.RecordProbe("gemini", ProbeResult{Status: ProbeAuthError})
	if m.Usable("gemini", true) {
		t.Fatal("auth-failed probe should make provider unusable")
	}

	m.RecordProbe("gemini", ProbeResult{Status: ProbeOK})
	if !m.Usable("gemini", true) {
		t.Fatal("OK probe should restore usability")
	}

	m.RecordExhausted("gemini", "quota exceeded")
	if m.Usable("gemini", true) {
		t.Fatal("exhausted provider is not usable")
	}
}

func TestInferKind(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"read timed out", ErrKindTimeout},
		{"connection timeout", ErrKindTimeout},
		{"rate limit exceeded", ErrKindRateLimit},
		{"429 too many requests", ErrKindRateLimit},
		{"you exceeded your current quota", ErrKindExhausted},
		{"RESOURCE_EXHAUSTED", ErrKindExhausted},
		{"invalid API key provided", ErrKindAuth},
		{"permission denied", ErrKindAuth},
		{"something broke", ErrKindError},
	}
	for _, tc := range cases {
		if got := inferKind(tc.message); got != tc.want {
			t.Errorf("inferKind(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestKindForClass(t *testing.T) {
	cases := map[errors.Class]string{
		errors.ClassRateLimited: ErrKindRateLimit,
		errors.ClassExhausted:   ErrKindExhausted,
		errors.ClassAuth:        ErrKindAuth,
		errors.ClassTransient:   "",
		errors.ClassError:       ErrKindError,
	}
	for class, want := range cases {
		if got := KindForClass(class); got != want {
			t.Errorf("KindForClass(%s) = %q, want %q", class, got, want)
		}
	}
}
