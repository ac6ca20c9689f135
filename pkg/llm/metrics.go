package llm

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/escriba/pkg/errors"
)

// Rolling windows and smoothing weights for per-provider runtime state.
const (
	requestWindow = time.Minute
	errorWindow   = 15 * time.Minute

	// degradedTimeoutCount is the number of timeout-kind errors inside
	// errorWindow that flips health to DEGRADED.
	degradedTimeoutCount = 3

	emaSuccessWeight = 0.3
	emaErrorWeight   = 0.2

	// defaultRPM mirrors the providers.rpm config default for providers
	// whose limit was never set.
	defaultRPM = 60
)

// Error event kinds recorded in the 15-minute deque.
const (
	ErrKindTimeout   = "timeout"
	ErrKindRateLimit = "rate_limit"
	ErrKindExhausted = "exhausted"
	ErrKindAuth      = "auth"
	ErrKindError     = "error"
)

// KindForClass maps a taxonomy class to an error-event kind. TRANSIENT
// returns empty so message inference can separate timeouts from other
// network failures.
func KindForClass(class errors.Class) string {
	switch class {
	case errors.ClassRateLimited:
		return ErrKindRateLimit
	case errors.ClassExhausted:
		return ErrKindExhausted
	case errors.ClassAuth:
		return ErrKindAuth
	case errors.ClassTransient:
		return ""
	default:
		return ErrKindError
	}
}

// inferKind derives an event kind from a lowercased error message. Used
// when the caller did not pass one.
func inferKind(message string) string {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrKindTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate-limited") || strings.Contains(msg, "too many requests"):
		return ErrKindRateLimit
	case strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "resource_exhausted"):
		return ErrKindExhausted
	case strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission denied"):
		return ErrKindAuth
	default:
		return ErrKindError
	}
}

type errorEvent struct {
	at   time.Time
	kind string
}

// providerState is the runtime ledger for a single provider. Deques are
// trimmed on every read and mutation.
type providerState struct {
	requests []time.Time
	events   []errorEvent

	emaLatencyMs float64
	haveLatency  bool

	rateLimitedUntil time.Time
	exhausted        bool

	monthKey      string
	monthTokens   int64
	monthRequests int64

	lastError   string
	lastProbe   *ProbeResult
	lastProbeAt time.Time
}

// Metrics tracks per-provider runtime health. All mutations and snapshots
// go through a single lock; the clock is injectable for tests.
type Metrics struct {
	mu     sync.Mutex
	state  map[string]*providerState
	limits map[string]int
	now    func() time.Time
}

// NewMetrics creates an empty metrics service.
func NewMetrics() *Metrics {
	return &Metrics{
		state:  make(map[string]*providerState),
		limits: make(map[string]int),
		now:    time.Now,
	}
}

// WithClock replaces the time source. Test hook.
func (m *Metrics) WithClock(now func() time.Time) *Metrics {
	m.now = now
	return m
}

// SetRateLimit records the configured requests-per-minute for a provider so
// the status payload can report remaining capacity. Applied on config load
// and reload.
func (m *Metrics) SetRateLimit(provider string, rpm int) {
	if rpm <= 0 {
		rpm = defaultRPM
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[provider] = rpm
}

// stateLocked returns the provider ledger, creating it lazily and rolling
// the monthly counters over when the month changed.
func (m *Metrics) stateLocked(provider string, now time.Time) *providerState {
	st, ok := m.state[provider]
	if !ok {
		st = &providerState{monthKey: monthKey(now)}
		m.state[provider] = st
	}
	if mk := monthKey(now); st.monthKey != mk {
		st.monthKey = mk
		st.monthTokens = 0
		st.monthRequests = 0
	}
	st.trim(now)
	return st
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func (st *providerState) trim(now time.Time) {
	cutReq := now.Add(-requestWindow)
	i := 0
	for i < len(st.requests) && !st.requests[i].After(cutReq) {
		i++
	}
	if i > 0 {
		st.requests = append(st.requests[:0], st.requests[i:]...)
	}
	cutEvt := now.Add(-errorWindow)
	j := 0
	for j < len(st.events) && !st.events[j].at.After(cutEvt) {
		j++
	}
	if j > 0 {
		st.events = append(st.events[:0], st.events[j:]...)
	}
}

func (st *providerState) updateEMA(latencyMs int64, weight float64) {
	if latencyMs <= 0 {
		return
	}
	lat := float64(latencyMs)
	if !st.haveLatency {
		st.emaLatencyMs = lat
		st.haveLatency = true
		return
	}
	st.emaLatencyMs = (1-weight)*st.emaLatencyMs + weight*lat
}

// RecordSuccess notes a completed generation: request timestamp, latency
// EMA, monthly token and request counters. A success clears the exhausted
// flag.
func (m *Metrics) RecordSuccess(provider string, latencyMs int64, promptText, responseText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	st.requests = append(st.requests, now)
	st.updateEMA(latencyMs, emaSuccessWeight)
	st.monthTokens += int64(EstimateTokens(promptText) + EstimateTokens(responseText))
	st.monthRequests++
	st.exhausted = false
}

// RecordError appends an error event. When kind is empty it is inferred
// from the message. A positive latency updates the EMA with the error
// weight.
func (m *Metrics) RecordError(provider, message string, latencyMs int64, kind string) {
	if kind == "" {
		kind = inferKind(message)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	st.events = append(st.events, errorEvent{at: now, kind: kind})
	st.lastError = message
	st.updateEMA(latencyMs, emaErrorWeight)
}

// RecordRateLimited marks the provider rate-limited until now plus the
// suggested wait, minimum one second.
func (m *Metrics) RecordRateLimited(provider string, retryAfterSeconds float64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	st.rateLimitedUntil = now.Add(retryAfterDuration(retryAfterSeconds))
	st.events = append(st.events, errorEvent{at: now, kind: ErrKindRateLimit})
	st.lastError = message
}

// RecordExhausted marks the provider quota-exhausted until a success or an
// OK probe clears it.
func (m *Metrics) RecordExhausted(provider, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	st.exhausted = true
	st.events = append(st.events, errorEvent{at: now, kind: ErrKindExhausted})
	st.lastError = message
}

// RecordProbe stores the probe snapshot and reconciles the runtime flags
// with the probe status. Each field mutates exactly once per call; probes
// never append error events.
func (m *Metrics) RecordProbe(provider string, result ProbeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	snapshot := result
	st.lastProbe = &snapshot
	st.lastProbeAt = now
	switch result.Status {
	case ProbeExhausted:
		st.exhausted = true
	case ProbeRateLimited:
		st.rateLimitedUntil = now.Add(retryAfterDuration(result.RetryAfterSeconds))
	case ProbeOK:
		st.exhausted = false
		st.rateLimitedUntil = time.Time{}
	}
}

func retryAfterDuration(seconds float64) time.Duration {
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds * float64(time.Second))
}

// Health derives the provider health state, applied in order: not
// configured, exhausted, rate-limited, degraded by repeated timeouts,
// otherwise OK.
func (m *Metrics) Health(provider string, configured bool) HealthState {
	if !configured {
		return HealthUnknown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	return st.healthLocked(now)
}

func (st *providerState) healthLocked(now time.Time) HealthState {
	if st.exhausted {
		return HealthExhausted
	}
	if st.rateLimitedUntil.After(now) {
		return HealthRateLimited
	}
	timeouts := 0
	for _, e := range st.events {
		if e.kind == ErrKindTimeout {
			timeouts++
		}
	}
	if timeouts >= degradedTimeoutCount {
		return HealthDegraded
	}
	return HealthOK
}

// Usable reports whether a provider can serve as a computed fallback:
// configured, last probe not exhausted or auth-failed, and health not
// exhausted.
func (m *Metrics) Usable(provider string, configured bool) bool {
	if !configured {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)
	if st.lastProbe != nil {
		switch st.lastProbe.Status {
		case ProbeExhausted, ProbeAuthError:
			return false
		}
	}
	return st.healthLocked(now) != HealthExhausted
}

// RateLimitInfo is the local request-per-minute ledger for one provider.
type RateLimitInfo struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
	// ResetSeconds covers both the local window and a provider-imposed
	// retry-after, whichever is later.
	ResetSeconds int `json:"resetSeconds"`
}

// QuotaInfo summarizes the monthly self-counted usage. Limit zero means no
// known monthly allowance; the note carries the estimated usage.
type QuotaInfo struct {
	Remaining int64  `json:"remaining"`
	Limit     int64  `json:"limit"`
	Period    string `json:"period"`
	Note      string `json:"note,omitempty"`
}

// ProviderStats carries the smoothed latency and recent error summary.
type ProviderStats struct {
	AvgLatencyMs  int64  `json:"avgLatencyMs"`
	ErrorsLast15m int    `json:"errorsLast15m"`
	LastError     string `json:"lastError,omitempty"`
}

// ProviderStatus is one entry of the providers status payload.
type ProviderStatus struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"displayName"`
	Model       string        `json:"model"`
	Health      HealthState   `json:"health"`
	Configured  bool          `json:"configured"`
	Probe       *ProbeResult  `json:"probe,omitempty"`
	RateLimit   RateLimitInfo `json:"rateLimit"`
	Quota       QuotaInfo     `json:"quota"`
	Stats       ProviderStats `json:"stats"`
	Online      bool          `json:"online"`
}

// Payload assembles the status snapshot for one provider.
func (m *Metrics) Payload(provider, model string, configured bool) ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.stateLocked(provider, now)

	health := HealthUnknown
	if configured {
		health = st.healthLocked(now)
	}

	limit := m.limits[provider]
	if limit <= 0 {
		limit = defaultRPM
	}
	used := len(st.requests)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	reset := 0
	if used > 0 {
		reset = ceilSeconds(requestWindow - now.Sub(st.requests[0]))
	}
	if st.rateLimitedUntil.After(now) {
		if r := ceilSeconds(st.rateLimitedUntil.Sub(now)); r > reset {
			reset = r
		}
	}

	quota := QuotaInfo{
		Period: st.monthKey,
		Note:   fmt.Sprintf("uso estimado: %d tokens en %d solicitudes", st.monthTokens, st.monthRequests),
	}

	var probe *ProbeResult
	if st.lastProbe != nil {
		p := *st.lastProbe
		probe = &p
	} else if !configured {
		probe = &ProbeResult{Status: ProbeUnverified, Detail: "sin credenciales configuradas"}
	}

	online := configured
	switch health {
	case HealthUnknown, HealthExhausted:
		online = false
	}
	if probe != nil && (probe.Status == ProbeAuthError || probe.Status == ProbeError) {
		online = false
	}

	return ProviderStatus{
		ID:          provider,
		DisplayName: DisplayName(provider),
		Model:       model,
		Health:      health,
		Configured:  configured,
		Probe:       probe,
		RateLimit:   RateLimitInfo{Remaining: remaining, Limit: limit, ResetSeconds: reset},
		Quota:       quota,
		Stats: ProviderStats{
			AvgLatencyMs:  int64(math.Round(st.emaLatencyMs)),
			ErrorsLast15m: len(st.events),
			LastError:     st.lastError,
		},
		Online: online,
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
