// Package llm defines the uniform provider contract consumed by the router
// and the in-memory per-provider runtime metrics behind the health payload.
package llm

import (
	"context"
	"time"
	"unicode/utf8"
)

// Canonical provider ids. Chains, selections, and config keys use these
// lowercase names.
const (
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderQwen   = "qwen"

	// ProviderDegraded is the chain sentinel for local-only cleanup. It is
	// not a real provider and never reaches a Provider implementation.
	ProviderDegraded = "degraded"
)

// KnownProviders returns the closed set of real provider ids in their
// canonical order.
func KnownProviders() []string {
	return []string{ProviderGemini, ProviderClaude, ProviderQwen}
}

// IsKnownProvider reports whether name is one of the real provider ids.
// The degraded sentinel is not a provider.
func IsKnownProvider(name string) bool {
	switch name {
	case ProviderGemini, ProviderClaude, ProviderQwen:
		return true
	}
	return false
}

var displayNames = map[string]string{
	ProviderGemini: "Gemini",
	ProviderClaude: "Claude",
	ProviderQwen:   "Qwen",
}

// DisplayName returns the human-readable provider name for status payloads.
func DisplayName(name string) string {
	if dn, ok := displayNames[name]; ok {
		return dn
	}
	return name
}

// GenerateRequest is the input for a single synchronous generation call.
type GenerateRequest struct {
	// Prompt is the full prompt text, system block included.
	Prompt string
	// Model overrides the provider's configured model when non-empty.
	Model string
	// Timeout bounds the call; zero disables the per-call deadline.
	Timeout time.Duration
}

// ProbeStatus is the outcome of a health probe.
type ProbeStatus string

const (
	ProbeOK          ProbeStatus = "OK"
	ProbeRateLimited ProbeStatus = "RATE_LIMITED"
	ProbeExhausted   ProbeStatus = "EXHAUSTED"
	ProbeAuthError   ProbeStatus = "AUTH_ERROR"
	ProbeError       ProbeStatus = "ERROR"
	// ProbeUnverified marks providers that were never probed, usually
	// because no credentials are configured.
	ProbeUnverified ProbeStatus = "UNVERIFIED"
)

// ProbeResult is the structured outcome of a minimal real request against
// the provider. Probes never return an error; failures are encoded in the
// status and detail. Detail must never contain credentials.
type ProbeResult struct {
	Status            ProbeStatus       `json:"status"`
	Detail            string            `json:"detail,omitempty"`
	RetryAfterSeconds float64           `json:"retryAfterSeconds,omitempty"`
	LatencyMs         int64             `json:"latencyMs,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
}

// Provider is the uniform client contract. Implementations adapt their SDK
// error surface into the coded error taxonomy and must never place
// credentials in error messages or probe details.
type Provider interface {
	// Name returns the canonical lowercase provider id.
	Name() string

	// Configured reports whether credentials for this provider are present.
	Configured() bool

	// Generate performs a synchronous text generation. Errors are coded
	// errors.Error values where the SDK surface allows classification, or
	// generic errors classified downstream.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// Probe issues a minimal low-cost request and reports structured
	// health. An empty model selects the provider default.
	Probe(ctx context.Context, model string) ProbeResult
}

// HealthState is the derived per-provider health shown in the status
// payload and consulted by fallback selection.
type HealthState string

const (
	HealthUnknown     HealthState = "UNKNOWN"
	HealthOK          HealthState = "OK"
	HealthRateLimited HealthState = "RATE_LIMITED"
	HealthExhausted   HealthState = "EXHAUSTED"
	HealthDegraded    HealthState = "DEGRADED"
)

// EstimateTokens approximates the token count of text as ceil(chars/4).
// The count is in runes so accented Spanish text is not over-counted.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
