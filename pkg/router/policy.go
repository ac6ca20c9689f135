// Package router implements the resilient provider-selection state machine:
// per-phase policies, candidate chains, retry and fallback, and the local
// degraded mode for non-critical phases.
package router

import (
	"fmt"
	"strings"

	"github.com/jllopis/escriba/pkg/config"
	"github.com/jllopis/escriba/pkg/llm"
)

// Built-in phase names.
const (
	PhaseGenerateSection   = "generate_section"
	PhaseCleanupCorrection = "cleanup_correction"
)

// PhasePolicy describes how the router treats calls of one phase.
type PhasePolicy struct {
	Phase    string
	Critical bool
	// AllowDegraded permits the local degraded fallback when every remote
	// candidate failed. Mutually exclusive with Critical.
	AllowDegraded   bool
	MaxInputTokens  int
	MaxOutputTokens int
	// FallbackChain is the ordered provider chain merged in auto mode.
	FallbackChain []string
}

// PolicyRegistry maps phase names to policies.
type PolicyRegistry struct {
	policies map[string]PhasePolicy
}

// NewPolicyRegistry returns a registry preloaded with the two built-in
// phases and their default budgets and chains.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string]PhasePolicy)}
	// The defaults mirror the config defaults; FromConfig overrides them.
	mustRegister(r, PhasePolicy{
		Phase:           PhaseGenerateSection,
		Critical:        true,
		MaxInputTokens:  6000,
		MaxOutputTokens: 1400,
		FallbackChain:   []string{llm.ProviderGemini, llm.ProviderClaude},
	})
	mustRegister(r, PhasePolicy{
		Phase:           PhaseCleanupCorrection,
		AllowDegraded:   true,
		MaxInputTokens:  4000,
		MaxOutputTokens: 1200,
		FallbackChain:   []string{llm.ProviderGemini, llm.ProviderClaude, llm.ProviderDegraded},
	})
	return r
}

// FromConfig builds a registry with budgets and chains taken from the
// loaded configuration. The degraded sentinel is stripped from the critical
// generation chain; the router appends it for degradable phases anyway.
func FromConfig(llmCfg config.LLMConfig, fb config.FallbackConfig) *PolicyRegistry {
	r := &PolicyRegistry{policies: make(map[string]PhasePolicy)}
	generate := withoutSentinel(ParseChain(fb.ChainGenerate))
	if len(generate) == 0 {
		generate = []string{llm.ProviderGemini, llm.ProviderClaude}
	}
	// With the quota fallback disabled the generation phase carries no
	// chain of its own; only the caller's explicit candidates apply.
	if !fb.OnQuota {
		generate = nil
	}
	cleanup := ParseChain(fb.ChainCleanup)
	if len(cleanup) == 0 {
		cleanup = []string{llm.ProviderGemini, llm.ProviderClaude, llm.ProviderDegraded}
	}
	mustRegister(r, PhasePolicy{
		Phase:           PhaseGenerateSection,
		Critical:        true,
		MaxInputTokens:  positiveOr(llmCfg.MaxInputTokensGenerate, 6000),
		MaxOutputTokens: positiveOr(llmCfg.MaxOutputTokensGenerate, 1400),
		FallbackChain:   generate,
	})
	mustRegister(r, PhasePolicy{
		Phase:           PhaseCleanupCorrection,
		AllowDegraded:   true,
		MaxInputTokens:  positiveOr(llmCfg.MaxInputTokensCleanup, 4000),
		MaxOutputTokens: positiveOr(llmCfg.MaxOutputTokensCleanup, 1200),
		FallbackChain:   cleanup,
	})
	return r
}

// Register adds or replaces a policy. A phase cannot be both critical and
// degradable.
func (r *PolicyRegistry) Register(p PhasePolicy) error {
	if p.Phase == "" {
		return fmt.Errorf("phase policy requires a phase name")
	}
	if p.Critical && p.AllowDegraded {
		return fmt.Errorf("phase %s: a critical phase cannot allow degraded results", p.Phase)
	}
	r.policies[p.Phase] = p
	return nil
}

// Get returns the policy registered for phase.
func (r *PolicyRegistry) Get(phase string) (PhasePolicy, bool) {
	p, ok := r.policies[phase]
	return p, ok
}

func mustRegister(r *PolicyRegistry, p PhasePolicy) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// ParseChain splits a comma-separated provider chain, trimming,
// lowercasing, and dropping empties. The DEGRADED keyword maps to the
// degraded sentinel.
func ParseChain(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		out = append(out, name)
	}
	return out
}

func withoutSentinel(chain []string) []string {
	var out []string
	for _, name := range chain {
		if name == llm.ProviderDegraded {
			continue
		}
		out = append(out, name)
	}
	return out
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
