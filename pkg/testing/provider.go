// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides the scripted provider harness used by the
// router and orchestrator test suites. Outcomes are queued fluently and
// every generation request is captured for assertion.
package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/jllopis/escriba/pkg/llm"
)

// Outcome is one scripted reply of a provider.
type Outcome struct {
	Content string
	Err     error
	Probe   *llm.ProbeResult
}

// ScriptedProvider is an llm.Provider whose replies come from a queue.
// When the queue runs dry it repeats the last outcome, so a provider
// scripted with a single success can serve any number of sections.
type ScriptedProvider struct {
	mu         sync.Mutex
	name       string
	configured bool
	outcomes   []Outcome
	next       int
	requests   []llm.GenerateRequest
	onCall     func(call int, req llm.GenerateRequest)
	probe      llm.ProbeResult
}

// NewScriptedProvider creates a configured provider with no scripted
// outcomes; Generate fails until a reply is queued.
func NewScriptedProvider(name string) *ScriptedProvider {
	return &ScriptedProvider{
		name:       name,
		configured: true,
		probe:      llm.ProbeResult{Status: llm.ProbeOK, LatencyMs: 1},
	}
}

// Reply queues a successful generation returning content.
func (p *ScriptedProvider) Reply(content string) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, Outcome{Content: content})
	return p
}

// Fail queues a failed generation returning err.
func (p *ScriptedProvider) Fail(err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, Outcome{Err: err})
	return p
}

// Unconfigured marks the provider as having no credentials.
func (p *ScriptedProvider) Unconfigured() *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configured = false
	return p
}

// WithProbe sets the probe result returned by Probe.
func (p *ScriptedProvider) WithProbe(result llm.ProbeResult) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = result
	return p
}

// OnCall registers a hook invoked before each Generate with the one-based
// call number and the request.
func (p *ScriptedProvider) OnCall(hook func(call int, req llm.GenerateRequest)) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCall = hook
	return p
}

// Name implements llm.Provider.
func (p *ScriptedProvider) Name() string { return p.name }

// Configured implements llm.Provider.
func (p *ScriptedProvider) Configured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured
}

// Generate implements llm.Provider by consuming the outcome queue.
func (p *ScriptedProvider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	hook := p.onCall
	var out Outcome
	switch {
	case p.next < len(p.outcomes):
		out = p.outcomes[p.next]
		p.next++
	case len(p.outcomes) > 0:
		out = p.outcomes[len(p.outcomes)-1]
	default:
		out = Outcome{Err: fmt.Errorf("scripted provider %s: no outcome queued", p.name)}
	}
	p.mu.Unlock()

	if hook != nil {
		hook(call, req)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return out.Content, out.Err
}

// Probe implements llm.Provider.
func (p *ScriptedProvider) Probe(_ context.Context, _ string) llm.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.configured {
		return llm.ProbeResult{Status: llm.ProbeUnverified, Detail: "sin credenciales configuradas"}
	}
	return p.probe
}

// Calls reports how many times Generate ran.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every captured generation request.
func (p *ScriptedProvider) Requests() []llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.GenerateRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

var _ llm.Provider = (*ScriptedProvider)(nil)
