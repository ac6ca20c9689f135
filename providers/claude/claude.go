// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package claude adapts the Anthropic Claude API to the uniform provider
// contract.
package claude

import (
	"context"
	goerrors "errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/llm"
)

// DefaultModel is used when neither the request nor the options name one.
const DefaultModel = "claude-3-5-haiku-latest"

// defaultMaxTokens bounds the completion length of a single call.
const defaultMaxTokens = 4096

// Provider implements llm.Provider for the Anthropic API.
type Provider struct {
	mu        sync.Mutex
	apiKey    string
	model     string
	maxTokens int64
	client    *anthropic.Client
}

// Option configures the Provider.
type Option func(*Provider)

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(tokens int64) Option {
	return func(p *Provider) {
		if tokens > 0 {
			p.maxTokens = tokens
		}
	}
}

// New creates a Claude provider. An empty apiKey falls back to the
// ANTHROPIC_API_KEY environment variable; without either the provider
// reports itself unconfigured.
func New(apiKey string, opts ...Option) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return llm.ProviderClaude }

// Configured implements llm.Provider.
func (p *Provider) Configured() bool { return p.apiKey != "" }

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	if !p.Configured() {
		return "", errors.NewAuth("claude sin credenciales configuradas", nil).WithProvider(p.Name())
	}
	client := p.ensureClient()

	model := req.Model
	if model == "" {
		model = p.model
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		coded := mapError(err)
		if coded.Class == errors.ClassTransient {
			p.dropClient()
		}
		return "", coded
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New(errors.ClassError, "claude devolvió una respuesta vacía", nil).WithProvider(p.Name())
	}
	return text, nil
}

// Probe implements llm.Provider with a minimal real generation.
func (p *Provider) Probe(ctx context.Context, model string) llm.ProbeResult {
	if !p.Configured() {
		return llm.ProbeResult{Status: llm.ProbeUnverified, Detail: "sin credenciales configuradas"}
	}
	start := time.Now()
	_, err := p.Generate(ctx, llm.GenerateRequest{Prompt: "Responde únicamente: OK", Model: model})
	latency := time.Since(start).Milliseconds()
	if err == nil {
		return llm.ProbeResult{Status: llm.ProbeOK, LatencyMs: latency}
	}
	return probeFromError(err, latency)
}

func (p *Provider) ensureClient() *anthropic.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client := anthropic.NewClient(option.WithAPIKey(p.apiKey))
		p.client = &client
	}
	return p.client
}

func (p *Provider) dropClient() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

// mapError adapts SDK errors into the coded taxonomy, honoring the
// Retry-After header when the API surfaced one.
func mapError(err error) *errors.Error {
	if coded, ok := errors.As(err); ok {
		return coded
	}
	var apiErr *anthropic.Error
	if goerrors.As(err, &apiErr) {
		retryAfter := 0.0
		if apiErr.Response != nil {
			if v, perr := strconv.ParseFloat(apiErr.Response.Header.Get("Retry-After"), 64); perr == nil && v > 0 {
				retryAfter = v
			}
		}
		return errors.FromStatus(llm.ProviderClaude, apiErr.StatusCode, apiErr.Error(), retryAfter, err)
	}
	class := errors.Classify(err, 0)
	return errors.New(class, "fallo de la API de claude", err).WithProvider(llm.ProviderClaude)
}

func probeFromError(err error, latency int64) llm.ProbeResult {
	res := llm.ProbeResult{LatencyMs: latency, Detail: err.Error()}
	switch errors.ClassOf(err) {
	case errors.ClassAuth:
		res.Status = llm.ProbeAuthError
	case errors.ClassExhausted:
		res.Status = llm.ProbeExhausted
	case errors.ClassRateLimited:
		res.Status = llm.ProbeRateLimited
		res.RetryAfterSeconds = errors.RetryAfterSeconds(err)
	default:
		res.Status = llm.ProbeError
	}
	return res
}

var _ llm.Provider = (*Provider)(nil)
