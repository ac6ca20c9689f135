// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini adapts the Google Gemini API to the uniform provider
// contract.
package gemini

import (
	"context"
	goerrors "errors"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/llm"
)

// DefaultModel is used when neither the request nor the options name one.
const DefaultModel = "gemini-2.0-flash"

// Provider implements llm.Provider for the Gemini API. The SDK client is
// built lazily and rebuilt after transport failures.
type Provider struct {
	mu     sync.Mutex
	apiKey string
	model  string
	client *genai.Client
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

// New creates a Gemini provider. An empty apiKey falls back to the
// GEMINI_API_KEY environment variable; without either the provider reports
// itself unconfigured.
func New(apiKey string, opts ...Option) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	p := &Provider{
		apiKey: apiKey,
		model:  DefaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return llm.ProviderGemini }

// Configured implements llm.Provider.
func (p *Provider) Configured() bool { return p.apiKey != "" }

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	if !p.Configured() {
		return "", errors.NewAuth("gemini sin credenciales configuradas", nil).WithProvider(p.Name())
	}
	client, err := p.ensureClient(ctx)
	if err != nil {
		return "", mapError(err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), nil)
	if err != nil {
		coded := mapError(err)
		if coded.Class == errors.ClassTransient {
			p.dropClient()
		}
		return "", coded
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New(errors.ClassError, "gemini devolvió una respuesta vacía", nil).WithProvider(p.Name())
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

func (p *Provider) ensureClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey})
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// dropClient discards the SDK client so the next call rebuilds its
// connection pool.
func (p *Provider) dropClient() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

// mapError adapts genai errors into the coded taxonomy. The API error type
// carries the HTTP status; everything else classifies by message.
func mapError(err error) *errors.Error {
	if coded, ok := errors.As(err); ok {
		return coded
	}
	var apiErr genai.APIError
	if goerrors.As(err, &apiErr) {
		return errors.FromStatus(llm.ProviderGemini, apiErr.Code, apiErr.Message, 0, err)
	}
	class := errors.Classify(err, 0)
	return errors.New(class, "fallo de la API de gemini", err).WithProvider(llm.ProviderGemini)
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
