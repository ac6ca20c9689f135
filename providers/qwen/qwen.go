// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package qwen adapts the Alibaba Cloud Qwen models to the uniform provider
// contract through the DashScope OpenAI-compatible endpoint.
package qwen

import (
	"context"
	goerrors "errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/llm"
)

// DefaultModel is used when neither the request nor the options name one.
const DefaultModel = "qwen-turbo"

// DefaultBaseURL is the DashScope OpenAI-compatible endpoint.
const DefaultBaseURL = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"

// Provider implements llm.Provider against DashScope.
type Provider struct {
	mu      sync.Mutex
	apiKey  string
	baseURL string
	model   string
	client  *openai.Client
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

// WithBaseURL overrides the DashScope endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// New creates a Qwen provider. An empty apiKey falls back to the
// DASHSCOPE_API_KEY environment variable; without either the provider
// reports itself unconfigured.
func New(apiKey string, opts ...Option) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return llm.ProviderQwen }

// Configured implements llm.Provider.
func (p *Provider) Configured() bool { return p.apiKey != "" }

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	if !p.Configured() {
		return "", errors.NewAuth("qwen sin credenciales configuradas", nil).WithProvider(p.Name())
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

	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	})
	if err != nil {
		coded := mapError(err)
		if coded.Class == errors.ClassTransient {
			p.dropClient()
		}
		return "", coded
	}
	if len(completion.Choices) == 0 {
		return "", errors.New(errors.ClassError, "qwen devolvió una respuesta sin alternativas", nil).WithProvider(p.Name())
	}
	text := completion.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", errors.New(errors.ClassError, "qwen devolvió una respuesta vacía", nil).WithProvider(p.Name())
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

func (p *Provider) ensureClient() *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client := openai.NewClient(
			option.WithAPIKey(p.apiKey),
			option.WithBaseURL(p.baseURL),
		)
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
	var apiErr *openai.Error
	if goerrors.As(err, &apiErr) {
		retryAfter := 0.0
		if apiErr.Response != nil {
			if v, perr := strconv.ParseFloat(apiErr.Response.Header.Get("Retry-After"), 64); perr == nil && v > 0 {
				retryAfter = v
			}
		}
		return errors.FromStatus(llm.ProviderQwen, apiErr.StatusCode, apiErr.Error(), retryAfter, err)
	}
	class := errors.Classify(err, 0)
	return errors.New(class, "fallo de la API de qwen", err).WithProvider(llm.ProviderQwen)
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
