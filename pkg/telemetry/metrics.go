// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/escriba/pkg/errors"
)

// LLMMetrics tracks provider traffic for production monitoring.
type LLMMetrics struct {
	// requestCounter tracks requests by provider, phase and outcome
	requestCounter metric.Int64Counter

	// latencyHist tracks request latency per provider in milliseconds
	latencyHist metric.Float64Histogram

	// retryCounter tracks retries by provider and error class
	retryCounter metric.Int64Counter

	// tokenCounter tracks estimated tokens by provider and direction
	tokenCounter metric.Int64Counter

	// breakerGauge tracks circuit breaker state per provider
	// (0=open, 1=half_open, 2=closed)
	breakerGauge metric.Int64Gauge

	meter metric.Meter
}

// NewLLMMetrics creates the provider traffic instruments with OTEL meters.
func NewLLMMetrics(ctx context.Context) (*LLMMetrics, error) {
	meter := otel.Meter("escriba/llm")

	requestCounter, err := meter.Int64Counter(
		"escriba.llm.requests",
		metric.WithDescription("LLM requests by provider, phase and outcome"),
	)
	if err != nil {
		return nil, err
	}

	latencyHist, err := meter.Float64Histogram(
		"escriba.llm.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("LLM request latency per provider"),
	)
	if err != nil {
		return nil, err
	}

	retryCounter, err := meter.Int64Counter(
		"escriba.llm.retries",
		metric.WithDescription("Retries by provider and error class"),
	)
	if err != nil {
		return nil, err
	}

	tokenCounter, err := meter.Int64Counter(
		"escriba.llm.tokens",
		metric.WithDescription("Estimated tokens by provider and direction"),
	)
	if err != nil {
		return nil, err
	}

	breakerGauge, err := meter.Int64Gauge(
		"escriba.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per provider (0=open, 1=half_open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &LLMMetrics{
		requestCounter: requestCounter,
		latencyHist:    latencyHist,
		retryCounter:   retryCounter,
		tokenCounter:   tokenCounter,
		breakerGauge:   breakerGauge,
		meter:          meter,
	}, nil
}

// RecordRequest counts one provider request and its latency. Outcome is
// "ok" or the terminal error class.
func (m *LLMMetrics) RecordRequest(ctx context.Context, provider, phase, outcome string, latencyMs float64) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(AttrLLMProvider, provider),
		attribute.String(AttrPhase, phase),
		attribute.String("outcome", outcome),
	)
	m.requestCounter.Add(ctx, 1, attrs)
	if latencyMs > 0 {
		m.latencyHist.Record(ctx, latencyMs,
			metric.WithAttributes(attribute.String(AttrLLMProvider, provider)))
	}
}

// RecordRetry counts one retry decision.
func (m *LLMMetrics) RecordRetry(ctx context.Context, provider string, class errors.Class) {
	if m == nil {
		return
	}

	m.retryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrLLMProvider, provider),
			attribute.String("error.class", string(class)),
		),
	)
}

// RecordTokens counts estimated prompt and completion tokens.
func (m *LLMMetrics) RecordTokens(ctx context.Context, provider string, input, output int) {
	if m == nil {
		return
	}

	if input > 0 {
		m.tokenCounter.Add(ctx, int64(input),
			metric.WithAttributes(
				attribute.String(AttrLLMProvider, provider),
				attribute.String("direction", "input"),
			),
		)
	}
	if output > 0 {
		m.tokenCounter.Add(ctx, int64(output),
			metric.WithAttributes(
				attribute.String(AttrLLMProvider, provider),
				attribute.String("direction", "output"),
			),
		)
	}
}

// RecordBreakerState records the breaker state for a provider using the
// state string from the resilience package.
func (m *LLMMetrics) RecordBreakerState(ctx context.Context, provider, state string) {
	if m == nil {
		return
	}

	m.breakerGauge.Record(ctx, breakerStateValue(state),
		metric.WithAttributes(attribute.String(AttrLLMProvider, provider)),
	)
}

// RegisterQueueDepth registers an observable gauge reporting how many
// requests are waiting in the resource coordinator.
func (m *LLMMetrics) RegisterQueueDepth(depth func() int64) error {
	if m == nil {
		return nil
	}

	gauge, err := m.meter.Int64ObservableGauge(
		"escriba.llm.queue.depth",
		metric.WithDescription("Requests waiting for a provider slot"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, depth())
		return nil
	}, gauge)
	return err
}

func breakerStateValue(state string) int64 {
	switch state {
	case "closed":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
