// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration with rich attributes
// for generation observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for escriba telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Run attributes
	AttrRunID     = "escriba.run.id"
	AttrProjectID = "escriba.project.id"
	AttrTenantID  = "escriba.tenant.id"
	AttrOutcome   = "escriba.run.outcome"

	// Section attributes
	AttrPhase       = "escriba.phase"
	AttrSectionID   = "escriba.section.id"
	AttrSectionPath = "escriba.section.path"
	AttrAttempt     = "escriba.attempt"
	AttrDegraded    = "escriba.degraded"

	// Incident attributes
	AttrIncidentKind     = "escriba.incident.kind"
	AttrIncidentSeverity = "escriba.incident.severity"

	// Provider state attributes
	AttrProviderHealth = "escriba.provider.health"
	AttrBreakerState   = "escriba.breaker.state"

	// LLM attributes (standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMDurationMs   = "gen_ai.duration_ms"
	AttrLLMFinishReason = "gen_ai.finish_reason"
)

// RunAttributes returns common attributes for a generation run span.
func RunAttributes(runID, projectID, tenantID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
	}
	if projectID != "" {
		attrs = append(attrs, attribute.String(AttrProjectID, projectID))
	}
	if tenantID != "" {
		attrs = append(attrs, attribute.String(AttrTenantID, tenantID))
	}
	return attrs
}

// SectionAttributes returns attributes for one section request span.
// Long paths are truncated to keep span payloads small.
func SectionAttributes(phase, sectionID, sectionPath string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPhase, phase),
	}
	if sectionID != "" {
		attrs = append(attrs, attribute.String(AttrSectionID, sectionID))
	}
	if sectionPath != "" {
		if len(sectionPath) > 200 {
			sectionPath = sectionPath[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrSectionPath, sectionPath))
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int(AttrAttempt, attempt))
	}
	return attrs
}

// LLMAttributes returns attributes for an LLM call span.
func LLMAttributes(provider, model string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMProvider, provider),
	}
	if model != "" {
		attrs = append(attrs, attribute.String(AttrLLMModel, model))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int, durationMs float64, finishReason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMDurationMs, durationMs))
	}
	if finishReason != "" {
		attrs = append(attrs, attribute.String(AttrLLMFinishReason, finishReason))
	}
	return attrs
}

// IncidentAttributes returns attributes for an incident event.
func IncidentAttributes(kind, severity, provider string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrIncidentKind, kind),
		attribute.String(AttrIncidentSeverity, severity),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	return attrs
}

// ProviderStateAttributes returns attributes describing provider health and
// breaker state.
func ProviderStateAttributes(provider, health, breakerState string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMProvider, provider),
	}
	if health != "" {
		attrs = append(attrs, attribute.String(AttrProviderHealth, health))
	}
	if breakerState != "" {
		attrs = append(attrs, attribute.String(AttrBreakerState, breakerState))
	}
	return attrs
}
