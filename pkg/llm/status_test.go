package llm

import (
	"context"
	"testing"
	"time"
)

func TestRegistryOrder(t *testing.T) {
	reg := NewRegistry(
		&MockProvider{NameValue: "gemini", IsConfigured: true},
		&MockProvider{NameValue: "claude", IsConfigured: true},
		&MockProvider{NameValue: "qwen"},
	)

	names := reg.Names()
	want := []string{"gemini", "claude", "qwen"}
	if len(names) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(names))
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("expected %s at position %d, got %s", n, i, names[i])
		}
	}

	// Re-registering replaces without duplicating the order entry.
	reg.Register(&MockProvider{NameValue: "claude", IsConfigured: false})
	if len(reg.Names()) != 3 {
		t.Fatalf("re-registration must not grow the registry, got %d", len(reg.Names()))
	}
	p, _ := reg.Get("claude")
	if p.Configured() {
		t.Fatal("re-registration should have replaced the provider")
	}
}

func TestProbeAllRecordsMetrics(t *testing.T) {
	reg := NewRegistry(
		&MockProvider{NameValue: "gemini", IsConfigured: true},
		&MockProvider{NameValue: "claude"},
	)
	m := NewMetrics()

	results := ProbeAll(context.Background(), reg, m, time.Second)
	if results["gemini"].Status != ProbeOK {
		t.Fatalf("expected OK probe for gemini, got %s", results["gemini"].Status)
	}
	if results["claude"].Status != ProbeUnverified {
		t.Fatalf("expected UNVERIFIED for unconfigured claude, got %s", results["claude"].Status)
	}

	p := m.Payload("gemini", "m", true)
	if p.Probe == nil || p.Probe.Status != ProbeOK {
		t.Fatalf("probe result should be recorded in metrics, got %+v", p.Probe)
	}
}

func TestProbeAllAppliesTimeout(t *testing.T) {
	slow := &MockProvider{
		NameValue:    "gemini",
		IsConfigured: true,
		ProbeFunc: func(ctx context.Context, model string) ProbeResult {
			<-ctx.Done()
			return ProbeResult{Status: ProbeError, Detail: "probe timed out"}
		},
	}
	reg := NewRegistry(slow)

	start := time.Now()
	results := ProbeAll(context.Background(), reg, NewMetrics(), 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe timeout not applied, took %v", elapsed)
	}
	if results["gemini"].Status != ProbeError {
		t.Fatalf("expected ERROR from timed-out probe, got %s", results["gemini"].Status)
	}
}

func TestBuildStatus(t *testing.T) {
	reg := NewRegistry(
		&MockProvider{NameValue: "gemini", IsConfigured: true},
		&MockProvider{NameValue: "claude", IsConfigured: true},
	)
	m := NewMetrics()
	m.RecordSuccess("gemini", 120, "p", "r")

	payload := BuildStatus(StatusRequest{
		Provider:         "gemini",
		Model:            "gemini-2.5-flash",
		FallbackProvider: "claude",
		FallbackModel:    "claude-3-5-haiku-latest",
		Mode:             "auto",
		Models: map[string]string{
			"gemini": "gemini-2.5-flash",
			"claude": "claude-3-5-haiku-latest",
		},
	}, reg, m)

	if payload.SelectedProvider != "gemini" || payload.Mode != "auto" {
		t.Fatalf("selection fields not carried: %+v", payload)
	}
	if len(payload.Providers) != 2 {
		t.Fatalf("expected 2 provider entries, got %d", len(payload.Providers))
	}
	if payload.Providers[0].ID != "gemini" || payload.Providers[1].ID != "claude" {
		t.Fatalf("providers must keep registration order: %+v", payload.Providers)
	}
	if payload.Providers[0].Model != "gemini-2.5-flash" {
		t.Fatalf("model not taken from request: %q", payload.Providers[0].Model)
	}
	if payload.Providers[0].Health != HealthOK {
		t.Fatalf("expected OK health for gemini, got %s", payload.Providers[0].Health)
	}
}
