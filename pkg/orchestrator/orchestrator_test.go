// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/escriba/pkg/config"
	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/llm"
	"github.com/jllopis/escriba/pkg/resilience"
	"github.com/jllopis/escriba/pkg/router"
	"github.com/jllopis/escriba/pkg/store"
	escribatest "github.com/jllopis/escriba/pkg/testing"
)

const (
	content1 = "El primer capítulo presenta los antecedentes relevantes del estudio con suficiente detalle."
	content2 = "El segundo capítulo desarrolla el marco metodológico aplicado durante la investigación."
)

// twoChapterFormat compiles into exactly sec-0001/Capítulo 1 and
// sec-0002/Capítulo 2.
func twoChapterFormat() map[string]any {
	return map[string]any{
		"body": []any{
			map[string]any{"title": "Capítulo 1"},
			map[string]any{"title": "Capítulo 2"},
		},
	}
}

func testProject() *core.Project {
	return &core.Project{
		ID:        "p1",
		Title:     "Proyecto de prueba",
		Variables: map[string]string{"tema": "redes de sensores"},
	}
}

type captureEmitter struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *captureEmitter) Emit(_ context.Context, ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) all() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Event, len(c.events))
	copy(out, c.events)
	return out
}

type fixture struct {
	orch    *Orchestrator
	emitter *captureEmitter
	mem     *store.Memory
	sleeps  *int
}

func newFixture(t *testing.T, cleanup bool, providers ...llm.Provider) *fixture {
	t.Helper()
	reg := llm.NewRegistry(providers...)
	retry := resilience.NewRetryPolicy().
		WithRetries(0, 1).
		WithJitter(0).
		WithCap(0.1).
		WithRand(rand.New(rand.NewSource(7)))
	rt := router.New(router.Options{
		Providers:         reg,
		Retry:             retry,
		GenerationTimeout: 2 * time.Second,
	})

	emitter := &captureEmitter{}
	mem := store.NewMemory()
	sleeps := 0
	orch := New(Options{
		Router:          rt,
		Providers:       reg,
		Selections:      mem,
		Checkpoints:     mem,
		Emitter:         emitter,
		FallbackOnQuota: true,
		CleanupEnabled:  cleanup,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			sleeps++
			return ctx.Err()
		},
	})
	return &fixture{orch: orch, emitter: emitter, mem: mem, sleeps: &sleeps}
}

func TestGenerateHappyPath(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content1).Reply(content2)
	f := newFixture(t, false, gemini)

	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "Tema: {{tema}}", RunOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(res.Sections))
	}
	if res.Sections[0].Content != content1 || res.Sections[1].Content != content2 {
		t.Fatalf("unexpected contents: %+v", res.Sections)
	}
	if res.Sections[0].SectionID != "sec-0001" || res.Sections[1].SectionID != "sec-0002" {
		t.Fatalf("unexpected ids: %+v", res.Sections)
	}
	if gemini.Calls() != 2 {
		t.Errorf("gemini calls = %d, want 2", gemini.Calls())
	}
	if got := f.orch.Incidents(); len(got) != 0 {
		t.Errorf("incidents = %+v, want none", got)
	}
	if f.orch.Outcome() != core.OutcomeCompleted {
		t.Errorf("outcome = %q", f.orch.Outcome())
	}
	if f.orch.LastProvider() != "gemini" {
		t.Errorf("last provider = %q", f.orch.LastProvider())
	}
	if *f.sleeps != 1 {
		t.Errorf("inter-section sleeps = %d, want 1", *f.sleeps)
	}
}

func TestGenerateQuotaFallbackDisablesPrimaryForJob(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").
		Fail(errors.NewExhausted("quota exceeded", "exhausted", nil))
	claude := escribatest.NewScriptedProvider("claude").Reply(content1).Reply(content2)
	f := newFixture(t, false, gemini, claude)

	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(res.Sections))
	}
	// The exhausted primary is disabled for the rest of the job: exactly
	// one call, both sections served by the fallback.
	if gemini.Calls() != 1 {
		t.Errorf("gemini calls = %d, want 1", gemini.Calls())
	}
	if claude.Calls() != 2 {
		t.Errorf("claude calls = %d, want 2", claude.Calls())
	}
	var providerWarnings int
	for _, in := range f.orch.Incidents() {
		if in.Kind == core.IncidentProvider && in.Severity == core.SeverityWarning {
			providerWarnings++
		}
	}
	if providerWarnings != 1 {
		t.Errorf("provider warnings = %d, want 1", providerWarnings)
	}
	if f.orch.Outcome() != core.OutcomeWithIncidents {
		t.Errorf("outcome = %q", f.orch.Outcome())
	}
}

func TestGenerateQuotaFallbackSuppressed(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").
		Fail(errors.NewExhausted("quota exceeded", "exhausted", nil))
	claude := escribatest.NewScriptedProvider("claude").Reply(content1)

	reg := llm.NewRegistry(gemini, claude)
	rt := router.New(router.Options{
		Providers: reg,
		Policies:  router.FromConfig(config.LLMConfig{}, config.FallbackConfig{OnQuota: false}),
		Retry:     resilience.NewRetryPolicy().WithRetries(0, 0).WithJitter(0).WithCap(0.1),
	})
	orch := New(Options{
		Router:          rt,
		Providers:       reg,
		FallbackOnQuota: false,
		Sleep:           func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})

	_, err := orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{})
	if err == nil {
		t.Fatal("suppressed fallback must let the exhaustion surface")
	}
	if errors.ClassOf(err) != errors.ClassExhausted {
		t.Errorf("err class = %s", errors.ClassOf(err))
	}
	if claude.Calls() != 0 {
		t.Errorf("claude calls = %d, want 0", claude.Calls())
	}
}

func TestGenerateFixedModeTerminalFailureCheckpoints(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").
		Fail(tlsError("write: SSLV3_ALERT_BAD_RECORD_MAC"))
	claude := escribatest.NewScriptedProvider("claude").Reply(content1)
	f := newFixture(t, false, gemini, claude)

	sel := &store.Selection{Provider: "gemini", Mode: "fixed"}
	_, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{Selection: sel})
	if err == nil {
		t.Fatal("fixed mode without contingency must raise")
	}
	// One attempt plus the single transient retry.
	if gemini.Calls() != 2 {
		t.Errorf("gemini calls = %d, want 2", gemini.Calls())
	}
	if claude.Calls() != 0 {
		t.Errorf("claude calls = %d, want 0", claude.Calls())
	}
	if f.orch.Outcome() != core.OutcomeFailed {
		t.Errorf("outcome = %q", f.orch.Outcome())
	}

	cp, cerr := f.mem.GetCheckpoint(context.Background(), "p1")
	if cerr != nil || cp == nil {
		t.Fatalf("checkpoint missing: %v, %+v", cerr, cp)
	}
	if cp.SavedSections != 0 || cp.LastFailedSectionPath != "Capítulo 1" {
		t.Errorf("checkpoint = %+v", cp)
	}
	if cp.Reason != string(errors.ClassTransient) {
		t.Errorf("checkpoint reason = %q", cp.Reason)
	}
}

func TestGenerateResumeFromSeed(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content2)
	f := newFixture(t, false, gemini)

	seed := []core.Section{{SectionID: "sec-0001", Path: "Capítulo 1", Content: content1}}
	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{Seed: seed})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(res.Sections))
	}
	if res.Sections[0].Content != content1 {
		t.Errorf("seeded section not kept byte-identical: %q", res.Sections[0].Content)
	}
	if gemini.Calls() != 1 {
		t.Errorf("gemini calls = %d, want exactly 1", gemini.Calls())
	}
}

func TestGenerateResumeDiscardsFromFirstGap(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content1).Reply(content2)
	f := newFixture(t, false, gemini)

	// The seed's first entry does not match sec-0001, so nothing is reused.
	seed := []core.Section{{SectionID: "sec-0009", Path: "Otra ruta", Content: "obsoleto"}}
	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{Seed: seed})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gemini.Calls() != 2 {
		t.Errorf("gemini calls = %d, want 2", gemini.Calls())
	}
	if res.Sections[0].Content != content1 {
		t.Errorf("stale seed leaked into the output: %q", res.Sections[0].Content)
	}
}

func TestGenerateResumeFromPersistedResult(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content2)
	f := newFixture(t, false, gemini)

	project := testProject()
	project.AIResult = &core.GenerationResult{
		Sections: []core.Section{{SectionID: "sec-0001", Path: "Capítulo 1", Content: content1}},
	}
	res, err := f.orch.Generate(context.Background(), project, twoChapterFormat(), "", RunOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Sections[0].Content != content1 || gemini.Calls() != 1 {
		t.Fatalf("persisted result not used as seed: calls=%d", gemini.Calls())
	}
}

func TestGenerateCleanupDegradesKeepsRawSections(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").
		Reply(content1).
		Reply(content2).
		Fail(tlsError("connection reset"))
	f := newFixture(t, true, gemini)

	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{})
	if err != nil {
		t.Fatalf("cleanup degradation must not fail the run: %v", err)
	}
	if res.Sections[0].Content != content1 || res.Sections[1].Content != content2 {
		t.Fatalf("raw sections not kept: %+v", res.Sections)
	}
	var degraded int
	for _, in := range f.orch.Incidents() {
		if in.Kind == core.IncidentDegraded {
			degraded++
		}
	}
	if degraded == 0 {
		t.Error("expected at least one degraded incident")
	}
	if f.orch.Outcome() != core.OutcomeWithIncidents {
		t.Errorf("outcome = %q", f.orch.Outcome())
	}
}

func TestGenerateCleanupErrorKeepsCompletedOutcome(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").
		Reply(content1).
		Reply(content2).
		Fail(errors.New(errors.ClassError, "respuesta malformada", nil))
	f := newFixture(t, true, gemini)

	sel := store.Selection{Provider: "gemini", Mode: "fixed"}
	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{Selection: &sel})
	if err != nil {
		t.Fatalf("cleanup failure must not fail the run: %v", err)
	}
	if res.Sections[0].Content != content1 || res.Sections[1].Content != content2 {
		t.Fatalf("raw sections not kept: %+v", res.Sections)
	}
	incidents := f.orch.Incidents()
	if len(incidents) == 0 {
		t.Fatal("expected the absorbed cleanup failure to be recorded")
	}
	for _, in := range incidents {
		if in.Severity == core.SeverityWarning {
			t.Fatalf("unexpected warning incident: %+v", in)
		}
	}
	// Error-severity incidents from the absorbed correction pass do not
	// move the outcome; only warnings do.
	if f.orch.Outcome() != core.OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", f.orch.Outcome(), core.OutcomeCompleted)
	}
}

func TestGenerateCleanupMergesByID(t *testing.T) {
	corrected := content1 + " Revisado con cuidado."
	reply := `{"sections":[{"sectionId":"sec-0001","content":"` + corrected + `"}]}`
	gemini := escribatest.NewScriptedProvider("gemini").
		Reply(content1).
		Reply(content2).
		Reply(reply)
	f := newFixture(t, true, gemini)

	res, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Sections[0].Content != corrected {
		t.Errorf("correction not merged: %q", res.Sections[0].Content)
	}
	// Missing ids keep their original content.
	if res.Sections[1].Content != content2 {
		t.Errorf("missing id must keep the original: %q", res.Sections[1].Content)
	}
}

func TestGenerateCancellationBeforeFirstSection(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content1)
	f := newFixture(t, false, gemini)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.Generate(ctx, testProject(), twoChapterFormat(), "", RunOptions{})
	if !errors.IsCancellation(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if f.orch.Outcome() != core.OutcomeFailed {
		t.Errorf("outcome = %q", f.orch.Outcome())
	}
}

func TestGeneratePartialSectionsAfterFailure(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").
		Reply(content1).
		Fail(errors.NewAuth("invalid api key", nil))
	f := newFixture(t, false, gemini)

	_, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{})
	if err == nil {
		t.Fatal("expected failure on the second section")
	}
	partial := f.orch.PartialSections()
	if len(partial) != 1 || partial[0].Content != content1 {
		t.Fatalf("partial sections = %+v", partial)
	}
	cp, _ := f.mem.GetCheckpoint(context.Background(), "p1")
	if cp == nil || cp.SavedSections != 1 || cp.LastFailedSectionPath != "Capítulo 2" {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestGenerateEmptyIndexFallsBackToSingleSection(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content1)
	f := newFixture(t, false, gemini)

	res, err := f.orch.Generate(context.Background(), testProject(), map[string]any{}, "", RunOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Sections) != 1 || res.Sections[0].Path != "Contenido" || res.Sections[0].SectionID != "sec-0001" {
		t.Fatalf("sections = %+v", res.Sections)
	}
}

func TestGenerateRedactsCredentialsFromEvents(t *testing.T) {
	const leaked = "sk-abcdef12345678"
	gemini := escribatest.NewScriptedProvider("gemini").
		Fail(errors.NewAuth("Bearer "+leaked+" rechazado", nil))
	claude := escribatest.NewScriptedProvider("claude").Reply(content1).Reply(content2)
	f := newFixture(t, false, gemini, claude)

	if _, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "", RunOptions{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, ev := range f.emitter.all() {
		for _, field := range []string{ev.Title, ev.Detail, ev.Preview} {
			if strings.Contains(field, leaked) {
				t.Fatalf("credential leaked in event %s: %q", ev.Step, field)
			}
		}
		for _, v := range ev.Meta {
			if s, ok := v.(string); ok && strings.Contains(s, leaked) {
				t.Fatalf("credential leaked in event meta of %s", ev.Step)
			}
		}
	}
}

func TestGenerateEmitsStableStepSequence(t *testing.T) {
	gemini := escribatest.NewScriptedProvider("gemini").Reply(content1).Reply(content2)
	f := newFixture(t, false, gemini)

	if _, err := f.orch.Generate(context.Background(), testProject(), twoChapterFormat(), "Tema: {{tema}}", RunOptions{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	seen := make(map[core.Step]bool)
	for _, ev := range f.emitter.all() {
		seen[ev.Step] = true
	}
	for _, step := range []core.Step{
		core.StepGenerateStart,
		core.StepPromptRender,
		core.StepSectionIndex,
		core.StepSection,
		core.StepCompleteness,
		core.StepValidation,
		core.StepGenerateDone,
	} {
		if !seen[step] {
			t.Errorf("step %s never emitted", step)
		}
	}
}

// tlsError is an untyped error so classification runs on the message.
type tlsError string

func (e tlsError) Error() string { return string(e) }
