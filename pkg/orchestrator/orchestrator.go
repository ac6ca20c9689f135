// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives a full generation run: selection resolution,
// prompt rendering, the per-section generation loop, the correction pass,
// completeness filling, and final validation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/format"
	"github.com/jllopis/escriba/pkg/llm"
	"github.com/jllopis/escriba/pkg/prompt"
	"github.com/jllopis/escriba/pkg/resilience"
	"github.com/jllopis/escriba/pkg/router"
	"github.com/jllopis/escriba/pkg/store"
	"github.com/jllopis/escriba/pkg/validate"
)

// DefaultInterSectionDelay is the pause between consecutive section calls.
const DefaultInterSectionDelay = 2 * time.Second

// previewLimit bounds the preview text attached to trace events.
const previewLimit = 160

// Options carries the orchestrator's collaborators. Router and Providers
// are required; the rest default to inert implementations.
type Options struct {
	Router     *router.Router
	Providers  *llm.Registry
	Selections store.SelectionStore
	Checkpoints store.CheckpointStore
	Emitter    core.EventEmitter
	Redactor   *core.Redactor
	Logger     *slog.Logger

	InterSectionDelay time.Duration
	// FallbackOnQuota enables the computed auto-mode fallback provider.
	FallbackOnQuota bool
	// CleanupEnabled turns the correction pass on. The run can still skip
	// it per call.
	CleanupEnabled bool

	// Sleep is injectable for tests; defaults to resilience.SleepChunked.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RunOptions are the per-run knobs of Generate.
type RunOptions struct {
	// Selection overrides the persisted provider selection for this run.
	Selection *store.Selection
	// Seed overrides the project's persisted sections as the resume seed.
	Seed []core.Section
	// SkipCleanup disables the correction pass for this run.
	SkipCleanup bool
	// CleanupTemplate overrides the embedded correction instructions.
	CleanupTemplate string
	TenantID        string
}

// Orchestrator owns the run state of the most recent Generate call. One
// orchestrator runs one generation at a time; concurrent runs need separate
// instances.
type Orchestrator struct {
	router      *router.Router
	providers   *llm.Registry
	selections  store.SelectionStore
	checkpoints store.CheckpointStore
	emitter     core.EventEmitter
	redactor    *core.Redactor
	logger      *slog.Logger
	delay       time.Duration
	fallbackOnQuota bool
	cleanup     bool
	sleep       func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	partial      []core.Section
	incidents    []core.Incident
	lastProvider string
	outcome      string
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Providers == nil {
		opts.Providers = llm.NewRegistry()
	}
	if opts.Router == nil {
		opts.Router = router.New(router.Options{Providers: opts.Providers})
	}
	if opts.Emitter == nil {
		opts.Emitter = core.NoopEmitter{}
	}
	if opts.Redactor == nil {
		opts.Redactor = core.NewRedactor()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InterSectionDelay <= 0 {
		opts.InterSectionDelay = DefaultInterSectionDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.SleepChunked
	}
	return &Orchestrator{
		router:          opts.Router,
		providers:       opts.Providers,
		selections:      opts.Selections,
		checkpoints:     opts.Checkpoints,
		emitter:         opts.Emitter,
		redactor:        opts.Redactor,
		logger:          opts.Logger,
		delay:           opts.InterSectionDelay,
		fallbackOnQuota: opts.FallbackOnQuota,
		cleanup:         opts.CleanupEnabled,
		sleep:           opts.Sleep,
	}
}

// PartialSections returns the sections produced so far, seed included. After
// a failed run it holds the resumable prefix.
func (o *Orchestrator) PartialSections() []core.Section {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.Section, len(o.partial))
	copy(out, o.partial)
	return out
}

// Incidents returns the incidents recorded during the last run.
func (o *Orchestrator) Incidents() []core.Incident {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.Incident, len(o.incidents))
	copy(out, o.incidents)
	return out
}

// LastProvider returns the provider that served the last successful call.
func (o *Orchestrator) LastProvider() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastProvider
}

// Outcome returns the classification of the last run: completed,
// completed_with_incidents, or failed.
func (o *Orchestrator) Outcome() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcome
}

// Generate runs the full pipeline for project against the format definition
// and base prompt template. On failure a resume checkpoint is persisted and
// the partial sections stay observable through PartialSections.
func (o *Orchestrator) Generate(ctx context.Context, project *core.Project, formatDef map[string]any, promptTemplate string, run RunOptions) (*core.GenerationResult, error) {
	if project == nil {
		return nil, errors.NewValidation("no hay proyecto para generar", nil)
	}
	ctx, runID := core.EnsureRunID(ctx)
	o.reset()

	o.emit(ctx, core.NewEvent(core.StepGenerateStart, core.StatusRunning,
		fmt.Sprintf("Iniciando generación del proyecto %q", project.Title)))

	sel := o.resolveSelection(ctx, run.Selection)
	chain, models := o.candidateChain(sel)

	base := o.renderBasePrompt(ctx, project, promptTemplate)
	refs := o.compileIndex(ctx, formatDef)

	sections, matched := seedSections(refs, resumeSeed(run, project))
	o.setPartial(sections)
	if matched > 0 {
		o.logger.Info("resuming from seed",
			slog.String("runId", runID),
			slog.Int("matchedSections", matched))
	}

	disabled := make(map[string]bool)
	generated := 0
	for i := matched; i < len(refs); i++ {
		ref := refs[i]
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, project, runID, ref.Path, errors.NewCancelled("generación cancelada", err))
		}
		if generated > 0 {
			if err := o.sleep(ctx, o.delay); err != nil {
				return o.fail(ctx, project, runID, ref.Path, errors.NewCancelled("generación cancelada durante la pausa", err))
			}
		}

		ev := core.NewEvent(core.StepSection, core.StatusRunning,
			fmt.Sprintf("Generando sección %d/%d: %s", i+1, len(refs), ref.Path))
		ev.Meta = map[string]any{"sectionId": ref.SectionID}
		o.emit(ctx, ev)

		req := router.Request{
			Phase:              router.PhaseGenerateSection,
			Prompt:             prompt.SectionPrompt(base, ref.Path, ref.SectionID, "", project.Variables),
			SectionID:          ref.SectionID,
			SectionPath:        ref.Path,
			TenantID:           tenantOf(run, project),
			RequestID:          uuid.NewString(),
			PreferredProvider:  chain[0],
			CandidateProviders: chain[1:],
			SelectionMode:      sel.Mode,
			Models:             models,
		}
		res, err := o.router.Call(ctx, req, disabled)
		if res != nil {
			o.recordIncidents(ctx, res.Incidents)
		}
		if err != nil {
			done := core.NewEvent(core.StepSection, core.StatusError,
				fmt.Sprintf("Fallo en la sección %s", ref.Path))
			done.Detail = err.Error()
			o.emit(ctx, done)
			return o.fail(ctx, project, runID, ref.Path, err)
		}

		sections = append(sections, core.Section{
			SectionID: ref.SectionID,
			Path:      ref.Path,
			Content:   res.Content,
		})
		o.setPartial(sections)
		o.setLastProvider(res.Provider)
		generated++

		status := core.StatusDone
		if len(res.Incidents) > 0 {
			status = core.StatusWarn
		}
		done := core.NewEvent(core.StepSection, status,
			fmt.Sprintf("Sección %d/%d lista (%s)", i+1, len(refs), res.Provider))
		done.Meta = map[string]any{"sectionId": ref.SectionID, "provider": res.Provider}
		done.Preview = preview(res.Content)
		o.emit(ctx, done)
	}

	if o.cleanup && !run.SkipCleanup {
		sections = o.runCleanup(ctx, project, run, sel, chain, models, sections)
		o.setPartial(sections)
	}

	o.runCompleteness(ctx, sections)

	result, warnings, err := validate.ValidateResult(&core.GenerationResult{Sections: sections})
	if err != nil {
		ev := core.NewEvent(core.StepValidation, core.StatusError, "La validación estructural falló")
		ev.Detail = err.Error()
		o.emit(ctx, ev)
		return o.fail(ctx, project, runID, "", err)
	}
	for _, w := range warnings {
		o.recordIncident(ctx, core.Incident{
			Timestamp: time.Now().UTC(),
			Severity:  core.SeverityWarning,
			Phase:     "validation",
			Message:   w,
			Kind:      core.IncidentValidation,
		})
	}
	status := core.StatusDone
	if len(warnings) > 0 {
		status = core.StatusWarn
	}
	ev := core.NewEvent(core.StepValidation, status,
		fmt.Sprintf("Validación completada: %d secciones, %d avisos", len(result.Sections), len(warnings)))
	o.emit(ctx, ev)

	if o.checkpoints != nil {
		if cerr := o.checkpoints.ClearCheckpoint(ctx, project.ID); cerr != nil {
			o.logger.Warn("checkpoint clear failed", slog.String("error", cerr.Error()))
		}
	}

	outcome := core.OutcomeCompleted
	if o.hasWarnings() {
		outcome = core.OutcomeWithIncidents
	}
	o.setOutcome(outcome)

	final := core.NewEvent(core.StepGenerateDone, core.StatusDone, "Generación finalizada")
	final.Meta = map[string]any{
		"outcome":  outcome,
		"sections": len(result.Sections),
		"provider": o.LastProvider(),
		"runId":    runID,
	}
	o.emit(ctx, final)
	return result, nil
}

// resolveSelection applies the precedence runtime override > persisted
// selection > defaults.
func (o *Orchestrator) resolveSelection(ctx context.Context, override *store.Selection) store.Selection {
	if override != nil {
		norm, err := store.NormalizeSelection(*override)
		if err == nil {
			return norm
		}
		o.logger.Warn("invalid selection override ignored", slog.String("error", err.Error()))
	}
	if o.selections != nil {
		if sel, err := o.selections.GetSelection(ctx); err == nil && sel != nil {
			return *sel
		}
	}
	return store.Selection{Provider: llm.ProviderGemini, Mode: "auto"}
}

// candidateChain builds the two-provider chain for the run. In auto mode a
// missing fallback is computed as the first usable alternative, unless the
// quota fallback is disabled.
func (o *Orchestrator) candidateChain(sel store.Selection) ([]string, map[string]string) {
	models := make(map[string]string)
	if sel.Model != "" {
		models[sel.Provider] = sel.Model
	}

	fallback := sel.FallbackProvider
	if fallback == "" && sel.Mode == "auto" && o.fallbackOnQuota {
		fallback = o.firstUsableAlternative(sel.Provider)
	}
	if fallback == "" {
		return []string{sel.Provider}, models
	}
	if sel.FallbackModel != "" {
		models[fallback] = sel.FallbackModel
	}
	return []string{sel.Provider, fallback}, models
}

// firstUsableAlternative scans the known providers in canonical order for a
// configured, non-exhausted alternative to primary.
func (o *Orchestrator) firstUsableAlternative(primary string) string {
	metrics := o.router.Metrics()
	for _, name := range llm.KnownProviders() {
		if name == primary {
			continue
		}
		p, ok := o.providers.Get(name)
		if !ok {
			continue
		}
		if metrics.Usable(name, p.Configured()) {
			return name
		}
	}
	return ""
}

// renderBasePrompt renders the project template and falls back to a generic
// instruction when the rendered text is empty.
func (o *Orchestrator) renderBasePrompt(ctx context.Context, project *core.Project, template string) string {
	var missing []string
	base := prompt.Render(template, project.Variables, func(m []string) { missing = m })
	base = strings.TrimSpace(base)

	status := core.StatusDone
	detail := ""
	if len(missing) > 0 {
		status = core.StatusWarn
		detail = "variables sin valor: " + strings.Join(missing, ", ")
	}
	if base == "" {
		base = fmt.Sprintf("Proyecto: %s. Redacta el contenido solicitado con rigor académico y en español formal.", project.Title)
	}
	ev := core.NewEvent(core.StepPromptRender, status, "Prompt base preparado")
	ev.Detail = detail
	ev.Preview = preview(base)
	o.emit(ctx, ev)
	return base
}

// compileIndex compiles the section index, defaulting to a single generic
// section when the format yields nothing.
func (o *Orchestrator) compileIndex(ctx context.Context, formatDef map[string]any) []format.SectionRef {
	refs := format.CompileSectionIndex(formatDef)
	if len(refs) == 0 {
		refs = []format.SectionRef{{SectionID: "sec-0001", Path: "Contenido", Level: 1, Kind: format.KindHeading}}
	}
	ev := core.NewEvent(core.StepSectionIndex, core.StatusDone,
		fmt.Sprintf("Índice compilado: %d secciones", len(refs)))
	o.emit(ctx, ev)
	return refs
}

// runCompleteness detects placeholder leftovers, fills the known section
// types, and records the residual issues as warnings.
func (o *Orchestrator) runCompleteness(ctx context.Context, sections []core.Section) {
	issues := validate.Detect(sections)
	residual := validate.Fill(sections, issues)
	for _, issue := range residual {
		msg := fmt.Sprintf("contenido incompleto (%s)", issue.Kind)
		if issue.Sample != "" {
			msg += ": " + issue.Sample
		}
		o.recordIncident(ctx, core.Incident{
			Timestamp:   time.Now().UTC(),
			Severity:    core.SeverityWarning,
			Phase:       "completeness",
			Message:     msg,
			SectionID:   issue.SectionID,
			SectionPath: issue.Path,
			Kind:        core.IncidentCompleteness,
		})
	}
	status := core.StatusDone
	if len(residual) > 0 {
		status = core.StatusWarn
	}
	ev := core.NewEvent(core.StepCompleteness, status,
		fmt.Sprintf("Revisión de completitud: %d hallazgos, %d autocompletados", len(issues), len(issues)-len(residual)))
	o.emit(ctx, ev)
}

// fail persists the resume checkpoint and records the failed outcome before
// propagating err.
func (o *Orchestrator) fail(ctx context.Context, project *core.Project, runID, sectionPath string, err error) (*core.GenerationResult, error) {
	o.setOutcome(core.OutcomeFailed)
	if o.checkpoints != nil {
		cp := store.Checkpoint{
			SavedSections:         len(o.PartialSections()),
			LastFailedSectionPath: sectionPath,
			Reason:                string(errors.ClassOf(err)),
			BaseRunID:             runID,
		}
		// Checkpoint writes use a detached context so a cancelled run can
		// still leave its resume marker.
		if cerr := o.checkpoints.PutCheckpoint(context.WithoutCancel(ctx), project.ID, cp); cerr != nil {
			o.logger.Warn("checkpoint write failed", slog.String("error", cerr.Error()))
		}
	}
	ev := core.NewEvent(core.StepGenerateDone, core.StatusError, "Generación interrumpida")
	ev.Detail = err.Error()
	o.emit(ctx, ev)
	return nil, err
}

func (o *Orchestrator) recordIncidents(ctx context.Context, incidents []core.Incident) {
	for _, in := range incidents {
		o.recordIncident(ctx, in)
	}
}

func (o *Orchestrator) recordIncident(ctx context.Context, in core.Incident) {
	o.mu.Lock()
	o.incidents = append(o.incidents, in)
	o.mu.Unlock()

	status := core.StatusWarn
	if in.Severity == core.SeverityError {
		status = core.StatusError
	}
	ev := core.NewEvent(core.StepIncident(in.Phase), status, in.Message)
	ev.Meta = map[string]any{"kind": in.Kind, "provider": in.Provider}
	if in.SectionID != "" {
		ev.Meta["sectionId"] = in.SectionID
	}
	o.emit(ctx, ev)
}

// emit redacts and forwards one trace event.
func (o *Orchestrator) emit(ctx context.Context, ev core.Event) {
	o.emitter.Emit(ctx, o.redactor.RedactEvent(ev))
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partial = nil
	o.incidents = nil
	o.lastProvider = ""
	o.outcome = ""
}

func (o *Orchestrator) setPartial(sections []core.Section) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partial = make([]core.Section, len(sections))
	copy(o.partial, sections)
}

func (o *Orchestrator) setLastProvider(name string) {
	if name == llm.ProviderDegraded {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastProvider = name
}

func (o *Orchestrator) setOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcome = outcome
}

// hasWarnings reports whether any warning-severity incident was recorded.
// Only those move the outcome to completed_with_incidents; error-severity
// incidents from absorbed non-critical failures do not.
func (o *Orchestrator) hasWarnings() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, inc := range o.incidents {
		if inc.Severity == core.SeverityWarning {
			return true
		}
	}
	return false
}

// resumeSeed picks the seed sections: an explicit override wins over the
// project's persisted result.
func resumeSeed(run RunOptions, project *core.Project) []core.Section {
	if run.Seed != nil {
		return run.Seed
	}
	if project.AIResult != nil {
		return project.AIResult.Sections
	}
	return nil
}

// seedSections matches the seed against the compiled index by SectionID with
// Path as fallback, keeps the leading contiguous matches verbatim, and
// discards everything from the first gap.
func seedSections(refs []format.SectionRef, seed []core.Section) ([]core.Section, int) {
	matched := 0
	for matched < len(seed) && matched < len(refs) {
		s := seed[matched]
		ref := refs[matched]
		if s.SectionID != ref.SectionID && s.Path != ref.Path {
			break
		}
		matched++
	}
	out := make([]core.Section, 0, len(refs))
	for i := 0; i < matched; i++ {
		out = append(out, core.Section{
			SectionID: refs[i].SectionID,
			Path:      refs[i].Path,
			Content:   seed[i].Content,
		})
	}
	return out, matched
}

func tenantOf(run RunOptions, project *core.Project) string {
	if run.TenantID != "" {
		return run.TenantID
	}
	return project.ID
}

func preview(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= previewLimit {
		return string(runes)
	}
	return string(runes[:previewLimit]) + "…"
}
