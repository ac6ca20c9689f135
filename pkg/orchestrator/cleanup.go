// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/router"
	"github.com/jllopis/escriba/pkg/store"
)

// defaultCleanupTemplate is the embedded correction instruction set. A run
// can override it through RunOptions.CleanupTemplate.
const defaultCleanupTemplate = `Eres un corrector de estilo académico. Recibirás un documento como JSON con la forma {"sections":[{"sectionId","path","content"}]}.

Corrige ortografía, gramática y cohesión de cada contenido sin alterar su significado ni su extensión de forma apreciable.

Reglas estrictas:
- Devuelve únicamente JSON válido con la misma forma {"sections":[{"sectionId","content"}]}.
- Conserva cada sectionId exactamente como lo recibiste.
- No añadas ni elimines secciones.
- El contenido debe seguir siendo texto plano, sin markdown.`

// runCleanup executes the correction phase over the generated sections. The
// phase is degradable: a degraded or unparseable reply keeps the originals
// and the run continues.
func (o *Orchestrator) runCleanup(ctx context.Context, project *core.Project, run RunOptions, sel store.Selection, chain []string, models map[string]string, sections []core.Section) []core.Section {
	o.emit(ctx, core.NewEvent(core.StepCorrection, core.StatusRunning, "Aplicando corrección de estilo"))

	payload, err := json.Marshal(core.GenerationResult{Sections: sections})
	if err != nil {
		o.logger.Warn("cleanup serialization failed", slog.String("error", err.Error()))
		return sections
	}

	template := run.CleanupTemplate
	if strings.TrimSpace(template) == "" {
		template = defaultCleanupTemplate
	}

	req := router.Request{
		Phase:              router.PhaseCleanupCorrection,
		Prompt:             template,
		Context:            string(payload),
		TenantID:           tenantOf(run, project),
		RequestID:          uuid.NewString(),
		PreferredProvider:  chain[0],
		CandidateProviders: chain[1:],
		SelectionMode:      sel.Mode,
		Models:             models,
	}
	res, err := o.router.Call(ctx, req, make(map[string]bool))
	if res != nil {
		o.recordIncidents(ctx, res.Incidents)
	}
	if err != nil {
		o.logger.Warn("cleanup call failed, keeping raw sections", slog.String("error", err.Error()))
		ev := core.NewEvent(core.StepCorrection, core.StatusWarn, "Corrección omitida; se conservan las secciones originales")
		ev.Detail = err.Error()
		o.emit(ctx, ev)
		return sections
	}

	if res.Status == router.StatusDegraded {
		ev := core.NewEvent(core.StepDegraded, core.StatusWarn,
			"Corrección degradada: sin proveedores disponibles, se conservan las secciones originales")
		o.emit(ctx, ev)
		return sections
	}

	corrected, ok := decodeCorrected(res.Content)
	if !ok {
		o.recordIncident(ctx, core.Incident{
			Timestamp: time.Now().UTC(),
			Severity:  core.SeverityWarning,
			Phase:     router.PhaseCleanupCorrection,
			Provider:  res.Provider,
			Message:   "la respuesta de corrección no es JSON reparable; se conservan las secciones originales",
			Kind:      core.IncidentValidation,
		})
		ev := core.NewEvent(core.StepCorrection, core.StatusWarn, "Respuesta de corrección descartada")
		o.emit(ctx, ev)
		return sections
	}

	merged, applied, rejected := mergeCorrected(sections, corrected)
	for _, id := range rejected {
		o.recordIncident(ctx, core.Incident{
			Timestamp: time.Now().UTC(),
			Severity:  core.SeverityWarning,
			Phase:     router.PhaseCleanupCorrection,
			Provider:  res.Provider,
			Message:   "contenido corregido no textual descartado",
			SectionID: id,
			Kind:      core.IncidentValidation,
		})
	}
	ev := core.NewEvent(core.StepCorrection, core.StatusDone,
		fmt.Sprintf("Corrección aplicada a %d de %d secciones (%s)", applied, len(sections), res.Provider))
	o.emit(ctx, ev)
	return merged
}

// correctedSection keeps Content raw so non-string values can be rejected
// per section instead of failing the whole parse.
type correctedSection struct {
	SectionID string          `json:"sectionId"`
	Content   json.RawMessage `json:"content"`
}

type correctedPayload struct {
	Sections []correctedSection `json:"sections"`
}

// decodeCorrected parses the correction reply through the repair ladder:
// direct parse, fence stripping, outermost-brace window, and finally a
// jsonrepair pass. A reply that still fails is discarded, not an error.
func decodeCorrected(raw string) ([]correctedSection, bool) {
	candidates := []string{raw, stripFences(raw), braceWindow(raw)}
	if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
		candidates = append(candidates, repaired)
	}
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		var payload correctedPayload
		if err := json.Unmarshal([]byte(c), &payload); err == nil && len(payload.Sections) > 0 {
			return payload.Sections, true
		}
	}
	return nil, false
}

// stripFences removes a surrounding triple-backtick fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// braceWindow cuts the substring between the first '{' and the last '}'.
func braceWindow(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// mergeCorrected merges corrected content into the original sections by
// SectionID, never by position. Originals are kept for missing ids and for
// corrections whose content is not a non-empty string.
func mergeCorrected(sections []core.Section, corrected []correctedSection) (merged []core.Section, applied int, rejected []string) {
	byID := make(map[string]string, len(corrected))
	for _, c := range corrected {
		if c.SectionID == "" {
			continue
		}
		var content string
		if err := json.Unmarshal(c.Content, &content); err != nil {
			rejected = append(rejected, c.SectionID)
			continue
		}
		if strings.TrimSpace(content) == "" {
			rejected = append(rejected, c.SectionID)
			continue
		}
		byID[c.SectionID] = content
	}

	merged = make([]core.Section, len(sections))
	copy(merged, sections)
	for i := range merged {
		if content, ok := byID[merged[i].SectionID]; ok {
			merged[i].Content = content
			applied++
		}
	}
	return merged, applied, rejected
}
