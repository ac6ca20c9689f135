package core

import (
	"context"
	"time"
)

// Step identifies a stable point in the generation pipeline. Consumers key
// progress UIs off these values, so they never change between releases.
type Step string

const (
	StepGenerateStart Step = "ai.generate.start"
	StepPromptRender  Step = "prompt.render"
	StepSectionIndex  Step = "format.section_index"
	StepSection       Step = "ai.generate.section"
	StepDegraded      Step = "ai.provider.degraded"
	StepCorrection    Step = "ai.correction"
	StepCompleteness  Step = "ai.completeness"
	StepValidation    Step = "ai.validation"
	StepGenerateDone  Step = "ai.generate.done"
)

// StepIncident returns the incident step id for a phase, e.g.
// "ai.incident.generate_section".
func StepIncident(phase string) Step {
	return Step("ai.incident." + phase)
}

// Event status values.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusWarn    = "warn"
	StatusError   = "error"
)

// Event is one entry in the trace stream exposed to callers. Preview and
// Detail must already be redacted when the event is emitted.
type Event struct {
	Step      Step           `json:"step"`
	Status    string         `json:"status"`
	Title     string         `json:"title"`
	Detail    string         `json:"detail,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Preview   string         `json:"preview,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventEmitter receives trace events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements EventEmitter.
func (NoopEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event with the current timestamp.
func NewEvent(step Step, status, title string) Event {
	return Event{
		Step:      step,
		Status:    status,
		Title:     title,
		Timestamp: time.Now().UTC(),
	}
}
