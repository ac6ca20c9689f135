package core

import "time"

// Section is one generated section body. Content is plain UTF-8 text with no
// markup. Empty content is valid (a dropped TOC or skipped node) but the
// validator excludes such sections from its output.
type Section struct {
	SectionID string `json:"sectionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// GenerationResult is the payload handed to the HTTP layer and persisted on
// the project as aiResult.
type GenerationResult struct {
	Sections []Section `json:"sections"`
}

// Project is the slice of project state the core reads. Mutations go back
// through the store; the core never owns the persisted format.
type Project struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Variables map[string]string `json:"variables"`
	AIResult  *GenerationResult `json:"aiResult,omitempty"`
	RunID     string            `json:"runId,omitempty"`
}

// SkipSentinel is the marker a model returns for sections that must not be
// generated, typically children of an index heading. The sanitizer maps it
// to empty content.
const SkipSentinel = "<<SKIP_SECTION>>"

// Incident severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Incident kinds.
const (
	IncidentProvider     = "provider"
	IncidentRetry        = "retry"
	IncidentCircuitOpen  = "circuit_open"
	IncidentDegraded     = "degraded"
	IncidentFixedMode    = "fixed_mode_fallback"
	IncidentCompleteness = "completeness"
	IncidentValidation   = "validation"
)

// Incident is a structured warning or error attached to a run. A run can
// complete with incidents; they are not raised errors.
type Incident struct {
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"`
	Phase       string    `json:"phase"`
	Provider    string    `json:"provider"`
	Message     string    `json:"message"`
	SectionID   string    `json:"sectionId,omitempty"`
	SectionPath string    `json:"sectionPath,omitempty"`
	Kind        string    `json:"kind"`
}

// Run outcomes.
const (
	OutcomeCompleted     = "completed"
	OutcomeWithIncidents = "completed_with_incidents"
	OutcomeFailed        = "failed"
)
