// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence contracts the core consumes and the
// SQLite and in-memory implementations backing them.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/llm"
)

// Selection is the persisted provider selection. It is stored as one JSON
// blob; normalization happens on write, never on read.
type Selection struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	FallbackProvider string    `json:"fallbackProvider,omitempty"`
	FallbackModel    string    `json:"fallbackModel,omitempty"`
	Mode             string    `json:"mode"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Checkpoint is the resume marker written when a critical failure interrupts
// a generation run and cleared on successful completion.
type Checkpoint struct {
	SavedSections         int       `json:"savedSectionsCount"`
	LastFailedSectionPath string    `json:"lastFailedSectionPath,omitempty"`
	Reason                string    `json:"reason,omitempty"`
	BaseRunID             string    `json:"baseRunId,omitempty"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// SelectionStore persists the provider selection.
type SelectionStore interface {
	GetSelection(ctx context.Context) (*Selection, error)
	PutSelection(ctx context.Context, sel Selection) error
}

// ProjectStore reads project state and writes back the mutations the
// orchestrator delegates. The core never owns the persisted format.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*core.Project, error)
	PutProject(ctx context.Context, p core.Project) error
	SaveResult(ctx context.Context, id string, res *core.GenerationResult) error
	SetRunID(ctx context.Context, id, runID string) error
}

// CheckpointStore persists resume checkpoints per project.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, projectID string) (*Checkpoint, error)
	PutCheckpoint(ctx context.Context, projectID string, cp Checkpoint) error
	ClearCheckpoint(ctx context.Context, projectID string) error
}

// NormalizeSelection validates and canonicalizes a selection before it is
// persisted: providers must be known, each model string must carry its
// provider token, the fallback cannot equal the primary, and the mode is
// auto or fixed (auto by default).
func NormalizeSelection(sel Selection) (Selection, error) {
	sel.Provider = strings.ToLower(strings.TrimSpace(sel.Provider))
	sel.FallbackProvider = strings.ToLower(strings.TrimSpace(sel.FallbackProvider))
	sel.Mode = strings.ToLower(strings.TrimSpace(sel.Mode))

	if !llm.IsKnownProvider(sel.Provider) {
		return Selection{}, fmt.Errorf("unknown provider %q", sel.Provider)
	}
	if sel.FallbackProvider != "" {
		if !llm.IsKnownProvider(sel.FallbackProvider) {
			return Selection{}, fmt.Errorf("unknown fallback provider %q", sel.FallbackProvider)
		}
		if sel.FallbackProvider == sel.Provider {
			return Selection{}, fmt.Errorf("fallback provider cannot equal the primary")
		}
	}
	if sel.Model != "" && !modelMatchesProvider(sel.Provider, sel.Model) {
		return Selection{}, fmt.Errorf("model %q does not belong to provider %s", sel.Model, sel.Provider)
	}
	if sel.FallbackModel != "" {
		if sel.FallbackProvider == "" {
			return Selection{}, fmt.Errorf("fallback model without a fallback provider")
		}
		if !modelMatchesProvider(sel.FallbackProvider, sel.FallbackModel) {
			return Selection{}, fmt.Errorf("model %q does not belong to provider %s", sel.FallbackModel, sel.FallbackProvider)
		}
	}
	switch sel.Mode {
	case "":
		sel.Mode = "auto"
	case "auto", "fixed":
	default:
		return Selection{}, fmt.Errorf("invalid selection mode %q", sel.Mode)
	}
	return sel, nil
}

// modelMatchesProvider enforces the per-provider model keyword filter: the
// model string must contain the provider token.
func modelMatchesProvider(provider, model string) bool {
	return strings.Contains(strings.ToLower(model), provider)
}
