// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jllopis/escriba/pkg/core"
)

// Memory is an in-process implementation of the three store contracts, used
// by tests and ephemeral runs.
type Memory struct {
	mu          sync.Mutex
	selection   *Selection
	projects    map[string]core.Project
	checkpoints map[string]Checkpoint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:    make(map[string]core.Project),
		checkpoints: make(map[string]Checkpoint),
	}
}

// GetSelection implements SelectionStore. Nil when nothing is persisted.
func (m *Memory) GetSelection(_ context.Context) (*Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selection == nil {
		return nil, nil
	}
	sel := *m.selection
	return &sel, nil
}

// PutSelection implements SelectionStore. The selection is normalized first.
func (m *Memory) PutSelection(_ context.Context, sel Selection) error {
	normalized, err := NormalizeSelection(sel)
	if err != nil {
		return err
	}
	normalized.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selection = &normalized
	return nil
}

// GetProject implements ProjectStore.
func (m *Memory) GetProject(_ context.Context, id string) (*core.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q not found", id)
	}
	return &p, nil
}

// PutProject implements ProjectStore.
func (m *Memory) PutProject(_ context.Context, p core.Project) error {
	if p.ID == "" {
		return fmt.Errorf("project requires an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

// SaveResult implements ProjectStore.
func (m *Memory) SaveResult(_ context.Context, id string, res *core.GenerationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("project %q not found", id)
	}
	p.AIResult = res
	m.projects[id] = p
	return nil
}

// SetRunID implements ProjectStore.
func (m *Memory) SetRunID(_ context.Context, id, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("project %q not found", id)
	}
	p.RunID = runID
	m.projects[id] = p
	return nil
}

// GetCheckpoint implements CheckpointStore. Nil when no checkpoint exists.
func (m *Memory) GetCheckpoint(_ context.Context, projectID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[projectID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// PutCheckpoint implements CheckpointStore.
func (m *Memory) PutCheckpoint(_ context.Context, projectID string, cp Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[projectID] = cp
	return nil
}

// ClearCheckpoint implements CheckpointStore.
func (m *Memory) ClearCheckpoint(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, projectID)
	return nil
}

var (
	_ SelectionStore  = (*Memory)(nil)
	_ ProjectStore    = (*Memory)(nil)
	_ CheckpointStore = (*Memory)(nil)
)
