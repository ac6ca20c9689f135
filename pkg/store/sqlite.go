// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/escriba/pkg/core"
)

// SQLite persists projects, the provider selection, and resume checkpoints
// in a single database file. Variable maps, results, and checkpoints are
// stored as JSON blobs; the schema stays flat.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing database handle and ensures the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			variables  TEXT NOT NULL DEFAULT '{}',
			ai_result  TEXT,
			run_id     TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS provider_selection (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			payload    TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			project_id TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

// GetSelection implements SelectionStore. Nil when nothing is persisted.
func (s *SQLite) GetSelection(ctx context.Context) (*Selection, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM provider_selection WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sel Selection
	if err := json.Unmarshal([]byte(payload), &sel); err != nil {
		return nil, fmt.Errorf("decoding persisted selection: %w", err)
	}
	return &sel, nil
}

// PutSelection implements SelectionStore. The selection is normalized before
// it is written.
func (s *SQLite) PutSelection(ctx context.Context, sel Selection) error {
	normalized, err := NormalizeSelection(sel)
	if err != nil {
		return err
	}
	normalized.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_selection (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, string(payload), normalized.UpdatedAt)
	return err
}

// GetProject implements ProjectStore.
func (s *SQLite) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var (
		p         core.Project
		variables string
		aiResult  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, variables, ai_result, run_id FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Title, &variables, &aiResult, &p.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(variables), &p.Variables); err != nil {
		return nil, fmt.Errorf("decoding project variables: %w", err)
	}
	if aiResult.Valid && aiResult.String != "" {
		var res core.GenerationResult
		if err := json.Unmarshal([]byte(aiResult.String), &res); err != nil {
			return nil, fmt.Errorf("decoding persisted result: %w", err)
		}
		p.AIResult = &res
	}
	return &p, nil
}

// PutProject implements ProjectStore.
func (s *SQLite) PutProject(ctx context.Context, p core.Project) error {
	if p.ID == "" {
		return errors.New("project requires an id")
	}
	variables, err := json.Marshal(orEmpty(p.Variables))
	if err != nil {
		return err
	}
	var aiResult any
	if p.AIResult != nil {
		encoded, err := json.Marshal(p.AIResult)
		if err != nil {
			return err
		}
		aiResult = string(encoded)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, title, variables, ai_result, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			variables = excluded.variables,
			ai_result = excluded.ai_result,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`, p.ID, p.Title, string(variables), aiResult, p.RunID, time.Now().UTC())
	return err
}

// SaveResult implements ProjectStore.
func (s *SQLite) SaveResult(ctx context.Context, id string, res *core.GenerationResult) error {
	var payload any
	if res != nil {
		encoded, err := json.Marshal(res)
		if err != nil {
			return err
		}
		payload = string(encoded)
	}
	return s.update(ctx, id,
		`UPDATE projects SET ai_result = ?, updated_at = ? WHERE id = ?`,
		payload, time.Now().UTC(), id)
}

// SetRunID implements ProjectStore.
func (s *SQLite) SetRunID(ctx context.Context, id, runID string) error {
	return s.update(ctx, id,
		`UPDATE projects SET run_id = ?, updated_at = ? WHERE id = ?`,
		runID, time.Now().UTC(), id)
}

// GetCheckpoint implements CheckpointStore. Nil when no checkpoint exists.
func (s *SQLite) GetCheckpoint(ctx context.Context, projectID string) (*Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE project_id = ?`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}

// PutCheckpoint implements CheckpointStore.
func (s *SQLite) PutCheckpoint(ctx context.Context, projectID string, cp Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (project_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, projectID, string(payload), cp.UpdatedAt)
	return err
}

// ClearCheckpoint implements CheckpointStore.
func (s *SQLite) ClearCheckpoint(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE project_id = ?`, projectID)
	return err
}

func (s *SQLite) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("project %q not found", id)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var (
	_ SelectionStore  = (*SQLite)(nil)
	_ ProjectStore    = (*SQLite)(nil)
	_ CheckpointStore = (*SQLite)(nil)
)
