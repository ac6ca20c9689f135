// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jllopis/escriba/pkg/config"
	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/format"
	"github.com/jllopis/escriba/pkg/orchestrator"
	"github.com/jllopis/escriba/pkg/store"
)

type generateResult struct {
	RunID     string                 `json:"runId"`
	Outcome   string                 `json:"outcome"`
	Provider  string                 `json:"provider,omitempty"`
	Sections  int                    `json:"sections"`
	Warnings  []string               `json:"warnings,omitempty"`
	Incidents []core.Incident        `json:"incidents,omitempty"`
	Result    *core.GenerationResult `json:"result,omitempty"`
}

func runGenerate(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	projectPath := fs.String("project", "", "project JSON file")
	projectID := fs.String("id", "", "project id in the store (alternative to --project)")
	formatPath := fs.String("format", "", "format definition file (YAML or JSON)")
	templatePath := fs.String("template", "", "base prompt template file")
	outPath := fs.String("out", "", "write the result JSON to this path")
	provider := fs.String("provider", "", "override the selected provider for this run")
	model := fs.String("model", "", "override the model for this run")
	fallback := fs.String("fallback", "", "override the fallback provider for this run")
	mode := fs.String("mode", "", "selection mode: auto or fixed")
	noCleanup := fs.Bool("no-cleanup", false, "skip the correction pass")
	noResume := fs.Bool("no-resume", false, "ignore persisted sections and start from scratch")
	tenant := fs.String("tenant", "", "tenant id for the concurrency gates")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	ensureNoArgs(fs.Args())

	if *formatPath == "" {
		fatal(fmt.Errorf("--format is required"))
	}
	if *projectPath == "" && *projectID == "" {
		fatal(fmt.Errorf("--project or --id is required"))
	}

	c, err := newCore(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer c.Close(context.Background())

	c.watchConfig(ctx, configPathFromArgs(global.ConfigArgs))

	project, err := loadProject(ctx, c, *projectPath, *projectID)
	if err != nil {
		fatal(err)
	}
	formatDef, err := format.LoadFile(*formatPath)
	if err != nil {
		fatal(fmt.Errorf("format %s: %w", *formatPath, err))
	}
	template := ""
	if *templatePath != "" {
		raw, err := os.ReadFile(*templatePath)
		if err != nil {
			fatal(fmt.Errorf("template %s: %w", *templatePath, err))
		}
		template = string(raw)
	}

	run := orchestrator.RunOptions{
		SkipCleanup: *noCleanup,
		TenantID:    *tenant,
	}
	if *provider != "" {
		run.Selection = &store.Selection{
			Provider:         *provider,
			Model:            *model,
			FallbackProvider: *fallback,
			Mode:             *mode,
		}
	}
	if *noResume {
		project.AIResult = nil
	}

	orch := orchestrator.New(orchestrator.Options{
		Router:            c.router,
		Providers:         c.providers,
		Selections:        c.store,
		Checkpoints:       c.store,
		Emitter:           logEmitter{logger: c.logger},
		Redactor:          c.redactor,
		Logger:            c.logger,
		InterSectionDelay: secondsDuration(cfg.Generation.InterSectionDelaySeconds),
		FallbackOnQuota:   cfg.Fallback.OnQuota,
		CleanupEnabled:    !*noCleanup,
	})

	ctx = core.WithRunID(ctx, core.NewRunID())
	runID, _ := core.RunIDFrom(ctx)

	res, err := orch.Generate(ctx, project, formatDef, template, run)
	if err != nil {
		partial := orch.PartialSections()
		c.logger.Error("generation failed",
			slog.String("runId", runID),
			slog.Int("partialSections", len(partial)),
			slog.String("error", err.Error()))
		if len(partial) > 0 {
			fmt.Fprintln(os.Stderr, "checkpoint saved; re-run with the same project to resume")
		}
		fatal(err)
	}

	if project.ID != "" {
		if err := c.store.SaveResult(ctx, project.ID, res); err != nil {
			c.logger.Warn("result not persisted", slog.String("error", err.Error()))
		}
		if err := c.store.SetRunID(ctx, project.ID, runID); err != nil {
			c.logger.Warn("run id not persisted", slog.String("error", err.Error()))
		}
	}

	summary := generateResult{
		RunID:     runID,
		Outcome:   orch.Outcome(),
		Provider:  orch.LastProvider(),
		Sections:  len(res.Sections),
		Incidents: orch.Incidents(),
	}

	if *outPath != "" {
		payload, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fatal(err)
		}
		if err := os.WriteFile(*outPath, append(payload, '\n'), 0o644); err != nil {
			fatal(err)
		}
	} else {
		summary.Result = res
	}

	if global.JSON || *outPath == "" {
		printJSON(summary)
		return
	}
	w := newTabWriter()
	writeRow(w, "RUN", "OUTCOME", "PROVIDER", "SECTIONS", "INCIDENTS")
	writeRow(w, summary.RunID, summary.Outcome, summary.Provider,
		fmt.Sprint(summary.Sections), fmt.Sprint(len(summary.Incidents)))
	_ = w.Flush()
}

func loadProject(ctx context.Context, c *Core, path, id string) (*core.Project, error) {
	if id != "" {
		project, err := c.store.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		if project == nil {
			return nil, fmt.Errorf("project %q not found in %s", id, c.cfg.Store.Path)
		}
		return project, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", path, err)
	}
	var project core.Project
	if err := json.Unmarshal(raw, &project); err != nil {
		return nil, fmt.Errorf("project %s: %w", path, err)
	}
	return &project, nil
}

// logEmitter writes every trace event to the structured log so terminal
// runs show pipeline progress without a separate event sink.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(_ context.Context, ev core.Event) {
	level := slog.LevelInfo
	switch ev.Status {
	case core.StatusWarn:
		level = slog.LevelWarn
	case core.StatusError:
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("step", string(ev.Step)),
		slog.String("status", ev.Status),
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	e.logger.Log(context.Background(), level, ev.Title, attrs...)
}
