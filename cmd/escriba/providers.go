// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jllopis/escriba/pkg/config"
	"github.com/jllopis/escriba/pkg/llm"
)

func runProviders(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("providers", flag.ExitOnError)
	probeFirst := fs.Bool("probe", false, "probe every provider before reporting")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	ensureNoArgs(fs.Args())

	c, err := newCore(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer c.Close(context.Background())

	if *probeFirst {
		llm.ProbeAll(ctx, c.providers, c.metrics, secondsDuration(cfg.Generation.ProbeTimeoutSeconds))
	}

	sel := c.currentSelection(ctx)
	payload := llm.BuildStatus(llm.StatusRequest{
		Provider:         sel.Provider,
		Model:            sel.Model,
		FallbackProvider: sel.FallbackProvider,
		FallbackModel:    sel.FallbackModel,
		Mode:             sel.Mode,
		Models:           c.activeModels(),
	}, c.providers, c.metrics)

	if global.JSON {
		printJSON(struct {
			llm.StatusPayload
			Resilience ResilienceSnapshot `json:"resilience"`
		}{payload, c.ResilienceSnapshot()})
		return
	}
	fmt.Printf("selected: %s (%s)\n\n", payload.SelectedProvider, payload.Mode)
	w := newTabWriter()
	writeRow(w, "PROVIDER", "MODEL", "HEALTH", "CONFIGURED", "RPM LEFT", "AVG MS", "LAST ERROR")
	for _, p := range payload.Providers {
		writeRow(w, p.ID, p.Model, string(p.Health),
			fmt.Sprint(p.Configured),
			fmt.Sprintf("%d/%d", p.RateLimit.Remaining, p.RateLimit.Limit),
			fmt.Sprint(p.Stats.AvgLatencyMs),
			p.Stats.LastError)
	}
	_ = w.Flush()
}

func runProbe(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) > 1 {
		fatal(fmt.Errorf("usage: escriba probe [provider]"))
	}

	c, err := newCore(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer c.Close(context.Background())

	timeout := secondsDuration(cfg.Generation.ProbeTimeoutSeconds)
	results := make(map[string]llm.ProbeResult)
	if len(args) == 1 {
		name := args[0]
		p, ok := c.providers.Get(name)
		if !ok {
			fatal(fmt.Errorf("unknown provider %q", name))
		}
		pctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res := p.Probe(pctx, "")
		c.metrics.RecordProbe(name, res)
		results[name] = res
	} else {
		results = llm.ProbeAll(ctx, c.providers, c.metrics, timeout)
	}

	if global.JSON {
		printJSON(results)
		return
	}
	w := newTabWriter()
	writeRow(w, "PROVIDER", "STATUS", "LATENCY MS", "DETAIL")
	for _, name := range llm.KnownProviders() {
		res, ok := results[name]
		if !ok {
			continue
		}
		writeRow(w, name, string(res.Status), fmt.Sprint(res.LatencyMs), res.Detail)
	}
	_ = w.Flush()
}
