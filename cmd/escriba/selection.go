// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jllopis/escriba/pkg/config"
	"github.com/jllopis/escriba/pkg/store"
)

func runSelection(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: escriba selection <get|set>"))
	}

	c, err := newCore(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer c.Close(context.Background())

	switch args[0] {
	case "get":
		ensureNoArgs(args[1:])
		printSelection(global, c.currentSelection(ctx))
	case "set":
		fs := flag.NewFlagSet("selection set", flag.ExitOnError)
		provider := fs.String("provider", "", "primary provider")
		model := fs.String("model", "", "model for the primary provider")
		fallback := fs.String("fallback", "", "fallback provider")
		fallbackModel := fs.String("fallback-model", "", "model for the fallback provider")
		mode := fs.String("mode", "", "auto or fixed (default auto)")
		if err := fs.Parse(args[1:]); err != nil {
			fatal(err)
		}
		ensureNoArgs(fs.Args())

		sel, err := store.NormalizeSelection(store.Selection{
			Provider:         *provider,
			Model:            *model,
			FallbackProvider: *fallback,
			FallbackModel:    *fallbackModel,
			Mode:             *mode,
		})
		if err != nil {
			fatal(err)
		}
		if err := c.store.PutSelection(ctx, sel); err != nil {
			fatal(err)
		}
		printSelection(global, sel)
	default:
		fatal(fmt.Errorf("unknown selection subcommand %q", args[0]))
	}
}

func printSelection(global globalFlags, sel store.Selection) {
	if global.JSON {
		printJSON(sel)
		return
	}
	w := newTabWriter()
	writeRow(w, "PROVIDER", "MODEL", "FALLBACK", "FALLBACK MODEL", "MODE")
	writeRow(w, sel.Provider, sel.Model, sel.FallbackProvider, sel.FallbackModel, sel.Mode)
	_ = w.Flush()
}
