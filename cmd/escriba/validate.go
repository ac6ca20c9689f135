// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/validate"
)

type validateReport struct {
	Valid    bool             `json:"valid"`
	Sections int              `json:"sections"`
	Warnings []string         `json:"warnings,omitempty"`
	Issues   []validate.Issue `json:"issues,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// runValidate runs the sanitizer and the completeness detector over a result
// file written by a previous generate run. It needs no providers or store.
func runValidate(global globalFlags, args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("usage: escriba validate <result.json>"))
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		fatal(err)
	}
	var res core.GenerationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		fatal(fmt.Errorf("%s: %w", args[0], err))
	}

	report := validateReport{}
	clean, warnings, err := validate.ValidateResult(&res)
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Valid = true
		report.Sections = len(clean.Sections)
		report.Warnings = warnings
		report.Issues = validate.Detect(clean.Sections)
	}

	if global.JSON {
		printJSON(report)
		if !report.Valid {
			os.Exit(1)
		}
		return
	}
	if !report.Valid {
		fatal(fmt.Errorf("invalid result: %s", report.Error))
	}
	fmt.Printf("valid: %d sections, %d warnings, %d placeholder issues\n",
		report.Sections, len(report.Warnings), len(report.Issues))
	for _, wmsg := range report.Warnings {
		fmt.Println("  warning:", wmsg)
	}
	w := newTabWriter()
	for _, issue := range report.Issues {
		writeRow(w, issue.SectionID, issue.Path, issue.Kind, issue.Sample)
	}
	_ = w.Flush()
}
