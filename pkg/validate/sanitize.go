// SPDX-License-Identifier: Apache-2.0

// Package validate sanitizes generated section content and repairs
// placeholder text before the result reaches the document renderers.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/format"
)

// minContentLength is the threshold below which non-empty content draws a
// warning.
const minContentLength = 20

var (
	bulletPattern = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)

	// abbreviationPattern matches "SIGLA: meaning", "SIGLA - meaning", and
	// "SIGLA meaning"; the sigla is an uppercase token of 2+ characters.
	abbreviationPattern = regexp.MustCompile(`^\s*([A-ZÁÉÍÓÚÜÑ][A-Z0-9ÁÉÍÓÚÜÑ.]{1,14})\s*(?:[:\-–—]\s*|\s+)(\S.*)$`)

	// pageLeaderPattern strips "texto ..... 12" and wide-gap page markers;
	// pageSuffixPattern removes a residual "pag. 12" tail.
	pageLeaderPattern = regexp.MustCompile(`(\.{3,}|[ \t]{4,})\s*((?i:p[aá]g)\.?\s*)?(\d+|X)\s*$`)
	pageSuffixPattern = regexp.MustCompile(`\s+(?i:p[aá]g)\.?\s+(\d+|X)\s*$`)
)

// forbiddenPhrases drop the whole line when present in normalized form.
var forbiddenPhrases = []string{
	"figura de ejemplo",
	"tabla de ejemplo",
	"titulo del proyecto",
	"lorem ipsum",
	"[pendiente]",
}

// ValidateResult sanitizes every section and enforces the structural rules:
// ids are present and unique, TOC sections are dropped, and empty sections
// are excluded from the output. Warnings report the soft findings; only a
// structurally empty input is an error.
func ValidateResult(res *core.GenerationResult) (*core.GenerationResult, []string, error) {
	if res == nil || len(res.Sections) == 0 {
		return nil, nil, errors.NewValidation("el resultado de generación no contiene secciones", nil)
	}

	var warnings []string
	seen := make(map[string]int)
	out := &core.GenerationResult{}
	autoN := 0

	for _, sec := range res.Sections {
		if sec.SectionID == "" {
			autoN++
			sec.SectionID = fmt.Sprintf("sec-auto-%04d", autoN)
			warnings = append(warnings, fmt.Sprintf("sección sin id; asignado %s", sec.SectionID))
		}
		if sec.Path == "" {
			warnings = append(warnings, fmt.Sprintf("%s: sección sin ruta", sec.SectionID))
		}
		if format.IsTOCPath(sec.Path) {
			warnings = append(warnings, fmt.Sprintf("%s: sección de índice descartada (%s)", sec.SectionID, sec.Path))
			continue
		}

		sec.Content = SanitizeContent(sec.Content, sec.Path)

		if n := seen[sec.SectionID]; n > 0 {
			renamed := fmt.Sprintf("%s-dup-%d", sec.SectionID, n)
			warnings = append(warnings, fmt.Sprintf("id duplicado %s renombrado a %s", sec.SectionID, renamed))
			seen[sec.SectionID] = n + 1
			sec.SectionID = renamed
		} else {
			seen[sec.SectionID] = 1
		}

		if strings.TrimSpace(sec.Content) == "" {
			warnings = append(warnings, fmt.Sprintf("%s: contenido vacío (%s)", sec.SectionID, sec.Path))
			continue
		}
		if len([]rune(sec.Content)) < minContentLength {
			warnings = append(warnings, fmt.Sprintf("%s: contenido demasiado corto (%s)", sec.SectionID, sec.Path))
		}
		out.Sections = append(out.Sections, sec)
	}

	return out, warnings, nil
}

// SanitizeContent strips markup, placeholder lines, and trailing page
// numbers from one section body. A TOC path or the skip sentinel empties the
// content entirely.
func SanitizeContent(content, path string) string {
	if strings.TrimSpace(content) == core.SkipSentinel {
		return ""
	}
	if format.IsTOCPath(path) {
		return ""
	}

	var lines []string
	blank := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		line = trimmed
		line = strings.TrimLeft(line, "#")
		line = strings.ReplaceAll(line, "**", "")
		line = strings.ReplaceAll(line, "__", "")
		line = strings.ReplaceAll(line, "|", " ")
		line = bulletPattern.ReplaceAllString(line, "")
		line = stripPageSuffix(line)
		line = strings.Join(strings.Fields(line), " ")

		if line != "" && hasForbiddenPhrase(line) {
			continue
		}
		if line == "" {
			if blank || len(lines) == 0 {
				continue
			}
			blank = true
			lines = append(lines, "")
			continue
		}
		blank = false
		lines = append(lines, line)
	}

	out := strings.TrimSpace(strings.Join(lines, "\n"))
	if IsAbbreviationsPath(path) {
		out = normalizeAbbreviations(out)
	}
	return out
}

func hasForbiddenPhrase(line string) bool {
	norm := format.Normalize(line)
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(norm, phrase) {
			return true
		}
	}
	return false
}

// IsAbbreviationsPath reports whether any path segment names an
// abbreviations or acronyms listing.
func IsAbbreviationsPath(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		norm := format.Normalize(seg)
		for _, marker := range []string{"abreviatura", "siglas", "acronimo"} {
			if strings.Contains(norm, marker) {
				return true
			}
		}
	}
	return false
}

// normalizeAbbreviations rewrites each line into "SIGLA<TAB>meaning" form
// and deduplicates on the sigla. Lines that do not look like an entry pass
// through unchanged.
func normalizeAbbreviations(content string) string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		m := abbreviationPattern.FindStringSubmatch(line)
		if m == nil {
			if strings.TrimSpace(line) != "" {
				out = append(out, line)
			}
			continue
		}
		sigla := m[1]
		if seen[sigla] {
			continue
		}
		seen[sigla] = true
		out = append(out, sigla+"\t"+strings.TrimSpace(m[2]))
	}
	return strings.Join(out, "\n")
}

// stripPageSuffix removes a trailing leader-dot or wide-gap page-number
// marker, then a residual "pag. N" suffix.
func stripPageSuffix(line string) string {
	line = pageLeaderPattern.ReplaceAllString(line, "")
	line = pageSuffixPattern.ReplaceAllString(line, "")
	return line
}
