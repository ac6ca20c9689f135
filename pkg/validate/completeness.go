// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"regexp"
	"strings"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/format"
)

// Issue kinds reported by the completeness pass.
const (
	IssueBracketInstruction = "bracket_instruction"
	IssueParenDirective     = "paren_directive"
	IssueTemplateVariable   = "template_variable"
	IssueShortInstruction   = "short_instruction"
	IssueEmptyContent       = "empty_content"
)

// shortInstructionLimit bounds content length for the short-instruction
// heuristic; longer bodies with an embedded directive are real prose.
const shortInstructionLimit = 300

var (
	bracketInstructionPattern = regexp.MustCompile(`\[[^\]]*(escriba|complete|llene|inserte|coloque|ingrese|agregue)[^\]]*\]`)
	parenDirectivePattern     = regexp.MustCompile(`\((completar|llenar|insertar|agregar)\b[^)]*\)`)
	templateVariablePattern   = regexp.MustCompile(`\{\{.*?\}\}`)
	shortInstructionPattern   = regexp.MustCompile(`^(aqui|aquí|escribir|redactar|describir|completar|insertar|pendiente)\b`)
)

// Issue is one placeholder detection on a generated section.
type Issue struct {
	SectionID string `json:"sectionId"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	Sample    string `json:"sample,omitempty"`
}

// Known section types the auto-fill can substitute.
const (
	typeDedication      = "dedication"
	typeAcknowledgement = "acknowledgement"
	typeAbbreviations   = "abbreviations"
)

var fillTexts = map[string]string{
	typeDedication: "Este trabajo está dedicado a todas las personas que acompañaron " +
		"su desarrollo y cuya confianza hizo posible llevarlo a término. A ellas, " +
		"con gratitud y respeto, se dedica el presente documento.",
	typeAcknowledgement: "Se expresa un sincero agradecimiento a la institución, al " +
		"cuerpo docente y a quienes colaboraron durante la elaboración de este " +
		"trabajo, por su orientación, disposición y apoyo constante.",
	typeAbbreviations: "Las siglas y abreviaturas empleadas en este documento se " +
		"definen en su primera aparición dentro del texto.",
}

// Detect runs the placeholder patterns over every section. Matching is
// case-insensitive and accent-insensitive through normalization.
func Detect(sections []core.Section) []Issue {
	var issues []Issue
	for _, sec := range sections {
		if strings.TrimSpace(sec.Content) == "" {
			issues = append(issues, issue(sec, IssueEmptyContent, ""))
			continue
		}
		norm := format.Normalize(sec.Content)
		if m := bracketInstructionPattern.FindString(norm); m != "" {
			issues = append(issues, issue(sec, IssueBracketInstruction, m))
		}
		if m := parenDirectivePattern.FindString(norm); m != "" {
			issues = append(issues, issue(sec, IssueParenDirective, m))
		}
		if m := templateVariablePattern.FindString(sec.Content); m != "" {
			issues = append(issues, issue(sec, IssueTemplateVariable, m))
		}
		if len([]rune(norm)) < shortInstructionLimit && shortInstructionPattern.MatchString(norm) {
			issues = append(issues, issue(sec, IssueShortInstruction, sample(norm)))
		}
	}
	return issues
}

// Fill substitutes the canned formal text for flagged sections whose title
// classifies as a known type. Sections are mutated in place; issues on
// unknown section types come back as the residual warnings.
func Fill(sections []core.Section, issues []Issue) []Issue {
	byID := make(map[string]int, len(sections))
	for i, sec := range sections {
		byID[sec.SectionID] = i
	}

	var residual []Issue
	filled := make(map[string]bool)
	for _, is := range issues {
		idx, ok := byID[is.SectionID]
		if !ok {
			residual = append(residual, is)
			continue
		}
		kind := SectionType(sections[idx].Path)
		if kind == "" {
			residual = append(residual, is)
			continue
		}
		if !filled[is.SectionID] {
			sections[idx].Content = fillTexts[kind]
			filled[is.SectionID] = true
		}
	}
	return residual
}

// SectionType classifies a section path against the known auto-fill types.
// Empty means unknown.
func SectionType(path string) string {
	segs := strings.Split(path, "/")
	title := format.Normalize(segs[len(segs)-1])
	switch {
	case strings.Contains(title, "dedicatoria"):
		return typeDedication
	case strings.Contains(title, "agradecimiento"):
		return typeAcknowledgement
	case strings.Contains(title, "abreviatura"),
		strings.Contains(title, "siglas"),
		strings.Contains(title, "acronimo"):
		return typeAbbreviations
	}
	return ""
}

func issue(sec core.Section, kind, match string) Issue {
	return Issue{SectionID: sec.SectionID, Path: sec.Path, Kind: kind, Sample: sample(match)}
}

func sample(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > 80 {
		return string(runes[:80]) + "…"
	}
	return string(runes)
}
