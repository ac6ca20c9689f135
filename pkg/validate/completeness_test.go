// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"strings"
	"testing"

	"github.com/jllopis/escriba/pkg/core"
)

func TestDetectPatterns(t *testing.T) {
	longBody := strings.Repeat("Texto de relleno con sustancia real. ", 12)
	sections := []core.Section{
		{SectionID: "s1", Path: "Capitulo 1", Content: "[Escriba aquí la introducción]"},
		{SectionID: "s2", Path: "Capitulo 2", Content: longBody + "(completar con datos del tutor)"},
		{SectionID: "s3", Path: "Capitulo 3", Content: longBody + "la variable es {{variable_independiente}}"},
		{SectionID: "s4", Path: "Capitulo 4", Content: "Aquí va el marco teórico"},
		{SectionID: "s5", Path: "Capitulo 5", Content: "   "},
		{SectionID: "s6", Path: "Capitulo 6", Content: longBody},
	}

	issues := Detect(sections)
	kinds := make(map[string]string)
	for _, is := range issues {
		kinds[is.SectionID] = is.Kind
	}

	want := map[string]string{
		"s1": IssueBracketInstruction,
		"s2": IssueParenDirective,
		"s3": IssueTemplateVariable,
		"s4": IssueShortInstruction,
		"s5": IssueEmptyContent,
	}
	for id, kind := range want {
		if kinds[id] != kind {
			t.Errorf("%s: kind = %q, want %q", id, kinds[id], kind)
		}
	}
	if _, ok := kinds["s6"]; ok {
		t.Error("clean long content must not be flagged")
	}
}

func TestDetectAccentInsensitive(t *testing.T) {
	issues := Detect([]core.Section{
		{SectionID: "s1", Path: "Capitulo 1", Content: "[ESCRÍBA el contenido completo]"},
	})
	if len(issues) != 1 || issues[0].Kind != IssueBracketInstruction {
		t.Fatalf("accented directive not detected: %+v", issues)
	}
}

func TestFillKnownTypes(t *testing.T) {
	sections := []core.Section{
		{SectionID: "s1", Path: "Preliminares/Dedicatoria", Content: "[escriba su dedicatoria]"},
		{SectionID: "s2", Path: "Preliminares/Agradecimientos", Content: ""},
		{SectionID: "s3", Path: "Preliminares/Lista de Abreviaturas", Content: "{{siglas}}"},
		{SectionID: "s4", Path: "Capitulo 1", Content: "[complete este capítulo]"},
	}
	issues := Detect(sections)
	residual := Fill(sections, issues)

	for _, sec := range sections[:3] {
		if strings.Contains(sec.Content, "[") || strings.Contains(sec.Content, "{{") || strings.TrimSpace(sec.Content) == "" {
			t.Errorf("%s not auto-filled: %q", sec.SectionID, sec.Content)
		}
	}
	if sections[3].Content != "[complete este capítulo]" {
		t.Errorf("unknown section type must stay as-is, got %q", sections[3].Content)
	}
	if len(residual) != 1 || residual[0].SectionID != "s4" {
		t.Fatalf("residual = %+v, want only s4", residual)
	}
}

func TestSectionType(t *testing.T) {
	cases := map[string]string{
		"Preliminares/Dedicatoria":           typeDedication,
		"Preliminares/Agradecimiento":        typeAcknowledgement,
		"Preliminares/Siglas y Acrónimos":    typeAbbreviations,
		"Cuerpo/Capitulo 1/Marco Teórico":    "",
	}
	for path, want := range cases {
		if got := SectionType(path); got != want {
			t.Errorf("SectionType(%q) = %q, want %q", path, got, want)
		}
	}
}
