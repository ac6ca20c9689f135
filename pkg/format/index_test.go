package format

import (
	"fmt"
	"testing"
)

func thesisFormat() map[string]any {
	return map[string]any{
		"title":   "Formato de Tesis",
		"version": "2.1",
		"preliminaries": []any{
			map[string]any{"title": "Portada"},
			map[string]any{"title": "Índice de Contenidos"},
			"Dedicatoria",
			"Agradecimientos",
		},
		"body": map[string]any{
			"chapters": []any{
				map[string]any{
					"title":        "Capítulo I: El Problema",
					"chapter_note": map[string]any{"title": "No debería emitirse"},
					"sections": []any{
						map[string]any{
							"title":       "Planteamiento del problema",
							"subsections": []any{"Formulación", "Delimitación"},
						},
						map[string]any{"title": "Objetivos"},
					},
				},
				map[string]any{
					"title":    "Capítulo II: Marco Teórico",
					"sections": []any{"Antecedentes"},
				},
			},
		},
		"finals": map[string]any{
			"annexes": []any{"Anexo A"},
			"indices": []any{
				map[string]any{"title": "Índice de Tablas"},
			},
		},
	}
}

func TestCompileSectionIndex(t *testing.T) {
	refs := CompileSectionIndex(thesisFormat())

	wantPaths := []string{
		"Portada",
		"Dedicatoria",
		"Agradecimientos",
		"Capítulo I: El Problema",
		"Capítulo I: El Problema/Planteamiento del problema",
		"Capítulo I: El Problema/Planteamiento del problema/Formulación",
		"Capítulo I: El Problema/Planteamiento del problema/Delimitación",
		"Capítulo I: El Problema/Objetivos",
		"Capítulo II: Marco Teórico",
		"Capítulo II: Marco Teórico/Antecedentes",
		"Anexo A",
	}
	if len(refs) != len(wantPaths) {
		for _, r := range refs {
			t.Logf("got: %s %s", r.SectionID, r.Path)
		}
		t.Fatalf("expected %d sections, got %d", len(wantPaths), len(refs))
	}
	for i, want := range wantPaths {
		if refs[i].Path != want {
			t.Errorf("section %d path = %q, want %q", i, refs[i].Path, want)
		}
	}
}

func TestCompileSectionIDsDense(t *testing.T) {
	refs := CompileSectionIndex(thesisFormat())
	for i, ref := range refs {
		want := fmt.Sprintf("sec-%04d", i+1)
		if ref.SectionID != want {
			t.Errorf("section %d id = %q, want %q", i, ref.SectionID, want)
		}
		if ref.Kind != KindHeading {
			t.Errorf("section %s kind = %q, want heading", ref.SectionID, ref.Kind)
		}
	}
}

func TestCompileExcludesTOC(t *testing.T) {
	refs := CompileSectionIndex(thesisFormat())
	for _, ref := range refs {
		if IsTOCPath(ref.Path) {
			t.Errorf("compiled path contains a TOC segment: %q", ref.Path)
		}
	}
}

func TestCompileLevels(t *testing.T) {
	refs := CompileSectionIndex(thesisFormat())
	byPath := make(map[string]int, len(refs))
	for _, ref := range refs {
		byPath[ref.Path] = ref.Level
	}
	cases := map[string]int{
		"Portada":                1,
		"Capítulo I: El Problema": 1,
		"Capítulo I: El Problema/Planteamiento del problema":             2,
		"Capítulo I: El Problema/Planteamiento del problema/Formulación": 3,
	}
	for path, want := range cases {
		if got := byPath[path]; got != want {
			t.Errorf("level of %q = %d, want %d", path, got, want)
		}
	}
}

func TestCompileLevelCap(t *testing.T) {
	leaf := map[string]any{"title": "Hoja"}
	node := leaf
	for i := 7; i >= 1; i-- {
		node = map[string]any{
			"title":    fmt.Sprintf("Nivel %d", i),
			"sections": []any{node},
		}
	}
	refs := CompileSectionIndex(map[string]any{"body": map[string]any{"chapters": []any{node}}})
	if len(refs) != 8 {
		t.Fatalf("expected 8 sections, got %d", len(refs))
	}
	last := refs[len(refs)-1]
	if last.Level != 6 {
		t.Errorf("deep section level = %d, want capped at 6", last.Level)
	}
}

func TestCompileSkipsGuidanceAndPlaceholders(t *testing.T) {
	def := map[string]any{
		"body": map[string]any{
			"chapters": []any{
				map[string]any{
					"title":       "Capítulo",
					"instruction": "escriba aquí",
					"tables":      []any{map[string]any{"title": "Tabla 1"}},
					"figures":     []any{"Figura 1"},
					"note":        map[string]any{"sections": []any{"Oculta"}},
				},
			},
		},
	}
	refs := CompileSectionIndex(def)
	if len(refs) != 1 || refs[0].Path != "Capítulo" {
		t.Fatalf("guidance and placeholder keys must not emit, got %+v", refs)
	}
}

func TestCompileRootTitleNotEmitted(t *testing.T) {
	def := map[string]any{
		"title": "Mi Proyecto",
		"body":  map[string]any{"sections": []any{"Contenido"}},
	}
	refs := CompileSectionIndex(def)
	if len(refs) != 1 || refs[0].Path != "Contenido" {
		t.Fatalf("root title must not emit outside structural context, got %+v", refs)
	}
}

func TestCompileRestKeysDeterministic(t *testing.T) {
	def := map[string]any{
		"zona_b": map[string]any{"sections": []any{"Dos"}},
		"zona_a": map[string]any{"sections": []any{"Uno"}},
	}
	refs := CompileSectionIndex(def)
	if len(refs) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(refs))
	}
	if refs[0].Path != "Uno" || refs[1].Path != "Dos" {
		t.Errorf("rest keys must be visited in sorted order, got %q then %q", refs[0].Path, refs[1].Path)
	}
}

func TestCompileSlashInTitle(t *testing.T) {
	def := map[string]any{
		"body": map[string]any{"sections": []any{"Análisis/Síntesis"}},
	}
	refs := CompileSectionIndex(def)
	if len(refs) != 1 {
		t.Fatalf("expected 1 section, got %d", len(refs))
	}
	if refs[0].Path != "Análisis-Síntesis" {
		t.Errorf("path segment must not contain a slash, got %q", refs[0].Path)
	}
}

func TestCompileEmptyDefinition(t *testing.T) {
	if refs := CompileSectionIndex(map[string]any{}); len(refs) != 0 {
		t.Fatalf("empty definition must compile to an empty index, got %+v", refs)
	}
}
