// SPDX-License-Identifier: Apache-2.0

// Package prompt renders user templates and assembles the per-section
// prompts the router sends to the providers.
package prompt

import (
	"regexp"
	"strings"

	"github.com/jllopis/escriba/pkg/core"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render substitutes {{varName}} placeholders from values. Placeholders with
// no value stay literal so the gap is visible downstream. When hook is
// non-nil it receives the missing variable names once, deduplicated, in
// first-appearance order.
func Render(template string, values map[string]string, hook func(missing []string)) string {
	var missing []string
	seen := make(map[string]bool)

	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return m
	})

	if hook != nil && len(missing) > 0 {
		hook(missing)
	}
	return out
}

// systemBlock is the canonical instruction header for every section prompt.
// {section_path} and {section_id} are substituted directly; the double-brace
// variables render from the project values.
const systemBlock = `Eres un redactor académico. Redacta el contenido de la sección "{section_path}" (id {section_id}) del documento "{{title}}".

Tema del proyecto: {{tema}}
Objetivo general: {{objetivo_general}}
Población de estudio: {{poblacion}}
Variable independiente: {{variable_independiente}}

Reglas estrictas:
- Devuelve únicamente texto plano. Sin markdown, sin símbolos #, *, | ni bloques de código.
- No generes índices ni tablas de contenido manuales.
- No incluyas frases de relleno ni marcadores como [pendiente], FIGURA DE EJEMPLO o TABLA DE EJEMPLO.
- Una sección de contenido debe tener al menos entre 180 y 250 palabras.
- Si la ruta de la sección comienza por un encabezado de índice, responde exactamente ` + core.SkipSentinel + ` y nada más.`

// SectionPrompt builds the final prompt for one section: the rendered system
// block, then the project base prompt under its own header, then an optional
// section-specific hint.
func SectionPrompt(base, sectionPath, sectionID, extraContext string, values map[string]string) string {
	block := strings.ReplaceAll(systemBlock, "{section_path}", sectionPath)
	block = strings.ReplaceAll(block, "{section_id}", sectionID)
	block = Render(block, values, nil)

	var b strings.Builder
	b.WriteString(block)
	if strings.TrimSpace(base) != "" {
		b.WriteString("\n\nCONTEXTO ADICIONAL DEL PROYECTO:\n")
		b.WriteString(strings.TrimSpace(base))
	}
	if strings.TrimSpace(extraContext) != "" {
		b.WriteString("\n\nIndicaciones para esta sección:\n")
		b.WriteString(strings.TrimSpace(extraContext))
	}
	return b.String()
}
