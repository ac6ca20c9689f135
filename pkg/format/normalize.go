// Package format compiles nested document-format definitions into the flat
// ordered section index the generation pipeline walks.
package format

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases a title, strips accents, and collapses whitespace.
// Title matching across the pipeline goes through this form, so "Índice de
// Contenidos" and "indice de contenidos" compare equal.
func Normalize(s string) string {
	folded, _, err := transform.String(accentStripper, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// Titles that identify a table of contents. Nodes carrying one of these are
// excluded from the index with their whole subtree.
var tocTitles = map[string]bool{
	"indice":                 true,
	"indice de contenido":    true,
	"indice de contenidos":   true,
	"indice de tablas":       true,
	"indice de figuras":      true,
	"indice de abreviaturas": true,
	"tabla de contenido":     true,
	"tabla de contenidos":    true,
	"table of contents":      true,
	"toc":                    true,
}

// IsTOCTitle reports whether the normalized title names a table of
// contents.
func IsTOCTitle(title string) bool {
	return tocTitles[Normalize(title)]
}

// IsTOCPath reports whether any segment of a slash-joined section path is a
// table-of-contents title.
func IsTOCPath(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if tocTitles[Normalize(seg)] {
			return true
		}
	}
	return false
}
