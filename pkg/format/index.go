package format

import (
	"fmt"
	"sort"
	"strings"
)

// KindHeading is the only descriptor kind the compiler emits.
const KindHeading = "heading"

// maxLevel caps the Level field of emitted descriptors.
const maxLevel = 6

// SectionRef is one entry of the compiled section index. SectionID values
// are dense ordinals in traversal order; Path is the slash-joined title
// hierarchy and its segments never contain a slash.
type SectionRef struct {
	SectionID string `json:"sectionId"`
	Path      string `json:"path"`
	Level     int    `json:"level"`
	Kind      string `json:"kind"`
}

// structuralKeys are the container keys that establish generative context,
// visited in this order.
var structuralKeys = []string{
	"preliminaries",
	"body",
	"finals",
	"chapters",
	"items",
	"sections",
	"subsections",
	"list",
	"annexes",
	"indices",
}

// excludedContainerKeys hold index material; their subtrees never emit.
var excludedContainerKeys = map[string]bool{
	"indices":           true,
	"index":             true,
	"table_of_contents": true,
	"toc":               true,
}

// guidanceKeys carry authoring hints, never generative sections.
var guidanceKeys = map[string]bool{
	"note":                 true,
	"chapter_note":         true,
	"instruction":          true,
	"detailed_instruction": true,
	"guide":                true,
	"example":              true,
	"comment":              true,
	"placeholder":          true,
	"view_type":            true,
	"preview":              true,
	"_meta":                true,
	"version":              true,
	"description":          true,
}

// placeholderKeys mark renderer-side table and figure slots.
var placeholderKeys = map[string]bool{
	"tables":             true,
	"figures":            true,
	"table_placeholder":  true,
	"figure_placeholder": true,
}

var titleKeys = []string{"title", "heading", "text"}

// CompileSectionIndex flattens a nested format definition into the ordered
// section index. Traversal is depth-first with children in source order;
// TOC containers and titles, guidance keys, and table or figure
// placeholders are never emitted.
func CompileSectionIndex(def map[string]any) []SectionRef {
	c := &indexCompiler{}
	c.walkMap(def, nil, 0, false)
	return c.refs
}

type indexCompiler struct {
	refs []SectionRef
	n    int
}

func (c *indexCompiler) walk(node any, path []string, level int, structural bool) {
	switch v := node.(type) {
	case map[string]any:
		c.walkMap(v, path, level, structural)
	case []any:
		for _, child := range v {
			c.walk(child, path, level, structural)
		}
	case string:
		if structural && !IsTOCTitle(v) && strings.TrimSpace(v) != "" {
			c.emit(v, path, level)
		}
	}
}

func (c *indexCompiler) walkMap(m map[string]any, path []string, level int, structural bool) {
	title := extractTitle(m)
	if title != "" && IsTOCTitle(title) {
		return
	}

	childPath := path
	childLevel := level
	if structural && Normalize(title) != "" {
		c.emit(title, path, level)
		childPath = appendSegment(path, title)
		childLevel = level + 1
	}

	for _, key := range structuralKeys {
		v, ok := m[key]
		if !ok || excludedContainerKeys[key] {
			continue
		}
		c.walk(v, childPath, childLevel, true)
	}

	var rest []string
	for key := range m {
		if isStructuralKey(key) || isTitleKey(key) ||
			guidanceKeys[key] || placeholderKeys[key] || excludedContainerKeys[key] {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		c.walk(m[key], childPath, childLevel, structural)
	}
}

func (c *indexCompiler) emit(title string, path []string, level int) {
	c.n++
	full := appendSegment(path, title)
	lvl := level + 1
	if lvl > maxLevel {
		lvl = maxLevel
	}
	c.refs = append(c.refs, SectionRef{
		SectionID: fmt.Sprintf("sec-%04d", c.n),
		Path:      strings.Join(full, "/"),
		Level:     lvl,
		Kind:      KindHeading,
	})
}

func appendSegment(path []string, title string) []string {
	segment := strings.ReplaceAll(strings.TrimSpace(title), "/", "-")
	out := make([]string, 0, len(path)+1)
	out = append(out, path...)
	return append(out, segment)
}

func extractTitle(m map[string]any) string {
	for _, key := range titleKeys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func isStructuralKey(key string) bool {
	for _, k := range structuralKeys {
		if k == key {
			return true
		}
	}
	return false
}

func isTitleKey(key string) bool {
	for _, k := range titleKeys {
		if k == key {
			return true
		}
	}
	return false
}
