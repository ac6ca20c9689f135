package format

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse reads a format definition from YAML or JSON bytes. JSON parses as
// a YAML subset, so both formats go through the same decoder.
func Parse(data []byte) (map[string]any, error) {
	var def map[string]any
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing format definition: %w", err)
	}
	if def == nil {
		def = map[string]any{}
	}
	return def, nil
}

// LoadFile reads a format definition from a YAML or JSON file.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading format definition: %w", err)
	}
	return Parse(data)
}
