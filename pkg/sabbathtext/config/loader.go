package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a configuration file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// formatOf maps a file name to its Format by extension.
func formatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	}
	return "", false
}

// Parse decodes data in the given format. An empty document yields an
// empty Config, so every setting falls back to its default.
func Parse(data []byte, format Format) (Config, error) {
	var m map[string]any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatJSON:
		if len(strings.TrimSpace(string(data))) == 0 {
			break
		}
		err = json.Unmarshal(data, &m)
	default:
		return Config{}, fmt.Errorf("config format %q not supported", format)
	}
	if err != nil {
		return Config{}, fmt.Errorf("decode %s config: %w", format, err)
	}
	return New(m), nil
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) { return Parse(data, FormatYAML) }

// FromJSON parses a JSON document.
func FromJSON(data []byte) (Config, error) { return Parse(data, FormatJSON) }

// FromFile reads path and parses it according to its extension
// (.yaml, .yml or .json).
func FromFile(path string) (Config, error) {
	format, ok := formatOf(path)
	if !ok {
		return Config{}, fmt.Errorf("config file %s: unrecognized extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return Parse(data, format)
}
