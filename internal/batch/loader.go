package batch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBatchDir points to the conventional location for batch definitions
// when loading by name.
const DefaultBatchDir = "batches"

// ParseDefinitionYAML decodes a batch definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("batch: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("batch: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads batch definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("batch: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a batch definition from an explicit path. Files
// ending in .go are evaluated as Go sources; everything else is parsed as YAML.
func LoadDefinitionFile(path string) (Definition, error) {
	if strings.EqualFold(filepath.Ext(path), ".go") {
		return LoadGoDefinitionFile(path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("batch: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("batch: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDefinitionRelative loads a definition from the batches directory (or a
// custom baseDir if provided).
func LoadDefinitionRelative(baseDir, name string) (Definition, error) {
	if baseDir == "" {
		baseDir = DefaultBatchDir
	}
	return LoadDefinitionFile(filepath.Join(baseDir, name))
}
