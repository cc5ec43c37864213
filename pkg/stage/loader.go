package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a stages file.
type File struct {
	Stages []*Definition `json:"stages" yaml:"stages"`
}

// Load reads and validates a JSON or YAML stages file. An empty path
// returns Defaults.
func Load(path string) ([]*Definition, error) {
	if path == "" {
		return Defaults(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stages file: %w", err)
	}

	var f File
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON stages file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML stages file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported stages file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	// Ordinals may be omitted; position decides.
	for i, d := range f.Stages {
		if d != nil && d.Ordinal == 0 {
			d.Ordinal = i + 1
		}
	}

	if err := Validate(f.Stages); err != nil {
		return nil, fmt.Errorf("invalid stages file %s: %w", path, err)
	}
	return f.Stages, nil
}

// Marshal renders defs as a YAML stages file.
func Marshal(defs []*Definition) ([]byte, error) {
	return yaml.Marshal(File{Stages: defs})
}
