// SPDX-License-Identifier: Apache-2.0
package knowledge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceFile is the on-disk batch format accepted by the ingest command.
type SourceFile struct {
	Sources []Record `yaml:"sources"`
}

// LoadSources reads a YAML batch of source records.
func LoadSources(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSources(data)
}

// ParseSources parses a YAML batch of source records.
func ParseSources(data []byte) ([]Record, error) {
	var f SourceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	return f.Sources, nil
}
