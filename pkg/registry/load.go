// SPDX-License-Identifier: Apache-2.0
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/ipcollab/pkg/core"
)

// File is the on-disk role catalog.
type File struct {
	Roles []core.RoleIdentity `yaml:"roles"`
}

// LoadFile reads and validates a YAML role catalog.
func LoadFile(path string) ([]core.RoleIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML role catalog.
func Parse(data []byte) ([]core.RoleIdentity, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Roles))
	for _, r := range f.Roles {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("role %s defined more than once", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return f.Roles, nil
}
