package blueprint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Blueprints []Blueprint `yaml:"blueprints"`
}

// LoadCatalog reads blueprints.yaml. Versions default to 1.
func LoadCatalog(path string) ([]Blueprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("blueprints.yaml: %w", err)
	}
	seen := map[string]bool{}
	for i := range f.Blueprints {
		bp := &f.Blueprints[i]
		if bp.Version == 0 {
			bp.Version = 1
		}
		if err := bp.validate(); err != nil {
			return nil, fmt.Errorf("blueprints.yaml: %w", err)
		}
		if seen[bp.ID] {
			return nil, fmt.Errorf("blueprints.yaml: duplicate id %s", bp.ID)
		}
		seen[bp.ID] = true
	}
	return f.Blueprints, nil
}

// Seed adds catalog entries to the store. Entries already present at an equal
// or newer version (e.g. restored from a snapshot) are left alone.
func (s *Store) Seed(bps []Blueprint) (added int, err error) {
	for _, bp := range bps {
		_, changed, err := s.Put(bp)
		if err != nil {
			return added, err
		}
		if changed {
			added++
		}
	}
	return added, nil
}
