package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternFile is the YAML layout of PATTERNS_FILE:
//
//	sets:
//	  invoices:
//	    invoice_no: 'INV-(\d+)'
//	    total: 'Total:\s*([\d.,]+)'
type PatternFile struct {
	Sets map[string]map[string]string `yaml:"sets"`
}

// LoadPatternSets reads named pattern sets from path. An empty path yields
// no sets.
func LoadPatternSets(path string) (map[string]map[string]string, error) {
	if path == "" {
		return map[string]map[string]string{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns file: %w", err)
	}

	var pf PatternFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse patterns file %s: %w", path, err)
	}
	for name, set := range pf.Sets {
		if len(set) == 0 {
			return nil, fmt.Errorf("pattern set %q is empty", name)
		}
	}
	if pf.Sets == nil {
		pf.Sets = map[string]map[string]string{}
	}
	return pf.Sets, nil
}
