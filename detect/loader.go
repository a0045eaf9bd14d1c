package detect

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk shape of a threat rule file.
type ruleFile struct {
	Rules []*ThreatRule `yaml:"rules"`
}

// LoadRules reads and compiles threat rules from a YAML file.
func LoadRules(path string) ([]*ThreatRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles threat rules from YAML bytes. Every rule
// must compile; a single bad rule fails the whole load so a typo cannot
// silently disable detection.
func ParseRules(data []byte) ([]*ThreatRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Rules))
	for _, rule := range file.Rules {
		if err := rule.Compile(); err != nil {
			return nil, err
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate threat rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}
	return file.Rules, nil
}
