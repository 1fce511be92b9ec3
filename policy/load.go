package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// LoadRulesFile reads a YAML (or JSON) rule file and assigns every rule to
// ownerID. Rules default to enabled; missing ids are derived from the name.
func LoadRulesFile(path, ownerID string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data, ownerID)
}

func ParseRules(data []byte, ownerID string) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid rules file format: %v", err)
	}
	now := time.Now().UTC()
	rules := make([]Rule, 0, len(file.Rules))
	seen := make(map[string]struct{}, len(file.Rules))
	for i, entry := range file.Rules {
		kind, ok := ParseKind(entry.Kind)
		if !ok {
			return nil, fmt.Errorf("rule %d (%s): unsupported kind %q", i, entry.Name, entry.Kind)
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = slug(entry.Name)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("rule %d (%s): duplicate id %q", i, entry.Name, id)
		}
		seen[id] = struct{}{}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		rule := Rule{
			ID:          id,
			OwnerID:     ownerID,
			Name:        strings.TrimSpace(entry.Name),
			Pattern:     entry.Pattern,
			Kind:        kind,
			Description: entry.Description,
			Enabled:     enabled,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, entry.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func slug(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
