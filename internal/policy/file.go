package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk layout. Active defaults to true when omitted.
type fileDoc struct {
	Policies []filePolicy `yaml:"policies"`
}

type filePolicy struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Rule        Rule    `yaml:"rule"`
	Outcome     Outcome `yaml:"outcome"`
	Priority    int     `yaml:"priority"`
	Active      *bool   `yaml:"active"`
}

// LoadFile reads a YAML policy file and returns the validated policies and
// the SHA-256 of the raw bytes. A missing file yields no policies and the
// hash of empty input.
func LoadFile(path string) ([]Policy, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return nil, "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("policy: read %s: %w", path, err)
	}
	policies, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	h := sha256.Sum256(data)
	return policies, "sha256:" + hex.EncodeToString(h[:]), nil
}

// Parse decodes and validates YAML policy data. Duplicate ids are rejected.
func Parse(data []byte) ([]Policy, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	seen := make(map[string]bool, len(doc.Policies))
	out := make([]Policy, 0, len(doc.Policies))
	for _, fp := range doc.Policies {
		p := Policy{
			ID:          fp.ID,
			Name:        fp.Name,
			Description: fp.Description,
			Rule:        fp.Rule,
			Outcome:     fp.Outcome,
			Priority:    fp.Priority,
			Active:      fp.Active == nil || *fp.Active,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("policy: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out, nil
}
