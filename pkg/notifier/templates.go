package notifier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TemplateSet is the on-disk shape of the webhook template file
// shipped with the binary (spec.md §6: "Webhook payload ... rendered
// from the template file shipped with the binary"). A per-level entry
// lets operators phrase transient and fatal alerts differently; an
// absent level falls back to "default".
type TemplateSet struct {
	Templates map[string]string `yaml:"templates"`
}

// LoadTemplateSet reads a TemplateSet from a YAML file, grounded on
// the teacher's LoadAnchorConfig's read-then-yaml.Unmarshal shape.
func LoadTemplateSet(path string) (*TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notifier: read template set %s: %w", path, err)
	}
	var ts TemplateSet
	if err := yaml.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("notifier: parse template set %s: %w", path, err)
	}
	if ts.Templates == nil {
		ts.Templates = map[string]string{}
	}
	return &ts, nil
}

// Template returns the template text for level, falling back to
// "default" and finally to DefaultTemplate.
func (ts *TemplateSet) Template(level string) string {
	if t, ok := ts.Templates[level]; ok {
		return t
	}
	if t, ok := ts.Templates["default"]; ok {
		return t
	}
	return DefaultTemplate
}
