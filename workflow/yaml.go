package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Load parses a YAML document into a WorkflowDefinition. Round-trip
// guarantee: Load(Save(def)) is semantically equivalent to def, per
// spec.md §6's "Workflow definition format".
func Load(data []byte) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: parse definition: %w", err)
	}
	return def, nil
}

// Save serializes def back to YAML.
func Save(def WorkflowDefinition) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("workflow: serialize definition: %w", err)
	}
	return data, nil
}
