package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validDef() WorkflowDefinition {
	return WorkflowDefinition{
		ID:      "wf-1",
		Version: "1",
		Steps: []StepDefinition{
			{StepID: "s1", Kind: KindTask},
			{StepID: "s2", Kind: KindTask, Inputs: map[string]InputRef{"x": {FromStep: "s1"}}},
		},
	}
}

func TestValidateAcceptsValidDefinition(t *testing.T) {
	require.NoError(t, Validate(validDef(), nil))
}

func TestValidateRejectsMissingID(t *testing.T) {
	def := validDef()
	def.ID = ""
	require.Error(t, Validate(def, nil))
}

func TestValidateRejectsDuplicateStepID(t *testing.T) {
	def := validDef()
	def.Steps = append(def.Steps, StepDefinition{StepID: "s1", Kind: KindTask})
	require.Error(t, Validate(def, nil))
}

func TestValidateRejectsUnresolvedReference(t *testing.T) {
	def := validDef()
	def.Steps[1].Inputs["x"] = InputRef{FromStep: "ghost"}
	require.Error(t, Validate(def, nil))
}

func TestValidateRejectsUnknownCapability(t *testing.T) {
	def := validDef()
	def.Steps[0].Requirement = &CapabilityRequirementSpec{Required: []string{"nope"}}
	err := Validate(def, map[string]bool{"code.python": true})
	require.Error(t, err)
}

func TestValidateRejectsCycle(t *testing.T) {
	def := WorkflowDefinition{
		ID: "wf-cycle", Version: "1",
		Steps: []StepDefinition{
			{StepID: "a", Kind: KindTask, Inputs: map[string]InputRef{"i": {FromStep: "b"}}},
			{StepID: "b", Kind: KindTask, Inputs: map[string]InputRef{"i": {FromStep: "a"}}},
		},
	}
	require.Error(t, Validate(def, nil))
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	def := validDef()
	def.Steps[0].Kind = "bogus"
	require.Error(t, Validate(def, nil))
}

func TestValidateBoundsHierarchicalDepth(t *testing.T) {
	leaf := StepDefinition{StepID: "leaf", Kind: KindTask}
	cur := leaf
	for i := 0; i < maxHierarchicalDepth+2; i++ {
		cur = StepDefinition{StepID: "h", Kind: KindHierarchical, Substeps: []StepDefinition{cur}}
	}
	def := WorkflowDefinition{ID: "wf-deep", Version: "1", Steps: []StepDefinition{cur}}
	require.Error(t, Validate(def, nil))
}

func TestYAMLRoundTrip(t *testing.T) {
	def := validDef()
	data, err := Save(def)
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)
	require.Equal(t, def, loaded)

	data2, err := Save(loaded)
	require.NoError(t, err)
	loaded2, err := Load(data2)
	require.NoError(t, err)
	require.Equal(t, loaded, loaded2)
}

func TestSchemaJSONProducesOutput(t *testing.T) {
	data, err := SchemaJSON()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.Contains(t, string(data), "workflow.json")
}
