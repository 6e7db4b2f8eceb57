package workflow

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema generates the JSON Schema for WorkflowDefinition, the way the
// teacher's cmd/hector/schema.go generates one for its Config struct:
// definitions inlined (no $ref) so form-generation tooling that can't
// resolve $ref still works, additional properties disallowed for
// strict validation.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&WorkflowDefinition{})
	schema.ID = "https://flowmesh.dev/schemas/workflow.json"
	schema.Title = "Workflow Definition Schema"
	schema.Description = "Schema for orchestra workflow definitions"
	return schema
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
