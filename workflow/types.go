// Package workflow defines the static plan data model — WorkflowDefinition
// and StepDefinition — and the validator the engine façade runs at
// start. Definitions round-trip through YAML (gopkg.in/yaml.v3), the
// format the teacher uses for its own configuration documents, and
// expose a JSON Schema via invopop/jsonschema the way the teacher's
// cmd/hector/schema.go does for its config struct.
package workflow

// ============================================================================
// STEP KIND AND FAILURE POLICY
// ============================================================================

// Kind is the closed set of step kinds: the seven coordination
// strategies plus the terminal "task" kind for a leaf unit of work.
type Kind string

const (
	KindTask          Kind = "task"
	KindParallel      Kind = "parallel"
	KindSequential    Kind = "sequential"
	KindPipeline      Kind = "pipeline"
	KindScatterGather Kind = "scatterGather"
	KindConsensus     Kind = "consensus"
	KindHierarchical  Kind = "hierarchical"
	KindAdaptive      Kind = "adaptive"
)

// OnFailure governs how a step failure is handled by its parent.
type OnFailure string

const (
	OnFailureAbort      OnFailure = "abort"
	OnFailureContinue   OnFailure = "continue"
	OnFailureCompensate OnFailure = "compensate"
)

// ============================================================================
// RETRY POLICY
// ============================================================================

// Backoff parametrizes retry delay growth.
type Backoff struct {
	InitialMs  int     `yaml:"initialMs" json:"initialMs"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	JitterMs   int     `yaml:"jitterMs" json:"jitterMs"`
	CapMs      int     `yaml:"capMs" json:"capMs"`
}

// RetryPolicy is a step's retry configuration.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"maxAttempts" json:"maxAttempts"`
	Backoff     Backoff  `yaml:"backoff" json:"backoff"`
	RetryOn     []string `yaml:"retryOn" json:"retryOn"`
}

// ============================================================================
// CAPABILITY REQUIREMENT AND INPUTS
// ============================================================================

// CapabilityRequirementSpec is the on-disk form of matcher.Requirement.
type CapabilityRequirementSpec struct {
	Required       []string `yaml:"required,omitempty" json:"required,omitempty"`
	Preferred      []string `yaml:"preferred,omitempty" json:"preferred,omitempty"`
	Tools          []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	ExcludeAgents  []string `yaml:"excludeAgents,omitempty" json:"excludeAgents,omitempty"`
	MinSuccessRate float64  `yaml:"minSuccessRate,omitempty" json:"minSuccessRate,omitempty"`
	MaxLoad        float64  `yaml:"maxLoad,omitempty" json:"maxLoad,omitempty"`
	Strategy       string   `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// InputRef resolves a step input from a literal constant or an earlier
// step's blackboard output.
type InputRef struct {
	// FromStep, when set, reads the named step's output.
	FromStep string `yaml:"fromStep,omitempty" json:"fromStep,omitempty"`
	// Literal, used when FromStep is empty, is a constant value.
	Literal any `yaml:"literal,omitempty" json:"literal,omitempty"`
}

// ============================================================================
// STEP AND WORKFLOW DEFINITION
// ============================================================================

// StepDefinition is one node of the workflow DAG, spec.md §3.
type StepDefinition struct {
	StepID      string                     `yaml:"stepId" json:"stepId"`
	Kind        Kind                       `yaml:"kind" json:"kind"`
	Requirement *CapabilityRequirementSpec `yaml:"requirement,omitempty" json:"requirement,omitempty"`
	Inputs      map[string]InputRef        `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	TimeoutMs   int                        `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Retry       *RetryPolicy               `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnFailure   OnFailure                  `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`
	// Parameters holds strategy-specific configuration (e.g. fanOut,
	// aggregation, partitioning, quorum), decoded per-strategy by the
	// coordinator via mitchellh/mapstructure.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// Substeps holds the nested steps for sequential/pipeline/hierarchical kinds.
	Substeps []StepDefinition `yaml:"substeps,omitempty" json:"substeps,omitempty"`
}

// WorkflowDefinition is the static plan, spec.md §3.
type WorkflowDefinition struct {
	ID      string           `yaml:"id" json:"id"`
	Version string           `yaml:"version" json:"version"`
	Steps   []StepDefinition `yaml:"steps" json:"steps"`
}
