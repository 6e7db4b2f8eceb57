// Package statemanager owns ExecutionState and Checkpoint: atomic
// mutation, checkpointing, versioning, and crash recovery (spec.md
// §4.4). It is grounded on the teacher's pkg/checkpoint package — the
// same create/load/mutate/checkpoint/recover shape, generalized from
// "one LLM agent's conversation state inside a session" to "one
// workflow execution's step graph inside a StateStore" and backed by a
// real compare-and-set store instead of session key-value state.
package statemanager

import (
	"time"

	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/errs"
)

// Phase is an execution's top-level dynamic state, spec.md §3
// "ExecutionState".
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Level is a checkpoint's projection depth, spec.md §3 "Checkpoint".
type Level string

const (
	LevelMinimal       Level = "minimal"       // phase + step statuses only
	LevelStandard      Level = "standard"      // + blackboard
	LevelComprehensive Level = "comprehensive" // + per-step metrics
	LevelDebug         Level = "debug"         // + full assignment history
)

// StepState is one step's dynamic record within an execution.
type StepState struct {
	Status      coordinator.StepStatus
	Assignments []coordinator.Assignment
	Output      any
	Error       *errs.Error
	Metrics     coordinator.Metrics
}

// ExecutionState is the dynamic state of one workflow run, spec.md §3.
type ExecutionState struct {
	ExecutionID string
	WorkflowID  string
	Version     string
	Phase       Phase
	StartedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time

	StepStates map[string]*StepState
	Blackboard map[string]any

	// CheckpointVersion increases strictly with every successful
	// checkpoint; a reload must reproduce IntegrityHash.
	CheckpointVersion int64
	IntegrityHash     string
}

// clone deep-copies es so callers and the internal LRU cache never
// alias the same StepState/Blackboard maps.
func (es *ExecutionState) clone() *ExecutionState {
	if es == nil {
		return nil
	}
	cp := *es
	if es.FinishedAt != nil {
		t := *es.FinishedAt
		cp.FinishedAt = &t
	}
	cp.StepStates = make(map[string]*StepState, len(es.StepStates))
	for id, ss := range es.StepStates {
		ssCopy := *ss
		ssCopy.Assignments = append([]coordinator.Assignment(nil), ss.Assignments...)
		cp.StepStates[id] = &ssCopy
	}
	cp.Blackboard = make(map[string]any, len(es.Blackboard))
	for k, v := range es.Blackboard {
		cp.Blackboard[k] = v
	}
	return &cp
}

// Checkpoint is a durable snapshot of an ExecutionState at some level,
// spec.md §3 "Checkpoint".
type Checkpoint struct {
	Level         Level
	CreatedAt     time.Time
	Version       int64
	Hash          string
	Payload       []byte // compressed projection, see project()
	ParentVersion int64
}

// projection is the level-dependent slice of ExecutionState that gets
// serialized into a Checkpoint's Payload.
type projection struct {
	ExecutionID       string
	WorkflowID        string
	Version           string
	Phase             Phase
	StartedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
	CheckpointVersion int64

	StepStatuses map[string]coordinator.StepStatus

	Blackboard map[string]any `json:",omitempty"`

	StepMetrics map[string]coordinator.Metrics `json:",omitempty"`

	StepAssignments map[string][]coordinator.Assignment `json:",omitempty"`
}

func project(es *ExecutionState, level Level) projection {
	p := projection{
		ExecutionID:       es.ExecutionID,
		WorkflowID:         es.WorkflowID,
		Version:           es.Version,
		Phase:             es.Phase,
		StartedAt:         es.StartedAt,
		UpdatedAt:         es.UpdatedAt,
		FinishedAt:        es.FinishedAt,
		CheckpointVersion: es.CheckpointVersion,
		StepStatuses:      make(map[string]coordinator.StepStatus, len(es.StepStates)),
	}
	for id, ss := range es.StepStates {
		p.StepStatuses[id] = ss.Status
	}
	if level == LevelMinimal {
		return p
	}

	p.Blackboard = es.Blackboard
	if level == LevelStandard {
		return p
	}

	p.StepMetrics = make(map[string]coordinator.Metrics, len(es.StepStates))
	for id, ss := range es.StepStates {
		p.StepMetrics[id] = ss.Metrics
	}
	if level == LevelComprehensive {
		return p
	}

	p.StepAssignments = make(map[string][]coordinator.Assignment, len(es.StepStates))
	for id, ss := range es.StepStates {
		p.StepAssignments[id] = ss.Assignments
	}
	return p
}
