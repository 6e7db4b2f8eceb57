// Package coordinator implements the Multi-Agent Coordinator: the only
// component that invokes worker agents, driving one of the seven
// coordination strategies over a capability-matched set of candidates
// while enforcing concurrency, ordering, data flow, and partial-failure
// policy (spec.md §4.3). It is grounded on the teacher's
// pkg/runner.Runner — a façade that resolves a unit of work against a
// registry and drives it to completion, publishing events as it goes —
// generalized here from "run one agent over a session" to "run one
// step over a matched agent set".
package coordinator

import (
	"time"

	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/executor"
	"github.com/flowmesh/orchestra/workflow"
)

// StepStatus is the closed set of per-step dynamic states, spec.md §3
// "StepState" and §4.3's state machine.
type StepStatus string

const (
	StepNotStarted         StepStatus = "not-started"
	StepScheduled          StepStatus = "scheduled"
	StepRunning            StepStatus = "running"
	StepAwaitingDeps       StepStatus = "awaiting-dependencies"
	StepSucceeded          StepStatus = "succeeded"
	StepFailed             StepStatus = "failed"
	StepSkipped            StepStatus = "skipped"
	StepCompensated        StepStatus = "compensated"
)

// Assignment is one (agent, attempt) pairing dispatched for a step.
type Assignment struct {
	AgentID  string
	Attempt  int
	Started  time.Time
	Finished time.Time
	Outcome  executor.Outcome
}

// Success reports whether this assignment's outcome was a success.
func (a Assignment) Success() bool {
	return a.Outcome.Status == executor.StatusSuccess
}

// Metrics is a step's per-run timings and counters.
type Metrics struct {
	Attempts     int
	Duration     time.Duration
	Tally        map[string]int // consensus vote tally, keyed by canonical output representation
	Partitions   int            // scatter-gather partition count
	FailedAgents []string
}

// Result is the outcome of executing one StepDefinition.
type Result struct {
	StepID      string
	Status      StepStatus
	Output      any
	Error       *errs.Error
	Assignments []Assignment
	Metrics     Metrics
}

// RetryExhausted is published when a step with onFailure=abort runs out
// of retry attempts without succeeding, so the Performance Monitor can
// raise a critical, workflow-tagged dead-letter alert (spec.md §4.5).
type RetryExhausted struct {
	WorkflowID string
	StepID     string
	Error      *errs.Error
}

// Scope is the read-only input view a strategy resolves a step's
// workflow.InputRef values against; sequential/pipeline substeps see a
// narrower scope than the full execution blackboard (spec.md §4.3).
type Scope map[string]any

// Resolve looks up ref against scope, falling back to the literal value.
func (s Scope) Resolve(ref workflow.InputRef) any {
	if ref.FromStep != "" {
		return s[ref.FromStep]
	}
	return ref.Literal
}

// ResolveInputs resolves every entry of inputs against scope.
func ResolveInputs(inputs map[string]workflow.InputRef, scope Scope) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, ref := range inputs {
		out[k] = scope.Resolve(ref)
	}
	return out
}
