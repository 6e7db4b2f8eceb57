// Package engine implements the Workflow Engine façade (spec.md §4.6):
// the user-facing start/status/pause/resume/cancel/subscribe surface
// that composes the Agent Registry, Capability Matcher (via the
// Coordinator), Multi-Agent Coordinator, Workflow State Manager,
// Performance Monitor, and event bus into one entry point. Grounded on
// the teacher's pkg/runner.Runner — a façade that resolves a unit of
// work, drives it to completion, and streams events — generalized here
// from "one agent session" to "one workflow execution over a step DAG".
package engine

import (
	"time"

	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/statemanager"
)

// ExecutionStateView is the read-facing projection of ExecutionState
// returned by Status, deliberately excluding the internal metrics blob
// (spec.md §4.6 "status").
type ExecutionStateView struct {
	ExecutionID  string
	WorkflowID   string
	Phase        statemanager.Phase
	StartedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
	StepStatuses map[string]coordinator.StepStatus
}

func toView(es *statemanager.ExecutionState) ExecutionStateView {
	v := ExecutionStateView{
		ExecutionID:  es.ExecutionID,
		WorkflowID:   es.WorkflowID,
		Phase:        es.Phase,
		StartedAt:    es.StartedAt,
		UpdatedAt:    es.UpdatedAt,
		FinishedAt:   es.FinishedAt,
		StepStatuses: make(map[string]coordinator.StepStatus, len(es.StepStates)),
	}
	for id, ss := range es.StepStates {
		v.StepStatuses[id] = ss.Status
	}
	return v
}
