package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/eventbus"
	"github.com/flowmesh/orchestra/statemanager"
	"github.com/flowmesh/orchestra/workflow"
)

// runExecution drives def's top-level steps to completion in
// topological waves: every step whose fromStep dependencies are done
// becomes runnable, and a wave's steps run concurrently up to
// MaxConcurrentStepsPerWorkflow. A step's OnFailure decides whether its
// failure aborts the remaining waves.
func (e *Engine) runExecution(ctx context.Context, def workflow.WorkflowDefinition, executionID string) {
	defer e.cleanup(executionID)

	ctx = coordinator.WithExecutionID(ctx, executionID)

	deps := buildDeps(def.Steps)
	done := make(map[string]bool, len(def.Steps))
	aborted := false

	limit := int64(e.cfg.MaxConcurrentStepsPerWorkflow)
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	for len(done) < len(def.Steps) {
		if err := e.awaitUnpaused(ctx, executionID); err != nil {
			aborted = true
			break
		}

		ready := readySteps(def.Steps, deps, done)
		if len(ready) == 0 {
			break // dependency not satisfiable (shouldn't happen past workflow.Validate)
		}

		scope, err := e.currentScope(ctx, executionID)
		if err != nil {
			aborted = true
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, step := range ready {
			step := step
			if err := sem.Acquire(ctx, 1); err != nil {
				aborted = true
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				res := e.coord.Execute(ctx, step, scope, 0)
				e.persistStepResult(ctx, executionID, step, res)

				mu.Lock()
				done[step.StepID] = true
				if res.Status != coordinator.StepSucceeded && res.Status != coordinator.StepSkipped && step.OnFailure != workflow.OnFailureContinue {
					aborted = true
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if aborted {
			break
		}
	}

	e.finish(ctx, executionID, aborted)
}

// awaitUnpaused blocks until the execution's pause gate (if any) closes
// or ctx is cancelled.
func (e *Engine) awaitUnpaused(ctx context.Context, executionID string) error {
	e.mu.Lock()
	gate := e.pauseGates[executionID]
	e.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// currentScope reloads execution state and exposes each completed
// step's output keyed by stepID, the blackboard a wave's steps resolve
// their inputs against.
func (e *Engine) currentScope(ctx context.Context, executionID string) (coordinator.Scope, error) {
	es, err := e.sm.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	scope := make(coordinator.Scope, len(es.StepStates))
	for stepID, ss := range es.StepStates {
		if ss.Status == coordinator.StepSucceeded {
			scope[stepID] = ss.Output
		}
	}
	return scope, nil
}

func (e *Engine) persistStepResult(ctx context.Context, executionID string, step workflow.StepDefinition, res coordinator.Result) {
	_, _ = e.sm.Mutate(ctx, executionID, func(es *statemanager.ExecutionState) error {
		ss, ok := es.StepStates[step.StepID]
		if !ok {
			ss = &statemanager.StepState{}
			es.StepStates[step.StepID] = ss
		}
		ss.Status = res.Status
		ss.Output = res.Output
		ss.Error = res.Error
		ss.Assignments = res.Assignments
		ss.Metrics = res.Metrics
		if es.Phase == statemanager.PhasePending {
			es.Phase = statemanager.PhaseRunning
		}
		return nil
	})
}

func (e *Engine) finish(ctx context.Context, executionID string, aborted bool) {
	phase := statemanager.PhaseCompleted
	if aborted {
		phase = statemanager.PhaseFailed
	}
	now := e.clk.Now()
	_, _ = e.sm.Mutate(ctx, executionID, func(es *statemanager.ExecutionState) error {
		if es.Phase == statemanager.PhaseCancelled {
			return nil // Cancel already finalized this execution
		}
		es.Phase = phase
		es.FinishedAt = &now
		return nil
	})
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicWorkflowFinished, executionID)
	}
}

func (e *Engine) cleanup(executionID string) {
	e.mu.Lock()
	delete(e.cancels, executionID)
	for stepID, owner := range e.stepOwner {
		if owner == executionID {
			delete(e.stepOwner, stepID)
		}
	}
	e.mu.Unlock()
}
