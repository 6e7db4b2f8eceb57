package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/eventbus"
	"github.com/flowmesh/orchestra/executor"
	"github.com/flowmesh/orchestra/pool"
	"github.com/flowmesh/orchestra/statemanager"
	"github.com/flowmesh/orchestra/statestore"
	"github.com/flowmesh/orchestra/workflow"
)

// testEngine wires every leaf component behind an Engine the way the
// top-level façade composes them (spec.md §4.6), with an in-process
// executor standing in for real worker agents.
func testEngine(t *testing.T) (*Engine, *pool.Registry, *executor.InProcess, *statemanager.Manager) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	reg := pool.New(pool.DefaultConfig(), clk, bus)
	exec := executor.NewInProcess()
	coord := coordinator.New(reg, bus, clk, clock.NewSequential("cid"), exec, nil, nil, coordinator.DefaultConfig())

	sm, err := statemanager.New(statestore.NewMemory(), bus, clk, clock.NewSequential("exec"), statemanager.DefaultConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	eng := New(reg, coord, sm, nil, bus, clk, cfg)
	return eng, reg, exec, sm
}

func taskStep(stepID string, inputs map[string]workflow.InputRef) workflow.StepDefinition {
	return workflow.StepDefinition{
		StepID: stepID,
		Kind:   workflow.KindTask,
		Requirement: &workflow.CapabilityRequirementSpec{
			Required: []string{"x"},
			Tools:    []string{"t"},
		},
		Inputs: inputs,
	}
}

func waitForPhase(t *testing.T, eng *Engine, executionID string, want statemanager.Phase, timeout time.Duration) statemanager.ExecutionStateView {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		view, err := eng.Status(context.Background(), executionID)
		require.NoError(t, err)
		if view.Phase == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s did not reach phase %q in time (last phase=%q)", executionID, want, view.Phase)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineStartSingleStepCompletes(t *testing.T) {
	eng, reg, exec, _ := testEngine(t)
	require.NoError(t, reg.Register(pool.Descriptor{ID: "A", Capabilities: []string{"x"}, Tools: []string{"t"}}))
	exec.Register("A", func(ctx context.Context, e executor.Envelope) (any, error) { return "done", nil })

	def := workflow.WorkflowDefinition{ID: "wf1", Version: "1", Steps: []workflow.StepDefinition{taskStep("s1", nil)}}
	execID, err := eng.Start(context.Background(), def, nil, false)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	view := waitForPhase(t, eng, execID, statemanager.PhaseCompleted, 2*time.Second)
	require.Equal(t, coordinator.StepSucceeded, view.StepStatuses["s1"])
}

// Steps chained by fromStep run in dependency order, each wave waiting
// for its predecessor's output.
func TestEngineDependentStepsRunInOrder(t *testing.T) {
	eng, reg, exec, sm := testEngine(t)
	require.NoError(t, reg.Register(pool.Descriptor{ID: "A", Capabilities: []string{"x"}, Tools: []string{"t"}}))

	var order []string
	exec.Register("A", func(ctx context.Context, e executor.Envelope) (any, error) {
		order = append(order, e.StepID)
		if e.StepID == "s1" {
			return "s1-out", nil
		}
		return e.Inputs["prev"], nil
	})

	def := workflow.WorkflowDefinition{
		ID:      "wf2",
		Version: "1",
		Steps: []workflow.StepDefinition{
			taskStep("s1", nil),
			taskStep("s2", map[string]workflow.InputRef{"prev": {FromStep: "s1"}}),
		},
	}
	execID, err := eng.Start(context.Background(), def, nil, false)
	require.NoError(t, err)

	waitForPhase(t, eng, execID, statemanager.PhaseCompleted, 2*time.Second)
	require.Equal(t, []string{"s1", "s2"}, order)

	es, err := sm.Load(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, "s1-out", es.StepStates["s2"].Output)
}

// A step failure with onFailure=abort (the default) marks the whole
// execution failed and does not run downstream steps.
func TestEngineStepFailureAbortsExecution(t *testing.T) {
	eng, reg, exec, _ := testEngine(t)
	require.NoError(t, reg.Register(pool.Descriptor{ID: "A", Capabilities: []string{"x"}, Tools: []string{"t"}}))

	var ran []string
	exec.Register("A", func(ctx context.Context, e executor.Envelope) (any, error) {
		ran = append(ran, e.StepID)
		if e.StepID == "s1" {
			return nil, context.DeadlineExceeded
		}
		return "ok", nil
	})

	def := workflow.WorkflowDefinition{
		ID:      "wf3",
		Version: "1",
		Steps: []workflow.StepDefinition{
			taskStep("s1", nil),
			taskStep("s2", map[string]workflow.InputRef{"prev": {FromStep: "s1"}}),
		},
	}
	execID, err := eng.Start(context.Background(), def, nil, false)
	require.NoError(t, err)

	waitForPhase(t, eng, execID, statemanager.PhaseFailed, 2*time.Second)
	require.Equal(t, []string{"s1"}, ran, "s2 must not run once s1 fails with onFailure=abort")
}

func TestEngineValidatesBeforeStart(t *testing.T) {
	eng, _, _, _ := testEngine(t)
	def := workflow.WorkflowDefinition{ID: "", Version: "1"}
	_, err := eng.Start(context.Background(), def, nil, false)
	require.Error(t, err)
}

func TestEngineCancelMarksExecutionCancelled(t *testing.T) {
	eng, reg, exec, _ := testEngine(t)
	require.NoError(t, reg.Register(pool.Descriptor{ID: "A", Capabilities: []string{"x"}, Tools: []string{"t"}}))

	started := make(chan struct{})
	exec.Register("A", func(ctx context.Context, e executor.Envelope) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := workflow.WorkflowDefinition{ID: "wf4", Version: "1", Steps: []workflow.StepDefinition{taskStep("s1", nil)}}
	execID, err := eng.Start(context.Background(), def, nil, false)
	require.NoError(t, err)

	<-started
	require.NoError(t, eng.Cancel(context.Background(), execID))

	view, err := eng.Status(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, statemanager.PhaseCancelled, view.Phase)
}

func TestEngineSubscribeDeliversSnapshotThenFinish(t *testing.T) {
	eng, reg, exec, _ := testEngine(t)
	require.NoError(t, reg.Register(pool.Descriptor{ID: "A", Capabilities: []string{"x"}, Tools: []string{"t"}}))

	release := make(chan struct{})
	exec.Register("A", func(ctx context.Context, e executor.Envelope) (any, error) {
		<-release // held open until the test has subscribed, so the finish event isn't missed
		return "done", nil
	})

	def := workflow.WorkflowDefinition{ID: "wf5", Version: "1", Steps: []workflow.StepDefinition{taskStep("s1", nil)}}
	execID, err := eng.Start(context.Background(), def, nil, false)
	require.NoError(t, err)

	stream, err := eng.Subscribe(context.Background(), execID, eventbus.TopicWorkflowFinished)
	require.NoError(t, err)
	defer stream.Close()
	close(release)

	first := <-stream.C
	require.Equal(t, TopicWorkflowSnapshot, first.Topic)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-stream.C:
			if evt.Topic == eventbus.TopicWorkflowFinished {
				require.Equal(t, execID, evt.Payload)
				return
			}
		case <-deadline:
			t.Fatal("did not observe workflow.finished on the stream in time")
		}
	}
}
