package engine

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/eventbus"
	"github.com/flowmesh/orchestra/monitor"
	"github.com/flowmesh/orchestra/pool"
	"github.com/flowmesh/orchestra/statemanager"
	"github.com/flowmesh/orchestra/workflow"
)

// Config tunes the engine's own concurrency governors, spec.md §6's
// maxConcurrentWorkflows/maxConcurrentStepsPerWorkflow/minHealthForStart.
type Config struct {
	MaxConcurrentWorkflows        int
	MaxConcurrentStepsPerWorkflow int
	MinHealthForStart             float64
	KnownCapabilities             map[string]bool
}

// DefaultConfig mirrors spec.md's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkflows:        32,
		MaxConcurrentStepsPerWorkflow: 8,
		MinHealthForStart:             20,
	}
}

// Engine is the Workflow Engine façade of spec.md §4.6: start, status,
// pause, resume, cancel, subscribe, composed over the registry,
// coordinator, state manager, monitor, and event bus. Grounded on the
// teacher's pkg/runner.Runner façade, generalized from one LLM session
// to one DAG-shaped workflow execution.
type Engine struct {
	registry *pool.Registry
	coord    *coordinator.Coordinator
	sm       *statemanager.Manager
	mon      *monitor.Monitor
	bus      *eventbus.Bus
	clk      clock.Clock
	cfg      Config

	workflowSem chan struct{}

	mu         sync.Mutex
	cancels    map[string]context.CancelFunc
	pauseGates map[string]chan struct{}
	stepOwner  map[string]string // stepID -> executionID, for Subscribe filtering
}

// New builds an Engine. mon may be nil to run without health gating or
// alerting (health checks then always pass).
func New(registry *pool.Registry, coord *coordinator.Coordinator, sm *statemanager.Manager, mon *monitor.Monitor, bus *eventbus.Bus, clk clock.Clock, cfg Config) *Engine {
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 32
	}
	if cfg.MaxConcurrentStepsPerWorkflow <= 0 {
		cfg.MaxConcurrentStepsPerWorkflow = 8
	}
	return &Engine{
		registry:    registry,
		coord:       coord,
		sm:          sm,
		mon:         mon,
		bus:         bus,
		clk:         clk,
		cfg:         cfg,
		workflowSem: make(chan struct{}, cfg.MaxConcurrentWorkflows),
		cancels:     make(map[string]context.CancelFunc),
		pauseGates:  make(map[string]chan struct{}),
		stepOwner:   make(map[string]string),
	}
}

// Start validates def, creates its execution state, and drives it to
// completion on a background goroutine, returning the new executionID
// immediately (spec.md §4.6 "start"). force bypasses the minHealthForStart
// gate for operator-initiated overrides.
func (e *Engine) Start(ctx context.Context, def workflow.WorkflowDefinition, inputs map[string]any, force bool) (string, error) {
	if err := workflow.Validate(def, e.cfg.KnownCapabilities); err != nil {
		return "", err
	}

	if !force && e.mon != nil && e.mon.HealthScore() < e.cfg.MinHealthForStart {
		return "", errs.New(errs.KindValidation, "engine", "start", "system health below minHealthForStart", nil)
	}

	select {
	case e.workflowSem <- struct{}{}:
	default:
		if e.bus != nil {
			e.bus.Publish(eventbus.TopicWorkflowThrottled, def.ID)
		}
		return "", errs.New(errs.KindConcurrent, "engine", "start", "maxConcurrentWorkflows exceeded", nil)
	}

	es, err := e.sm.Create(ctx, def, inputs)
	if err != nil {
		<-e.workflowSem
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[es.ExecutionID] = cancel
	for _, s := range def.Steps {
		e.stepOwner[s.StepID] = es.ExecutionID
	}
	e.mu.Unlock()

	go func() {
		defer func() { <-e.workflowSem }()
		e.runExecution(runCtx, def, es.ExecutionID)
	}()

	return es.ExecutionID, nil
}

// Status returns the current projection of an execution (spec.md §4.6
// "status"), deliberately excluding the internal metrics blob.
func (e *Engine) Status(ctx context.Context, executionID string) (ExecutionStateView, error) {
	es, err := e.sm.Load(ctx, executionID)
	if err != nil {
		return ExecutionStateView{}, err
	}
	return toView(es), nil
}

// Pause blocks an execution's scheduler between waves until Resume is
// called (spec.md §4.6 "pause"); steps already dispatched run to
// completion.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	e.mu.Lock()
	if _, exists := e.pauseGates[executionID]; !exists {
		e.pauseGates[executionID] = make(chan struct{})
	}
	e.mu.Unlock()

	if _, err := e.sm.Mutate(ctx, executionID, func(es *statemanager.ExecutionState) error {
		es.Phase = statemanager.PhasePaused
		return nil
	}); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicWorkflowPaused, executionID)
	}
	return nil
}

// Resume releases a paused execution's scheduler (spec.md §4.6 "resume").
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	e.mu.Lock()
	gate, exists := e.pauseGates[executionID]
	delete(e.pauseGates, executionID)
	e.mu.Unlock()
	if exists {
		close(gate)
	}

	if _, err := e.sm.Mutate(ctx, executionID, func(es *statemanager.ExecutionState) error {
		if es.Phase == statemanager.PhasePaused {
			es.Phase = statemanager.PhaseRunning
		}
		return nil
	}); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicWorkflowResumed, executionID)
	}
	return nil
}

// Cancel signals the execution's context, giving in-flight assignments
// the coordinator's cancellation grace window to settle before the
// execution is marked cancelled (spec.md §4.6 "cancel", §4.3's grace
// window).
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, exists := e.cancels[executionID]
	gate, paused := e.pauseGates[executionID]
	delete(e.pauseGates, executionID)
	e.mu.Unlock()

	if paused {
		close(gate) // unblock the scheduler so it can observe cancellation
	}
	if exists {
		cancel()
	}

	grace := e.cancelGrace()
	select {
	case <-ctx.Done():
	case <-time.After(grace):
	}

	// Any assignment whose handler was still running when its own
	// CancelGraceMs elapsed was already marked abandoned by the executor
	// (spec.md §5); abandonment never flips the execution phase, so
	// cancellation always finalizes as PhaseCancelled here regardless of
	// how individual assignments settled.
	_, err := e.sm.Mutate(ctx, executionID, func(es *statemanager.ExecutionState) error {
		es.Phase = statemanager.PhaseCancelled
		now := e.clk.Now()
		es.FinishedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicWorkflowCancelled, executionID)
	}
	return nil
}

// cancelGrace mirrors the coordinator's own configured grace window
// (spec.md §5 ties "await acknowledgment for up to cancelGraceMs" and
// the engine's finalization wait to the same budget) so in-flight
// assignments have settled or been marked abandoned by the time Cancel
// force-finalizes the execution's phase.
func (e *Engine) cancelGrace() time.Duration {
	if e.coord == nil {
		return 5 * time.Second
	}
	return e.coord.CancelGrace()
}

// Recover replays statemanager.Manager.Recover using the registry's
// liveness as the agent-reachability oracle (spec.md §4.4 "recover").
func (e *Engine) Recover(ctx context.Context, executionID string) (ExecutionStateView, error) {
	es, err := e.sm.Recover(ctx, executionID, e.isAgentAlive)
	if err != nil {
		return ExecutionStateView{}, err
	}
	return toView(es), nil
}

func (e *Engine) isAgentAlive(agentID string) bool {
	if e.registry == nil {
		return true
	}
	entry, ok := e.registry.Get(agentID)
	if !ok {
		return false
	}
	return entry.Runtime.Status != pool.StatusRetired && entry.Runtime.Status != pool.StatusUnreachable
}

// Stream is a live event feed that opens with a synthesized snapshot so
// late subscribers see current state before the live tail (spec.md
// §4.6 "subscribe").
type Stream struct {
	C   <-chan eventbus.Event
	sub *eventbus.Subscription
}

// Close unsubscribes the underlying bus subscription.
func (s *Stream) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

// TopicWorkflowSnapshot tags the synthetic first event a Stream emits.
const TopicWorkflowSnapshot eventbus.Topic = "workflow.snapshot"

// Subscribe opens a Stream of events matching filter, scoped to events
// this engine can attribute to executionID. Step-topic events are
// filtered by the stepID->executionID ownership map recorded at Start;
// workflow-topic events carrying the bare executionID as payload are
// matched directly.
func (e *Engine) Subscribe(ctx context.Context, executionID string, filter eventbus.Topic) (*Stream, error) {
	es, err := e.sm.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}

	sub := e.bus.Subscribe(filter)
	out := make(chan eventbus.Event, 256)
	out <- eventbus.Event{Topic: TopicWorkflowSnapshot, Payload: toView(es), Timestamp: e.clk.Now()}

	go func() {
		defer close(out)
		for evt := range sub.C {
			if !e.belongsTo(evt, executionID) {
				continue
			}
			select {
			case out <- evt:
			default: // slow subscriber drops rather than blocking the bus fanout
			}
		}
	}()

	return &Stream{C: out, sub: sub}, nil
}

func (e *Engine) belongsTo(evt eventbus.Event, executionID string) bool {
	switch p := evt.Payload.(type) {
	case string:
		if p == executionID {
			return true
		}
		e.mu.Lock()
		owner := e.stepOwner[p]
		e.mu.Unlock()
		return owner == executionID
	case coordinator.Result:
		e.mu.Lock()
		owner := e.stepOwner[p.StepID]
		e.mu.Unlock()
		return owner == executionID
	default:
		return false
	}
}
