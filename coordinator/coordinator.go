package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/eventbus"
	"github.com/flowmesh/orchestra/executor"
	"github.com/flowmesh/orchestra/matcher"
	"github.com/flowmesh/orchestra/observability"
	"github.com/flowmesh/orchestra/pool"
	"github.com/flowmesh/orchestra/workflow"
)

var tracer = observability.Tracer("orchestra/coordinator")

// Config tunes concurrency and defaults, bound to the engine-wide
// options in spec.md §6.
type Config struct {
	CancelGraceMs                   int
	MaxConcurrentAssignmentsPerStep int
	DefaultRetry                    workflow.RetryPolicy
	Weights                         matcher.Weights
	// HealthScore, when set, feeds the "observed system load" input of
	// the adaptive strategy's rule table (spec.md §4.3); it is normally
	// wired to monitor.Monitor.HealthScore. A nil func is treated as a
	// constant 100 (perfectly healthy).
	HealthScore func() float64
}

// DefaultConfig mirrors the defaults named across spec.md §4.3/§6.
func DefaultConfig() Config {
	return Config{
		CancelGraceMs:                    5000,
		MaxConcurrentAssignmentsPerStep:  16,
		DefaultRetry:                     workflow.RetryPolicy{MaxAttempts: 1},
		Weights:                          matcher.DefaultWeights(),
	}
}

// Coordinator drives a single StepDefinition through its kind's
// strategy, the only component permitted to invoke worker agents
// (spec.md §4.3). It holds no persistent data — callers (the engine
// façade) own durability via the state manager.
type Coordinator struct {
	registry     *pool.Registry
	bus          *eventbus.Bus
	clk          clock.Clock
	ids          clock.IDGenerator
	exec         executor.AgentExecutor
	equivalences *Equivalences
	reducers     *Reducers
	cfg          atomic.Pointer[Config]
}

// New creates a Coordinator. equivalences/reducers may be nil to use
// freshly seeded defaults.
func New(registry *pool.Registry, bus *eventbus.Bus, clk clock.Clock, ids clock.IDGenerator, exec executor.AgentExecutor, equivalences *Equivalences, reducers *Reducers, cfg Config) *Coordinator {
	if equivalences == nil {
		equivalences = NewEquivalences()
	}
	if reducers == nil {
		reducers = NewReducers()
	}
	c := &Coordinator{
		registry:     registry,
		bus:          bus,
		clk:          clk,
		ids:          ids,
		exec:         exec,
		equivalences: equivalences,
		reducers:     reducers,
	}
	c.cfg.Store(&cfg)
	return c
}

// config returns the coordinator's current configuration. Reads are
// lock-free and always see a fully-formed Config, even while
// UpdateConfig swaps it concurrently from a config.Watch reload.
func (c *Coordinator) config() Config {
	return *c.cfg.Load()
}

// UpdateConfig atomically replaces the coordinator's configuration, for
// the engine's config.Watch hot-reload path (spec.md §6). In-flight
// assignments keep running under the configuration they were dispatched
// with; only subsequent matching/dispatch decisions see the new values.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// Equivalences exposes the equivalence registry so callers can add
// domain-specific relations before running a consensus-using workflow.
func (c *Coordinator) Equivalences() *Equivalences { return c.equivalences }

// Reducers exposes the reducer registry for the same reason.
func (c *Coordinator) Reducers() *Reducers { return c.reducers }

// Execute runs def to completion (including its retry policy),
// spec.md §4.3's "Execution lifecycle of one step". scope resolves the
// step's inputs; depth bounds hierarchical self-recursion.
func (c *Coordinator) Execute(ctx context.Context, def workflow.StepDefinition, scope Scope, depth int) Result {
	retry := def.Retry
	if retry == nil {
		rp := c.config().DefaultRetry
		retry = &rp
	}
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.bus != nil {
			c.bus.Publish(eventbus.TopicStepScheduled, def.StepID)
			c.bus.Publish(eventbus.TopicStepStarted, def.StepID)
		}
		last = c.dispatchKindTraced(ctx, def, scope, attempt, maxAttempts, depth)
		if last.Status == StepSucceeded || last.Status == StepSkipped {
			c.settle(def, last)
			return last
		}
		if !c.retryable(last.Error, retry.RetryOn) || attempt == maxAttempts {
			break
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.TopicStepRetry, def.StepID)
		}
		if err := c.sleepBackoff(ctx, retry.Backoff, attempt); err != nil {
			last.Status = StepFailed
			last.Error = errs.New(errs.KindCancelled, "coordinator", "execute", "retry backoff interrupted", err)
			break
		}
	}

	if last.Status == StepFailed && def.OnFailure == workflow.OnFailureAbort {
		c.publishRetryExhausted(ctx, def, last)
	}

	if last.Status != StepSucceeded && def.OnFailure == workflow.OnFailureContinue {
		last.Status = StepSkipped
	}
	c.settle(def, last)
	return last
}

// publishRetryExhausted raises the monitor's dead-letter alert when a
// step with onFailure=abort exhausts its retry budget (spec.md §4.5).
func (c *Coordinator) publishRetryExhausted(ctx context.Context, def workflow.StepDefinition, res Result) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.TopicStepRetryExhausted, RetryExhausted{
		WorkflowID: executionIDFromContext(ctx),
		StepID:     def.StepID,
		Error:      res.Error,
	})
}

// executionIDCtxKey carries the owning execution's id through ctx so a
// step's retry-exhaustion alert can be tagged with it without widening
// Execute's signature for every recursive/hierarchical call site.
type executionIDCtxKey struct{}

// WithExecutionID attaches executionID to ctx for the duration of one
// engine-driven execution; Execute reads it back via
// executionIDFromContext to tag dead-letter alerts.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDCtxKey{}, executionID)
}

func executionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(executionIDCtxKey{}).(string)
	return id
}

func (c *Coordinator) settle(def workflow.StepDefinition, res Result) {
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicStepFinished, res)
	}
}

// retryable reports whether err's kind is in retryOn (or, if retryOn
// is empty, falls back to the taxonomy's default Retryable()).
func (c *Coordinator) retryable(err *errs.Error, retryOn []string) bool {
	if err == nil {
		return false
	}
	if len(retryOn) == 0 {
		return err.Kind.Retryable()
	}
	for _, k := range retryOn {
		if string(err.Kind) == k {
			return true
		}
	}
	return false
}

func (c *Coordinator) sleepBackoff(ctx context.Context, b workflow.Backoff, attempt int) error {
	delay := time.Duration(b.InitialMs) * time.Millisecond
	if b.Multiplier > 0 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * b.Multiplier)
		}
	}
	if b.CapMs > 0 && delay > time.Duration(b.CapMs)*time.Millisecond {
		delay = time.Duration(b.CapMs) * time.Millisecond
	}
	if b.JitterMs > 0 {
		delay += time.Duration(rand.Intn(b.JitterMs)) * time.Millisecond
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dispatchKindTraced brackets one attempt of dispatchKind in an OTel
// span, so a step's retries and sub-strategy fan-out show up as a
// trace tree an operator can inspect in whatever backend the
// observability package was configured to export to.
func (c *Coordinator) dispatchKindTraced(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts, depth int) Result {
	ctx, span := tracer.Start(ctx, "step."+string(def.Kind),
		trace.WithAttributes(observability.StepAttrs("", def.StepID, string(def.Kind), attempt)...))
	defer span.End()

	res := c.dispatchKind(ctx, def, scope, attempt, maxAttempts, depth)
	if res.Status == StepFailed && res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Message)
	}
	return res
}

func (c *Coordinator) dispatchKind(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts, depth int) Result {
	switch def.Kind {
	case workflow.KindTask:
		return c.executeTask(ctx, def, scope, attempt, maxAttempts)
	case workflow.KindParallel:
		return c.executeParallel(ctx, def, scope, attempt, maxAttempts)
	case workflow.KindSequential:
		return c.executeSequential(ctx, def, scope, depth)
	case workflow.KindPipeline:
		return c.executePipeline(ctx, def, scope, attempt, maxAttempts)
	case workflow.KindScatterGather:
		return c.executeScatterGather(ctx, def, scope, attempt, maxAttempts)
	case workflow.KindConsensus:
		return c.executeConsensus(ctx, def, scope, attempt, maxAttempts)
	case workflow.KindHierarchical:
		return c.executeHierarchical(ctx, def, scope, depth)
	case workflow.KindAdaptive:
		return c.executeAdaptive(ctx, def, scope, attempt, maxAttempts, depth)
	default:
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "dispatch", fmt.Sprintf("unknown step kind %q", def.Kind), nil)}
	}
}

// match filters+scores the registry snapshot for def's requirement,
// returning up to limit candidates, spec.md §4.2.
func (c *Coordinator) match(def workflow.StepDefinition, limit int) ([]matcher.Candidate, *errs.Error) {
	req := toRequirement(def.Requirement)
	snap := c.registry.Snapshot()
	candidates, err := matcher.Match(snap, req, c.config().Weights, limit)
	if err != nil {
		if oe, ok := err.(*errs.Error); ok {
			return nil, oe.WithStep(def.StepID)
		}
		return nil, errs.New(errs.KindNoCandidate, "coordinator", "match", err.Error(), err).WithStep(def.StepID)
	}
	return candidates, nil
}

func toRequirement(spec *workflow.CapabilityRequirementSpec) matcher.Requirement {
	if spec == nil {
		return matcher.Requirement{}
	}
	return matcher.Requirement{
		Required:       spec.Required,
		Preferred:      spec.Preferred,
		Tools:          spec.Tools,
		ExcludeAgents:  spec.ExcludeAgents,
		MinSuccessRate: spec.MinSuccessRate,
		MaxLoad:        spec.MaxLoad,
		Strategy:       matcher.Strategy(spec.Strategy),
	}
}

// assignmentTimeout computes a single assignment's timeout: the step
// timeout divided by maxAttempts, per spec.md §5. A zero step timeout
// means "no timeout".
func assignmentTimeout(def workflow.StepDefinition, maxAttempts int) int {
	if def.TimeoutMs <= 0 {
		return 0
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return def.TimeoutMs / maxAttempts
}

// dispatchOne invokes agentID once via the executor, bracketing the
// call with registry load accounting so the agent's inFlight counter
// always returns to its pre-dispatch value on settlement (spec.md §8's
// load-counter invariant).
func (c *Coordinator) dispatchOne(ctx context.Context, agentID string, def workflow.StepDefinition, inputs map[string]any, attempt, maxAttempts int) Assignment {
	started := c.clk.Now()
	c.registry.UpdateLoad(agentID, 1, nil)

	envelope := executor.Envelope{
		StepID:        def.StepID,
		Kind:          string(def.Kind),
		Inputs:        inputs,
		TimeoutMs:     assignmentTimeout(def, maxAttempts),
		CorrelationID: c.ids.NewID(),
		CancelGraceMs: int(c.CancelGrace().Milliseconds()),
	}

	outcome, err := c.exec.Invoke(ctx, agentID, envelope)
	if err != nil {
		outcome = executor.Outcome{
			Status: executor.StatusFailure,
			Err:    errs.New(errs.KindTransient, "coordinator", "dispatch", "executor invoke error", err).WithStep(def.StepID),
		}
	}

	finished := c.clk.Now()
	success := outcome.Status == executor.StatusSuccess
	c.registry.UpdateLoad(agentID, -1, &success)

	return Assignment{AgentID: agentID, Attempt: attempt, Started: started, Finished: finished, Outcome: outcome}
}

// CancelGrace returns the coordinator's configured cancellation grace
// window, defaulting to 5s, spec.md §5. The engine uses the same value
// when deciding how long to wait before force-finalizing a cancelled
// execution, so an assignment either settles or is marked abandoned
// before the execution phase is overwritten.
func (c *Coordinator) CancelGrace() time.Duration {
	graceMs := c.config().CancelGraceMs
	if graceMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(graceMs) * time.Millisecond
}
