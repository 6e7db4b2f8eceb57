// Package executor defines the AgentExecutor boundary the coordinator
// uses to invoke worker agents (spec.md §4.3, §6 "AgentExecutor
// interface"). The coordinator never knows how an agent is actually
// reached; it only calls Invoke and waits on the returned outcome or
// context cancellation. InProcess is the in-memory implementation used
// by tests, grounded on the teacher's
// task.Service registration style (pkg/task/task.go).
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/orchestra/errs"
)

// Envelope is the serialized task payload sent to an agent, spec.md §6.
type Envelope struct {
	StepID        string
	Kind          string
	Inputs        map[string]any
	TimeoutMs     int
	CorrelationID string
	// CancelGraceMs bounds how long Invoke waits for a handler to settle
	// after the caller's ctx is cancelled (distinct from TimeoutMs, which
	// bounds the call's own duration) before marking the assignment
	// abandoned, spec.md §5's cancellation semantics.
	CancelGraceMs int
}

// Outcome is the result of one invocation: exactly one of Payload or
// Err is meaningful, selected by Status.
type Outcome struct {
	Status  Status
	Payload any
	Err     *errs.Error
}

// Status is the closed set of invocation results.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	// StatusAbandoned marks an assignment whose handler was still running
	// when the caller's cancellation grace window elapsed, spec.md §5:
	// "Any assignment still running after the grace window is marked
	// abandoned and does not affect execution phase."
	StatusAbandoned Status = "abandoned"
)

// AgentExecutor is the single-method boundary the coordinator invokes
// through. Implementations plug in a concrete tool transport (in
// process, A2A, a gRPC plugin, ...).
type AgentExecutor interface {
	Invoke(ctx context.Context, agentID string, envelope Envelope) (Outcome, error)
}

// Handler is one agent's task logic when running in-process.
type Handler func(ctx context.Context, envelope Envelope) (any, error)

// result carries a handler goroutine's outcome back to Invoke (and, on
// cancellation, to awaitGrace) over a buffered channel so the goroutine
// never blocks on send even if nobody is left waiting.
type result struct {
	payload any
	err     error
}

// InProcess is an AgentExecutor backed by Go functions registered per
// agent id, for tests (no network hop). Handlers should honor ctx cancellation themselves, but InProcess
// does not assume they do: on cancellation it waits out the envelope's
// CancelGraceMs for the handler to settle before marking the assignment
// abandoned, and it still enforces the envelope's own timeout as a
// belt-and-braces bound.
type InProcess struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewInProcess creates an empty in-process executor.
func NewInProcess() *InProcess {
	return &InProcess{handlers: make(map[string]Handler)}
}

// Register binds agentID to handler, overwriting any prior binding.
func (e *InProcess) Register(agentID string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[agentID] = handler
}

// Invoke runs the registered handler for agentID. A zero envelope
// timeout means "no timeout" per spec.md §8's boundary behavior;
// cancellation of ctx is still honored.
func (e *InProcess) Invoke(ctx context.Context, agentID string, envelope Envelope) (Outcome, error) {
	e.mu.RLock()
	handler, ok := e.handlers[agentID]
	e.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("executor: no handler registered for agent %q", agentID)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if envelope.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(envelope.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		payload, err := handler(runCtx, envelope)
		done <- result{payload: payload, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation (as opposed to the envelope's own
			// timeout): give the handler goroutine up to CancelGraceMs to
			// settle before giving up on it, rather than discarding its
			// result silently.
			return e.awaitGrace(done, envelope.CancelGraceMs, ctx.Err())
		}
		return Outcome{Status: StatusTimeout, Err: errs.New(errs.KindTimeout, "executor", "invoke", "invocation timed out", runCtx.Err())}, nil
	case r := <-done:
		if r.err != nil {
			return Outcome{Status: StatusFailure, Err: errs.New(errs.KindAgent, "executor", "invoke", "agent returned an error", r.err)}, nil
		}
		return Outcome{Status: StatusSuccess, Payload: r.payload}, nil
	}
}

// awaitGrace waits up to graceMs for a handler that is still running
// when its ctx was cancelled, so a handler that settles just after
// cancellation still reports its real outcome instead of being marked
// abandoned. A non-positive graceMs gives the handler no further time.
func (e *InProcess) awaitGrace(done <-chan result, graceMs int, cause error) (Outcome, error) {
	if graceMs <= 0 {
		return Outcome{Status: StatusCancelled, Err: errs.New(errs.KindCancelled, "executor", "invoke", "invocation cancelled", cause)}, nil
	}
	timer := time.NewTimer(time.Duration(graceMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded) {
				return Outcome{Status: StatusCancelled, Err: errs.New(errs.KindCancelled, "executor", "invoke", "invocation cancelled", r.err)}, nil
			}
			return Outcome{Status: StatusFailure, Err: errs.New(errs.KindAgent, "executor", "invoke", "agent returned an error", r.err)}, nil
		}
		return Outcome{Status: StatusSuccess, Payload: r.payload}, nil
	case <-timer.C:
		return Outcome{Status: StatusAbandoned, Err: errs.New(errs.KindCancelled, "executor", "invoke", "handler did not settle within cancellation grace window", cause)}, nil
	}
}
