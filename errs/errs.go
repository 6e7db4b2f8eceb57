// Package errs defines the error taxonomy shared by every orchestration
// component. It follows the teacher's *WorkflowExecutionError/*TeamError
// pattern: a single concrete error type carrying a closed-set Kind plus
// enough context (component, operation, step) for callers to branch on
// errors.Is/errors.As rather than string matching.
package errs

import "fmt"

// Kind is the closed taxonomy of error kinds from the error handling design.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNoCandidate Kind = "noCandidates"
	KindTransient   Kind = "transient"
	KindTimeout     Kind = "timeout"
	KindConsensus   Kind = "consensus"
	KindAgent       Kind = "agentFailure"
	KindConcurrent  Kind = "concurrent"
	KindCorruption  Kind = "corruption"
	KindCancelled   Kind = "cancelled"
	KindFatal       Kind = "fatal"
)

// Retryable reports whether the kind is, in general, worth retrying.
// Callers should still consult a step's retry.retryOn set; this is only
// the taxonomy's default classification.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindNoCandidate, KindAgent:
		return true
	default:
		return false
	}
}

// CrossesExecutionBoundary reports whether this kind is allowed to
// terminate an execution outright rather than being contained at the
// step or assignment level, per the propagation policy in spec.md §7.
func (k Kind) CrossesExecutionBoundary() bool {
	return k == KindFatal || k == KindCorruption
}

// Error is the orchestration core's structured error type.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	StepID    string
	Err       error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Component, e.Operation)
	if e.StepID != "" {
		prefix = fmt.Sprintf("%s step=%s", prefix, e.StepID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.KindKind-shaped sentinel) work by comparing
// Kind, mirroring how the teacher compares TaskError.Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a new *Error.
func New(kind Kind, component, operation, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation, Message: message, Err: err}
}

// WithStep annotates the error with the step it occurred in.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// Sentinels for errors.Is comparisons against a bare kind, e.g.
// errors.Is(err, errs.ErrNoCandidates).
var (
	ErrNoCandidates = &Error{Kind: KindNoCandidate}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrConsensus    = &Error{Kind: KindConsensus}
	ErrConcurrent   = &Error{Kind: KindConcurrent}
	ErrCorruption   = &Error{Kind: KindCorruption}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrFatal        = &Error{Kind: KindFatal}
	ErrValidation   = &Error{Kind: KindValidation}
)
