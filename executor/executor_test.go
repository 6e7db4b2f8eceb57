package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcessInvokeSuccess(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) {
		return env.Inputs["x"], nil
	})

	outcome, err := e.Invoke(context.Background(), "A", Envelope{StepID: "s1", Inputs: map[string]any{"x": 42}})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, outcome.Status)
	require.Equal(t, 42, outcome.Payload)
	require.Nil(t, outcome.Err)
}

func TestInProcessInvokeHandlerError(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) {
		return nil, errors.New("boom")
	})

	outcome, err := e.Invoke(context.Background(), "A", Envelope{StepID: "s1"})
	require.NoError(t, err)
	require.Equal(t, StatusFailure, outcome.Status)
	require.NotNil(t, outcome.Err)
	require.Contains(t, outcome.Err.Error(), "boom")
}

func TestInProcessInvokeUnregisteredAgent(t *testing.T) {
	e := NewInProcess()
	_, err := e.Invoke(context.Background(), "ghost", Envelope{StepID: "s1"})
	require.Error(t, err)
}

// A handler that never reacts to ctx cancellation itself lets the
// envelope's own timeout decide the outcome deterministically.
func TestInProcessInvokeTimeout(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) {
		<-make(chan struct{})
		return nil, nil
	})

	outcome, err := e.Invoke(context.Background(), "A", Envelope{StepID: "s1", TimeoutMs: 10})
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, outcome.Status)
	require.NotNil(t, outcome.Err)
}

// Cancelling the caller's context (distinct from the envelope timeout)
// surfaces as StatusCancelled rather than StatusTimeout.
func TestInProcessInvokeCallerCancel(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) {
		<-make(chan struct{})
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	outcome, err := e.Invoke(ctx, "A", Envelope{StepID: "s1"})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, outcome.Status)
}

// A handler still running once both ctx cancellation and the
// cancellation grace window have elapsed is marked abandoned rather than
// cancelled, spec.md §5.
func TestInProcessInvokeAbandonedAfterGrace(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) {
		<-make(chan struct{})
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	outcome, err := e.Invoke(ctx, "A", Envelope{StepID: "s1", CancelGraceMs: 20})
	require.NoError(t, err)
	require.Equal(t, StatusAbandoned, outcome.Status)
	require.NotNil(t, outcome.Err)
}

// A handler that settles within the cancellation grace window reports
// its real outcome instead of being marked abandoned.
func TestInProcessInvokeSettlesWithinGrace(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return "settled", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	outcome, err := e.Invoke(ctx, "A", Envelope{StepID: "s1", CancelGraceMs: 200})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, outcome.Status)
	require.Equal(t, "settled", outcome.Payload)
}

func TestInProcessRegisterOverwrites(t *testing.T) {
	e := NewInProcess()
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) { return "first", nil })
	e.Register("A", func(ctx context.Context, env Envelope) (any, error) { return "second", nil })

	outcome, err := e.Invoke(context.Background(), "A", Envelope{StepID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "second", outcome.Payload)
}
