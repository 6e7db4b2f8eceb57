package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"

	"github.com/flowmesh/orchestra/errs"
)

// A2AExecutor dispatches task envelopes to remote agents speaking the
// A2A protocol, grounded on the teacher's pkg/a2a/client.NativeClient
// (github.com/a2aproject/a2a-go/a2aclient). One client is held per
// agent id, built from the URL supplied at registration; agent
// descriptors elsewhere in the system carry only the id, so callers
// wire the id->URL mapping when building the executor.
type A2AExecutor struct {
	clients map[string]*a2aclient.Client
}

// NewA2AExecutor creates an executor with no agents registered yet.
func NewA2AExecutor() *A2AExecutor {
	return &A2AExecutor{clients: make(map[string]*a2aclient.Client)}
}

// Register resolves agentURL's agent card and binds it to agentID.
func (e *A2AExecutor) Register(ctx context.Context, agentID, agentURL string) error {
	card, err := a2aclient.ResolveCard(ctx, agentURL)
	if err != nil {
		return fmt.Errorf("executor: resolve agent card for %q: %w", agentID, err)
	}
	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return fmt.Errorf("executor: create a2a client for %q: %w", agentID, err)
	}
	e.clients[agentID] = client
	return nil
}

// Invoke marshals envelope into an A2A message, sends it, and blocks
// for the resulting task's terminal state.
func (e *A2AExecutor) Invoke(ctx context.Context, agentID string, envelope Envelope) (Outcome, error) {
	client, ok := e.clients[agentID]
	if !ok {
		return Outcome{}, fmt.Errorf("executor: agent %q not registered with a2a executor", agentID)
	}

	body, err := json.Marshal(envelope.Inputs)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: marshal envelope inputs: %w", err)
	}

	msg := &a2a.Message{
		MessageID: a2a.MessageID(envelope.CorrelationID),
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.NewTextPart(string(body))},
	}

	result, err := client.SendMessage(ctx, &a2a.MessageSendParams{Message: msg})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, Err: errs.New(errs.KindCancelled, "a2aexecutor", "invoke", "invocation cancelled", ctx.Err())}, nil
		}
		return Outcome{Status: StatusFailure, Err: errs.New(errs.KindTransient, "a2aexecutor", "invoke", "send message failed", err)}, nil
	}

	taskInfo := result.TaskInfo()
	task, err := client.GetTask(ctx, &a2a.TaskQueryParams{ID: taskInfo.TaskID})
	if err != nil {
		return Outcome{Status: StatusFailure, Err: errs.New(errs.KindTransient, "a2aexecutor", "invoke", "get task failed", err)}, nil
	}

	switch task.Status.State {
	case a2a.TaskStateCompleted:
		return Outcome{Status: StatusSuccess, Payload: task.Artifacts}, nil
	case a2a.TaskStateCanceled:
		return Outcome{Status: StatusCancelled, Err: errs.New(errs.KindCancelled, "a2aexecutor", "invoke", "remote task cancelled", nil)}, nil
	default:
		return Outcome{Status: StatusFailure, Err: errs.New(errs.KindAgent, "a2aexecutor", "invoke", fmt.Sprintf("remote task ended in state %q", task.Status.State), nil)}, nil
	}
}
