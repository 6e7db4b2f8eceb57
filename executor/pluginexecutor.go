package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	"github.com/flowmesh/orchestra/errs"
)

// handshakeConfig pins the protocol version agents and the engine must
// agree on before a plugin handshake is attempted, following the
// teacher's pkg/plugins/grpc handshake convention.
var handshakeConfig = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ORCHESTRA_AGENT_PLUGIN",
	MagicCookieValue: "v1",
}

// AgentGRPCClient is the thin gRPC surface an out-of-process agent
// plugin exposes: a single task-invocation RPC mirroring
// AgentExecutor.Invoke. Real plugin binaries implement this over the
// generated protobuf service; it is declared here as the interface
// go-plugin's GRPCPlugin dispenses.
type AgentGRPCClient interface {
	InvokeTask(ctx context.Context, envelopeJSON []byte) (outcomeJSON []byte, err error)
}

// agentGRPCPlugin adapts AgentGRPCClient to go-plugin's plugin.GRPCPlugin,
// the way the teacher's pkg/plugins/grpc/plugin_impl.go adapts its
// LLM/Database/Embedder provider plugins.
type agentGRPCPlugin struct {
	goplugin.Plugin
	Impl AgentGRPCClient
}

func (p *agentGRPCPlugin) GRPCClient(_ context.Context, _ *goplugin.GRPCBroker, conn *grpc.ClientConn) (any, error) {
	return nil, fmt.Errorf("pluginexecutor: client-side stub wiring is generated per agent plugin protobuf, not provided generically")
}

func (p *agentGRPCPlugin) GRPCServer(_ *goplugin.GRPCBroker, _ *grpc.Server) error {
	return fmt.Errorf("pluginexecutor: server-side registration happens inside the agent plugin binary")
}

// PluginExecutor dispatches task envelopes to out-of-process agent
// binaries launched and supervised via hashicorp/go-plugin's gRPC
// transport, grounded on the teacher's pkg/plugins/grpc/loader.go.
type PluginExecutor struct {
	mu      sync.Mutex
	clients map[string]*goplugin.Client
	agents  map[string]AgentGRPCClient
	logger  hclog.Logger
}

// NewPluginExecutor creates an executor with no agent plugins launched yet.
func NewPluginExecutor() *PluginExecutor {
	return &PluginExecutor{
		clients: make(map[string]*goplugin.Client),
		agents:  make(map[string]AgentGRPCClient),
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "orchestra-agent-plugin",
			Level: hclog.Info,
		}),
	}
}

// Launch starts binaryPath as an out-of-process agent and binds it to
// agentID. The process is supervised for the lifetime of the
// executor; Close tears every launched plugin down.
func (e *PluginExecutor) Launch(agentID, binaryPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  handshakeConfig,
		Plugins:          map[string]goplugin.Plugin{"agent": &agentGRPCPlugin{}},
		Cmd:              exec.Command(binaryPath),
		Logger:           e.logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("executor: launch agent plugin %q: %w", agentID, err)
	}

	raw, err := rpcClient.Dispense("agent")
	if err != nil {
		client.Kill()
		return fmt.Errorf("executor: dispense agent plugin %q: %w", agentID, err)
	}

	agentClient, ok := raw.(AgentGRPCClient)
	if !ok {
		client.Kill()
		return fmt.Errorf("executor: plugin %q does not implement AgentGRPCClient", agentID)
	}

	e.clients[agentID] = client
	e.agents[agentID] = agentClient
	return nil
}

// Invoke marshals envelope to JSON and sends it over the plugin's gRPC
// channel, unmarshaling the outcome on return.
func (e *PluginExecutor) Invoke(ctx context.Context, agentID string, envelope Envelope) (Outcome, error) {
	e.mu.Lock()
	agent, ok := e.agents[agentID]
	e.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("executor: no plugin launched for agent %q", agentID)
	}

	envJSON, err := json.Marshal(envelope)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: marshal envelope: %w", err)
	}

	outJSON, err := agent.InvokeTask(ctx, envJSON)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, Err: errs.New(errs.KindCancelled, "pluginexecutor", "invoke", "invocation cancelled", ctx.Err())}, nil
		}
		return Outcome{Status: StatusFailure, Err: errs.New(errs.KindTransient, "pluginexecutor", "invoke", "plugin RPC failed", err)}, nil
	}

	var outcome Outcome
	if err := json.Unmarshal(outJSON, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("executor: unmarshal plugin outcome: %w", err)
	}
	return outcome, nil
}

// Close terminates every launched agent plugin process.
func (e *PluginExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, client := range e.clients {
		client.Kill()
	}
}
