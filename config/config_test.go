package config

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
)

func TestDefaultMatchesComponentDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 32, cfg.MaxConcurrentWorkflows)
	require.Equal(t, 8, cfg.MaxConcurrentStepsPerWorkflow)
	require.Equal(t, 20, cfg.MaxCheckpointsPerExecution)
	require.Equal(t, 5, cfg.MaxCASRetries)
	require.True(t, cfg.CompressionEnabled)
	require.Equal(t, "standard", cfg.DefaultCheckpointLevel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	yaml := []byte(`
maxConcurrentWorkflows: 64
cancelGraceMs: 7000
alertRules:
  - name: cpu-hot
    metric: cpu
    op: gt
    threshold: 80
    severity: warn
    cooldownMs: 15000
`)
	cfg, err := Load(yaml)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.MaxConcurrentWorkflows)
	require.Equal(t, 7000, cfg.CancelGraceMs)
	require.Len(t, cfg.AlertRules, 1)
	require.Equal(t, "cpu-hot", cfg.AlertRules[0].Name)

	// Unset fields still carry the component defaults.
	require.Equal(t, 8, cfg.MaxConcurrentStepsPerWorkflow)
}

func TestExpandDocumentSubstitutesEnvVars(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_CAP_MS", "9000")
	yaml := []byte("cancelGraceMs: ${ORCHESTRA_TEST_CAP_MS}\nmaxConcurrentWorkflows: ${ORCHESTRA_UNSET_VAR:-5}\n")
	cfg, err := Load(yaml)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.CancelGraceMs)
	require.Equal(t, 5, cfg.MaxConcurrentWorkflows)
}

func TestMonitorConfigTranslatesAlertRules(t *testing.T) {
	cfg := Default()
	cfg.AlertRules = []AlertRuleSpec{
		{Name: "cpu-hot", Metric: "cpu", Op: "gt", Threshold: 50, Severity: "warn", CooldownMs: 1000},
		{Name: "bad-op", Metric: "cpu", Op: "???", Threshold: 50},
	}
	mc := cfg.MonitorConfig()
	require.Len(t, mc.Rules, 1, "the unrecognized operator must be dropped, not installed")
	require.Equal(t, "cpu-hot", mc.Rules[0].Name)
}

func TestCoordinatorConfigProjectsWeightsAndRetry(t *testing.T) {
	cfg := Default()
	cc := cfg.CoordinatorConfig(nil)
	require.Equal(t, cfg.MatcherWeights, cc.Weights)
	require.Equal(t, cfg.RetryDefaults, cc.DefaultRetry)
}

// ApplyReload pushes a reloaded Config's cancelGraceMs into a running
// Coordinator, observable via CancelGrace (SPEC_FULL.md §1.3's hot
// reload path).
func TestApplyReloadUpdatesCoordinatorConfig(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	reg := pool.New(pool.DefaultConfig(), clk, nil)
	bus := eventbus.New()
	coord := coordinator.New(reg, bus, clk, clock.NewSequential("cid"), executor.NewInProcess(), nil, nil, coordinator.DefaultConfig())
	require.Equal(t, 5*time.Second, coord.CancelGrace())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Config, 1)
	go ApplyReload(ctx, ch, coord, nil, nil)

	reloaded := Default()
	reloaded.CancelGraceMs = 9000
	ch <- reloaded

	require.Eventually(t, func() bool {
		return coord.CancelGrace() == 9*time.Second
	}, time.Second, time.Millisecond)
}

// ApplyReload must tolerate a nil monitor/coordinator (e.g. a CLI
// running without monitoring wired up) without panicking.
func TestApplyReloadToleratesNilComponents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Config, 1)
	done := make(chan struct{})
	go func() {
		ApplyReload(ctx, ch, nil, nil, nil)
		close(done)
	}()
	ch <- Default()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ApplyReload did not return after ctx cancellation")
	}
}
