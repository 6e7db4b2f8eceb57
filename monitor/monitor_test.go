package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/eventbus"
)

func TestMonitorTracksStepOutcomesFromBus(t *testing.T) {
	bus := eventbus.New()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := clock.NewSequential("alert")
	m := New(bus, clk, ids, DefaultConfig())
	defer m.Stop()

	bus.Publish(eventbus.TopicStepScheduled, "step-1")
	bus.Publish(eventbus.TopicStepFinished, coordinator.Result{
		StepID: "step-1",
		Status: coordinator.StepSucceeded,
		Assignments: []coordinator.Assignment{
			{Started: clk.Now(), Finished: clk.Now().Add(50 * time.Millisecond)},
		},
	})

	require.Eventually(t, func() bool {
		return m.workflowSignals().StepsSucceeded == 1
	}, time.Second, time.Millisecond)
}

func TestMonitorHealthScoreDefaultsTo100BeforeSampling(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	ids := clock.NewSequential("alert")
	m := New(nil, clk, ids, DefaultConfig())
	require.Equal(t, 100.0, m.HealthScore())
}

func TestHealthScorePenalizesResourcePressureAndErrors(t *testing.T) {
	healthy := healthScoreFromSignals(Signals{})
	stressed := healthScoreFromSignals(Signals{
		System:   SystemSample{CPUPercent: 95, MemPercent: 95},
		Workflow: WorkflowSignals{StepsSucceeded: 1, StepsFailed: 9},
	})
	require.Greater(t, healthy, stressed)
	require.GreaterOrEqual(t, stressed, 0.0)
	require.LessOrEqual(t, healthy, 100.0)
}

func TestAlertBookRespectsCooldown(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := clock.NewSequential("alert")
	book := newAlertBook(clk, ids)

	rule := AlertRule{Name: "always", Severity: SeverityWarn, CooldownMs: 1000, Predicate: func(Signals) bool { return true }}

	_, fired := book.evaluate(rule, "subject-1", Signals{})
	require.True(t, fired, "first evaluation must fire")

	_, fired = book.evaluate(rule, "subject-1", Signals{})
	require.False(t, fired, "second evaluation within cooldown must not re-fire")

	clk.Advance(2 * time.Second)
	_, fired = book.evaluate(rule, "subject-1", Signals{})
	require.True(t, fired, "evaluation after cooldown elapses must fire again")
}

func TestAlertBookClearsWhenPredicateGoesFalse(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	ids := clock.NewSequential("alert")
	book := newAlertBook(clk, ids)

	active := true
	rule := AlertRule{Name: "flaky", Severity: SeverityInfo, CooldownMs: 1000, Predicate: func(Signals) bool { return active }}

	_, fired := book.evaluate(rule, "s", Signals{})
	require.True(t, fired)

	active = false
	book.evaluate(rule, "s", Signals{})
	require.Empty(t, book.snapshot())
}

func TestMonitorRaisesCriticalAlertOnRetryExhausted(t *testing.T) {
	bus := eventbus.New()
	clk := clock.NewFrozen(time.Now())
	ids := clock.NewSequential("alert")
	m := New(bus, clk, ids, DefaultConfig())
	defer m.Stop()

	sub := bus.Subscribe(eventbus.TopicAlertFired)
	defer sub.Unsubscribe()

	bus.Publish(eventbus.TopicStepRetryExhausted, coordinator.RetryExhausted{
		WorkflowID: "exec-1",
		StepID:     "step-1",
		Error:      errs.New(errs.KindAgent, "coordinator", "test", "boom", nil),
	})

	require.Eventually(t, func() bool {
		for _, a := range m.ActiveAlerts() {
			if a.Rule == retryExhaustedRule && a.Subject == "exec-1" && a.Severity == SeverityCritical {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	select {
	case evt := <-sub.C:
		alert, ok := evt.Payload.(Alert)
		require.True(t, ok)
		require.Equal(t, SeverityCritical, alert.Severity)
		require.Equal(t, "exec-1", alert.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected alert.fired event")
	}
}

func TestSetRulesReplacesEvaluatedRuleSet(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	ids := clock.NewSequential("alert")
	m := New(nil, clk, ids, DefaultConfig())

	fired := false
	m.SetRules([]AlertRule{
		{Name: "always-fires", Severity: SeverityCritical, CooldownMs: 1000, Predicate: func(Signals) bool { return true }},
	})
	m.evaluateRules(Signals{})
	for _, a := range m.ActiveAlerts() {
		if a.Rule == "always-fires" {
			fired = true
		}
	}
	require.True(t, fired, "SetRules must replace the rules evaluateRules consults")

	for _, a := range m.ActiveAlerts() {
		require.NotEqual(t, "high-error-rate", a.Rule, "the old default rule set must no longer be evaluated")
	}
}

func TestSetRulesNilRestoresDefaults(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	ids := clock.NewSequential("alert")
	m := New(nil, clk, ids, DefaultConfig())

	m.SetRules([]AlertRule{{Name: "custom", Severity: SeverityInfo, Predicate: func(Signals) bool { return false }}})
	m.SetRules(nil)
	require.Equal(t, defaultRules()[0].Name, m.currentRules()[0].Name)
}

func TestMonitorCountsErrorKindsOnFailure(t *testing.T) {
	bus := eventbus.New()
	clk := clock.NewFrozen(time.Now())
	ids := clock.NewSequential("alert")
	m := New(bus, clk, ids, DefaultConfig())
	defer m.Stop()

	bus.Publish(eventbus.TopicStepScheduled, "step-2")
	bus.Publish(eventbus.TopicStepFinished, coordinator.Result{
		StepID: "step-2",
		Status: coordinator.StepFailed,
		Error:  errs.New(errs.KindAgent, "coordinator", "test", "boom", nil),
	})

	require.Eventually(t, func() bool {
		sig := m.workflowSignals()
		return sig.StepsFailed == 1 && sig.ErrorRateByKind[string(errs.KindAgent)] == 1.0
	}, time.Second, time.Millisecond)
}
