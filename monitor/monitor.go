package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/eventbus"
)

// Config tunes sampling period and alert rules, bound to spec.md §6's
// monitorSamplePeriodMs/alertRules options. It has no metric-retention
// setting.
type Config struct {
	SamplePeriod      time.Duration
	Rules             []AlertRule
	Namespace         string
	MinHealthForStart float64
}

// DefaultConfig mirrors spec.md's named default (30s sample period).
func DefaultConfig() Config {
	return Config{
		SamplePeriod:      30 * time.Second,
		Rules:             defaultRules(),
		Namespace:         "orchestra",
		MinHealthForStart: 20,
	}
}

// Monitor is the Performance Monitor of spec.md §4.5: it samples
// system resources, derives workflow signals from the event bus, fires
// alerts, and exposes a health score. It never mutates ExecutionState.
type Monitor struct {
	cfg Config
	clk clock.Clock

	bus     *eventbus.Bus
	metrics *promMetrics
	alerts  *alertBook

	cron    *cron.Cron
	entryID cron.EntryID

	mu         sync.Mutex
	prevNet    *net.IOCountersStat
	prevNetAt  time.Time
	lastSignal Signals
	rules      []AlertRule // guarded by mu; SetRules swaps it for config.Watch reloads

	stepsStarted   int64
	stepsSucceeded int64
	stepsFailed    int64
	latencySumMs   float64
	latencyCount   int64
	errorCounts    map[string]int64
	running        int64

	subScheduled      *eventbus.Subscription
	subFinished       *eventbus.Subscription
	subRetryExhausted *eventbus.Subscription
	stopCh            chan struct{}
	wg                sync.WaitGroup
}

// New builds a Monitor. bus may be nil, in which case the monitor only
// samples system resources (useful for standalone CLI diagnostics).
func New(bus *eventbus.Bus, clk clock.Clock, ids clock.IDGenerator, cfg Config) *Monitor {
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = 30 * time.Second
	}
	if cfg.Rules == nil {
		cfg.Rules = defaultRules()
	}

	m := &Monitor{
		cfg:         cfg,
		clk:         clk,
		bus:         bus,
		metrics:     newPromMetrics(cfg.Namespace),
		alerts:      newAlertBook(clk, ids),
		errorCounts: make(map[string]int64),
		stopCh:      make(chan struct{}),
		rules:       cfg.Rules,
	}

	if bus != nil {
		m.subScheduled = bus.Subscribe(eventbus.TopicStepScheduled)
		m.subFinished = bus.Subscribe(eventbus.TopicStepFinished)
		m.subRetryExhausted = bus.Subscribe(eventbus.TopicStepRetryExhausted)
		m.wg.Add(1)
		go m.drainEvents()
	}
	return m
}

// Registry exposes the monitor's private Prometheus registry for a
// /metrics handler to serve.
func (m *Monitor) Registry() *prometheus.Registry { return m.metrics.Registry() }

// Start begins periodic system sampling on the configured period,
// grounded on the pack's robfig/cron/v3 dependency for scheduling.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.SamplePeriod)
	id, err := m.cron.AddFunc(spec, func() { m.sample(ctx) })
	if err != nil {
		return fmt.Errorf("monitor: schedule sampler: %w", err)
	}
	m.entryID = id
	m.cron.Start()
	return nil
}

// Stop halts sampling and event draining.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	if m.bus != nil {
		close(m.stopCh)
		m.subScheduled.Unsubscribe()
		m.subFinished.Unsubscribe()
		m.subRetryExhausted.Unsubscribe()
		m.wg.Wait()
	}
}

func (m *Monitor) drainEvents() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case evt, ok := <-m.subScheduled.C:
			if !ok {
				return
			}
			m.onScheduled(evt)
		case evt, ok := <-m.subFinished.C:
			if !ok {
				return
			}
			m.onFinished(evt)
		case evt, ok := <-m.subRetryExhausted.C:
			if !ok {
				return
			}
			m.onRetryExhausted(evt)
		}
	}
}

func (m *Monitor) onScheduled(eventbus.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepsStarted++
	m.running++
	m.metrics.queueDepth.Set(float64(m.running))
}

func (m *Monitor) onFinished(evt eventbus.Event) {
	res, ok := evt.Payload.(coordinator.Result)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running > 0 {
		m.running--
	}
	m.metrics.queueDepth.Set(float64(m.running))
	m.metrics.concurrency.Set(float64(m.running))

	switch res.Status {
	case coordinator.StepSucceeded:
		m.stepsSucceeded++
		m.metrics.stepsTotal.WithLabelValues("succeeded").Inc()
	case coordinator.StepFailed:
		m.stepsFailed++
		m.metrics.stepsTotal.WithLabelValues("failed").Inc()
		if res.Error != nil {
			m.errorCounts[string(res.Error.Kind)]++
		}
	case coordinator.StepSkipped:
		m.metrics.stepsTotal.WithLabelValues("skipped").Inc()
	}

	for _, a := range res.Assignments {
		latencyMs := float64(a.Finished.Sub(a.Started).Milliseconds())
		if latencyMs > 0 {
			m.latencySumMs += latencyMs
			m.latencyCount++
			m.metrics.stepLatency.Observe(latencyMs / 1000.0)
		}
	}
}

// onRetryExhausted raises the dead-letter alert for a step whose
// onFailure=abort retry budget ran out, bypassing the sampled-signal
// rule evaluation loop since this alert is event-triggered, spec.md
// §4.5.
func (m *Monitor) onRetryExhausted(evt eventbus.Event) {
	re, ok := evt.Payload.(coordinator.RetryExhausted)
	if !ok {
		return
	}
	alert, fired := m.alerts.raise(retryExhaustedRule, SeverityCritical, re.WorkflowID, retryExhaustedCooldownMs)
	if !fired {
		return
	}
	m.metrics.alertsFired.WithLabelValues(alert.Rule, string(alert.Severity)).Inc()
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicAlertFired, alert)
	}
}

// workflowSignals snapshots the rolling counters into spec.md §4.5's
// WorkflowSignals shape.
func (m *Monitor) workflowSignals() WorkflowSignals {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if m.latencyCount > 0 {
		avg = m.latencySumMs / float64(m.latencyCount)
	}

	total := m.stepsSucceeded + m.stepsFailed
	rates := make(map[string]float64, len(m.errorCounts))
	for kind, count := range m.errorCounts {
		if total > 0 {
			rates[kind] = float64(count) / float64(total)
		}
	}

	return WorkflowSignals{
		StepsStarted:     m.stepsStarted,
		StepsSucceeded:   m.stepsSucceeded,
		StepsFailed:      m.stepsFailed,
		AvgStepLatencyMs: avg,
		ErrorRateByKind:  rates,
		QueueDepth:       int(m.running),
		Concurrency:      int(m.running),
	}
}

// sample takes one system reading, publishes metric.sample, evaluates
// alert rules, and refreshes the health score gauge.
func (m *Monitor) sample(ctx context.Context) {
	m.mu.Lock()
	prevNet, prevAt := m.prevNet, m.prevNetAt
	m.mu.Unlock()

	now := m.clk.Now()
	sysSample, cur := sampleSystem(ctx, prevNet, prevAt, now)

	m.mu.Lock()
	m.prevNet, m.prevNetAt = cur, now
	m.mu.Unlock()

	signals := Signals{System: sysSample, Workflow: m.workflowSignals()}

	m.mu.Lock()
	m.lastSignal = signals
	m.mu.Unlock()

	m.metrics.systemCPU.Set(sysSample.CPUPercent)
	m.metrics.systemMem.Set(sysSample.MemPercent)
	m.metrics.systemDisk.Set(sysSample.DiskPercent)
	m.metrics.systemNet.Set(sysSample.NetBytesPerSec)

	score := healthScoreFromSignals(signals)
	m.metrics.healthScore.Set(score)

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMetricSample, signals)
	}

	m.evaluateRules(signals)
}

func (m *Monitor) evaluateRules(signals Signals) {
	for _, rule := range m.currentRules() {
		alert, fired := m.alerts.evaluate(rule, ruleSubject(rule.Name), signals)
		if !fired {
			continue
		}
		m.metrics.alertsFired.WithLabelValues(rule.Name, string(rule.Severity)).Inc()
		if m.bus != nil {
			m.bus.Publish(eventbus.TopicAlertFired, alert)
		}
	}
}

// HealthScore returns the most recently sampled health score, bounded
// [0,100], for the Coordinator's adaptive strategy (spec.md §4.5). A
// monitor that has never sampled reports a perfectly healthy 100.
func (m *Monitor) HealthScore() float64 {
	m.mu.Lock()
	signal := m.lastSignal
	sampled := !signal.System.SampledAt.IsZero()
	m.mu.Unlock()
	if !sampled {
		return 100
	}
	return healthScoreFromSignals(signal)
}

// ActiveAlerts returns the current alert set, sorted by rule then subject.
func (m *Monitor) ActiveAlerts() []Alert { return m.alerts.snapshot() }

// SetRules replaces the alert rules evaluated on each sample, for the
// engine's config.Watch hot-reload path (spec.md §6's alertRules
// option). A nil rules restores the built-in defaults rather than
// disabling alerting outright.
func (m *Monitor) SetRules(rules []AlertRule) {
	if rules == nil {
		rules = defaultRules()
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
}

func (m *Monitor) currentRules() []AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules
}

func healthScoreFromSignals(s Signals) float64 {
	resourcePressure := (s.System.CPUPercent + s.System.MemPercent) / 200.0
	if resourcePressure > 1 {
		resourcePressure = 1
	}
	if resourcePressure < 0 {
		resourcePressure = 0
	}

	errorRate := 0.0
	total := s.Workflow.StepsSucceeded + s.Workflow.StepsFailed
	if total > 0 {
		errorRate = float64(s.Workflow.StepsFailed) / float64(total)
	}

	onTimeRatio := 1.0 // no deadline-miss signal tracked separately from failure today

	score := 100 * (0.4*(1-resourcePressure) + 0.4*(1-errorRate) + 0.2*onTimeRatio)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
