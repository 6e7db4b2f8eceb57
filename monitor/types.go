// Package monitor implements the Performance Monitor: it samples
// system resources, listens to the event bus for workflow execution
// signals, evaluates alert rules, and exposes a health score to the
// Coordinator's adaptive strategy (spec.md §4.5). It never mutates
// ExecutionState — it only publishes. Grounded on the teacher's
// pkg/observability/metrics.go for the per-subsystem Prometheus vector
// layout, generalized from LLM/agent/tool/session/http/rag subsystems
// to system/workflow/alerts subsystems, and on robfig/cron/v3 (used
// elsewhere in the pack for periodic jobs) for the sampling schedule.
package monitor

import "time"

// SystemSample is one reading of host resource pressure.
type SystemSample struct {
	CPUPercent     float64
	MemPercent     float64
	DiskPercent    float64
	NetBytesPerSec float64
	SampledAt      time.Time
}

// WorkflowSignals are the derived, rolling-window workflow execution
// signals of spec.md §4.5.
type WorkflowSignals struct {
	StepsStarted      int64
	StepsSucceeded    int64
	StepsFailed       int64
	AvgStepLatencyMs  float64
	ErrorRateByKind   map[string]float64
	QueueDepth        int
	Concurrency       int
}

// Severity is an Alert's urgency, spec.md §3 "Alert".
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Signals is the full snapshot an AlertRule's predicate evaluates
// over: the latest system sample plus the current workflow window.
type Signals struct {
	System   SystemSample
	Workflow WorkflowSignals
}

// AlertRule is (predicate, severity, cooldown), spec.md §4.5.
type AlertRule struct {
	Name       string
	Predicate  func(Signals) bool
	Severity   Severity
	CooldownMs int
}

// Alert is a fired rule instance, spec.md §3 "Alert". A rule firing on
// the same subject within its cooldown only updates LastSeen/Count.
type Alert struct {
	ID            string
	Severity      Severity
	Rule          string
	Subject       string
	FirstSeen     time.Time
	LastSeen      time.Time
	Count         int
	CooldownUntil time.Time
}
