package config

import (
	"github.com/flowmesh/orchestra/monitor"
)

// metricOf resolves an AlertRuleSpec's named metric against a sampled
// Signals value. Unknown metric names always evaluate to 0 rather than
// erroring, since rule evaluation runs on every sample tick and must
// never panic the monitor's sampling loop.
func metricOf(name string, s monitor.Signals) float64 {
	switch name {
	case "cpu":
		return s.System.CPUPercent
	case "mem":
		return s.System.MemPercent
	case "disk":
		return s.System.DiskPercent
	case "net":
		return s.System.NetBytesPerSec
	case "queue_depth":
		return float64(s.Workflow.QueueDepth)
	case "concurrency":
		return float64(s.Workflow.Concurrency)
	case "error_rate":
		var max float64
		for _, rate := range s.Workflow.ErrorRateByKind {
			if rate > max {
				max = rate
			}
		}
		return max
	default:
		return 0
	}
}

// toRule translates the serializable spec into a live monitor.AlertRule.
// Returns ok=false for a spec with an unrecognized comparison operator,
// which the caller drops rather than installing a rule that can never
// evaluate meaningfully.
func (s AlertRuleSpec) toRule() (monitor.AlertRule, bool) {
	var cmp func(a, b float64) bool
	switch s.Op {
	case "gt":
		cmp = func(a, b float64) bool { return a > b }
	case "gte":
		cmp = func(a, b float64) bool { return a >= b }
	case "lt":
		cmp = func(a, b float64) bool { return a < b }
	case "lte":
		cmp = func(a, b float64) bool { return a <= b }
	default:
		return monitor.AlertRule{}, false
	}

	metric, threshold := s.Metric, s.Threshold
	return monitor.AlertRule{
		Name:       s.Name,
		Severity:   monitor.Severity(s.Severity),
		CooldownMs: s.CooldownMs,
		Predicate: func(sig monitor.Signals) bool {
			return cmp(metricOf(metric, sig), threshold)
		},
	}, true
}
