// Package config provides the engine-wide Config document of spec.md
// §6 ("recognized options with their effect"): one YAML-unmarshalled
// struct with `${VAR}`/`${VAR:-default}` expansion and fsnotify-driven
// hot reload, translated into each component's own Config type rather
// than duplicating their fields. Grounded on the teacher's top-level
// config package for the unified-entry-point shape (one struct every
// subsystem reads from) and its env.go for variable expansion, adapted
// from the teacher's LLM/agent/tool domain to the orchestration core's
// own tunables.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/engine"
	"github.com/flowmesh/orchestra/matcher"
	"github.com/flowmesh/orchestra/monitor"
	"github.com/flowmesh/orchestra/pool"
	"github.com/flowmesh/orchestra/statemanager"
	"github.com/flowmesh/orchestra/workflow"
)

// Config is the single document an operator edits, corresponding
// field-for-field to spec.md §6's configuration list.
type Config struct {
	MaxConcurrentWorkflows        int `yaml:"maxConcurrentWorkflows"`
	MaxConcurrentStepsPerWorkflow int `yaml:"maxConcurrentStepsPerWorkflow"`
	MaxConcurrentAssignmentsPer   int `yaml:"maxConcurrentAssignmentsPerStep"`

	HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int `yaml:"heartbeatTimeoutMs"`
	DegradeAfter        int `yaml:"degradeAfter"`
	RecoverAfter        int `yaml:"recoverAfter"`

	CheckpointIntervalMs       int    `yaml:"checkpointIntervalMs"`
	DefaultCheckpointLevel     string `yaml:"defaultCheckpointLevel"`
	MaxCheckpointsPerExecution int    `yaml:"maxCheckpointsPerExecution"`
	CompressionEnabled         bool   `yaml:"compressionEnabled"`
	CacheSize                  int    `yaml:"cacheSize"`
	MaxCASRetries              int    `yaml:"maxCASRetries"`

	MonitorSamplePeriodMs int             `yaml:"monitorSamplePeriodMs"`
	MetricRetentionMs     int             `yaml:"metricRetentionMs"`
	MinHealthForStart     float64         `yaml:"minHealthForStart"`
	AlertRules            []AlertRuleSpec `yaml:"alertRules"`

	MatcherWeights matcher.Weights     `yaml:"matcherWeights"`
	RetryDefaults  workflow.RetryPolicy `yaml:"retryDefaults"`
	CancelGraceMs  int                 `yaml:"cancelGraceMs"`
}

// AlertRuleSpec is the serializable form of a monitor.AlertRule: a
// named metric compared against a threshold, since a func field can't
// round-trip through YAML. ToRule resolves Metric against the fixed
// set monitor.Signals exposes.
type AlertRuleSpec struct {
	Name       string  `yaml:"name"`
	Metric     string  `yaml:"metric"` // one of: cpu, mem, disk, net, error_rate, queue_depth, concurrency
	Op         string  `yaml:"op"`     // one of: gt, lt, gte, lte
	Threshold  float64 `yaml:"threshold"`
	Severity   string  `yaml:"severity"`
	CooldownMs int     `yaml:"cooldownMs"`
}

// Default returns the document that reproduces every component's own
// DefaultConfig, so a zero-value or partially-specified Config file
// behaves identically to constructing each component directly.
func Default() Config {
	pc := pool.DefaultConfig()
	sc := statemanager.DefaultConfig()
	mc := monitor.DefaultConfig()
	ec := engine.DefaultConfig()
	cc := coordinator.DefaultConfig()

	return Config{
		MaxConcurrentWorkflows:        ec.MaxConcurrentWorkflows,
		MaxConcurrentStepsPerWorkflow: ec.MaxConcurrentStepsPerWorkflow,
		MaxConcurrentAssignmentsPer:   cc.MaxConcurrentAssignmentsPerStep,

		HeartbeatIntervalMs: int(pc.HeartbeatInterval / time.Millisecond),
		HeartbeatTimeoutMs:  int(pc.HeartbeatTimeout / time.Millisecond),
		DegradeAfter:        pc.DegradeAfter,
		RecoverAfter:        pc.RecoverAfter,

		CheckpointIntervalMs:       30_000,
		DefaultCheckpointLevel:     string(sc.DefaultLevel),
		MaxCheckpointsPerExecution: sc.MaxCheckpointsPerExecution,
		CompressionEnabled:         sc.CompressionEnabled,
		CacheSize:                  sc.CacheSize,
		MaxCASRetries:              sc.MaxCASRetries,

		MonitorSamplePeriodMs: int(mc.SamplePeriod / time.Millisecond),
		MinHealthForStart:     ec.MinHealthForStart,

		MatcherWeights: cc.Weights,
		RetryDefaults:  cc.DefaultRetry,
		CancelGraceMs:  cc.CancelGraceMs,
	}
}

// Load reads a YAML document from data, starting from Default() so
// unset fields keep each component's named default, then expanding
// environment references anywhere in the raw document text, so numeric
// fields can take their values from the environment too (handled by
// expandDocument before unmarshalling).
func Load(data []byte) (Config, error) {
	cfg := Default()
	expanded, err := expandDocument(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: expand env vars: %w", err)
	}
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// PoolConfig projects the registry-relevant fields.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond,
		DegradeAfter:      c.DegradeAfter,
		RecoverAfter:       c.RecoverAfter,
	}
}

// CoordinatorConfig projects the coordinator-relevant fields.
func (c Config) CoordinatorConfig(healthScore func() float64) coordinator.Config {
	return coordinator.Config{
		CancelGraceMs:                    c.CancelGraceMs,
		MaxConcurrentAssignmentsPerStep:  c.MaxConcurrentAssignmentsPer,
		DefaultRetry:                     c.RetryDefaults,
		Weights:                          c.MatcherWeights,
		HealthScore:                      healthScore,
	}
}

// StateManagerConfig projects the checkpoint/CAS/cache fields.
func (c Config) StateManagerConfig() statemanager.Config {
	return statemanager.Config{
		MaxCheckpointsPerExecution: c.MaxCheckpointsPerExecution,
		MaxCASRetries:              c.MaxCASRetries,
		DefaultLevel:               statemanager.Level(c.DefaultCheckpointLevel),
		CompressionEnabled:         c.CompressionEnabled,
		CacheSize:                  c.CacheSize,
	}
}

// MonitorConfig projects the sampling/alerting fields, translating
// each AlertRuleSpec into a monitor.AlertRule predicate.
func (c Config) MonitorConfig() monitor.Config {
	rules := make([]monitor.AlertRule, 0, len(c.AlertRules))
	for _, spec := range c.AlertRules {
		if rule, ok := spec.toRule(); ok {
			rules = append(rules, rule)
		}
	}
	mc := monitor.Config{
		SamplePeriod:      time.Duration(c.MonitorSamplePeriodMs) * time.Millisecond,
		Namespace:         "orchestra",
		MinHealthForStart: c.MinHealthForStart,
	}
	if len(rules) > 0 {
		mc.Rules = rules
	}
	return mc
}

// EngineConfig projects the façade-level concurrency governors.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxConcurrentWorkflows:        c.MaxConcurrentWorkflows,
		MaxConcurrentStepsPerWorkflow: c.MaxConcurrentStepsPerWorkflow,
		MinHealthForStart:             c.MinHealthForStart,
	}
}
