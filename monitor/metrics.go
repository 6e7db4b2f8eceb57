package monitor

import "github.com/prometheus/client_golang/prometheus"

// promMetrics holds the Prometheus vectors the monitor exports,
// following the teacher's per-subsystem grouping (one CounterVec /
// HistogramVec / GaugeVec set per subsystem, registered against a
// private registry rather than the global one).
type promMetrics struct {
	registry *prometheus.Registry

	systemCPU  prometheus.Gauge
	systemMem  prometheus.Gauge
	systemDisk prometheus.Gauge
	systemNet  prometheus.Gauge

	stepsTotal    *prometheus.CounterVec
	stepLatency   prometheus.Histogram
	queueDepth    prometheus.Gauge
	concurrency   prometheus.Gauge
	healthScore   prometheus.Gauge

	alertsFired *prometheus.CounterVec
}

func newPromMetrics(namespace string) *promMetrics {
	reg := prometheus.NewRegistry()
	m := &promMetrics{registry: reg}

	m.systemCPU = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "system", Name: "cpu_percent", Help: "Sampled CPU utilization percentage."})
	m.systemMem = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "system", Name: "mem_percent", Help: "Sampled memory utilization percentage."})
	m.systemDisk = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "system", Name: "disk_percent", Help: "Sampled disk utilization percentage."})
	m.systemNet = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "system", Name: "net_bytes_per_sec", Help: "Sampled network I/O rate in bytes/sec."})

	m.stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "workflow", Name: "steps_total", Help: "Step terminations by outcome."}, []string{"outcome"})
	m.stepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: "workflow", Name: "step_latency_seconds", Help: "Step completion latency.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 15)})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "workflow", Name: "queue_depth", Help: "Scheduled-but-not-finished step count."})
	m.concurrency = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "workflow", Name: "concurrency", Help: "Running assignment count."})
	m.healthScore = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "workflow", Name: "health_score", Help: "Blended health score in [0,100]."})

	m.alertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "alerts", Name: "fired_total", Help: "Alerts fired by rule name."}, []string{"rule", "severity"})

	reg.MustRegister(m.systemCPU, m.systemMem, m.systemDisk, m.systemNet, m.stepsTotal, m.stepLatency, m.queueDepth, m.concurrency, m.healthScore, m.alertsFired)
	return m
}

// Registry exposes the private Prometheus registry for an HTTP
// /metrics handler to serve, the same separation the teacher keeps
// between its metrics struct and the handler that exports it.
func (m *promMetrics) Registry() *prometheus.Registry { return m.registry }
