// Package pool implements the Agent Registry: the live index of worker
// agents, their declared capabilities, and their observed runtime
// health and load. It is grounded on the teacher's generic
// registry.BaseRegistry (pkg/registry/registry.go) for the concurrent
// name-keyed index, and on pkg/task/task.go's state-snapshot style for
// the runtime bookkeeping.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/eventbus"
)

// Status is the closed set of agent lifecycle states.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
	StatusRetired     Status = "retired"
)

// ResourceLimits are advisory caps on an agent's concurrent work.
type ResourceLimits struct {
	MaxConcurrentTasks int
	MemoryBudgetMB     int
}

// Descriptor is an agent's identity and declared capabilities,
// spec.md §3 "AgentDescriptor". It does not change once registered,
// other than through re-registration after retirement.
type Descriptor struct {
	ID             string
	Type           string
	Capabilities   []string
	Tools          []string
	Cost           float64
	Priority       float64
	ResourceLimits ResourceLimits
}

// Runtime is the observed, mutable state of a registered agent,
// spec.md §3 "AgentRuntime".
type Runtime struct {
	Status        Status
	LoadFactor    float64
	LastHeartbeat time.Time
	SuccessRate   float64
	AvgLatencyMs  float64
	InFlight      int

	consecutiveFailures int
	consecutiveSuccess  int
}

// Entry is the registry's internal pairing of a descriptor with its
// runtime record. Snapshot() returns copies of these, never pointers
// into the live map, so matcher/monitor readers never race a writer.
type Entry struct {
	Descriptor Descriptor
	Runtime    Runtime
}

// HeartbeatSample is what an agent reports on each heartbeat.
type HeartbeatSample struct {
	LoadFactor   float64
	InFlight     int
	SuccessRate  float64
	AvgLatencyMs float64
}

// Config tunes the registry's liveness sweep and degraded-status
// thresholds, bound to spec.md §6's heartbeatIntervalMs/heartbeatTimeoutMs.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// DegradeAfter consecutive failures moves an agent to degraded.
	DegradeAfter int
	// RecoverAfter consecutive successes clears degraded.
	RecoverAfter int
}

// DefaultConfig mirrors spec.md §4.1's stated defaults (3 / 5).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		DegradeAfter:      3,
		RecoverAfter:      5,
	}
}

// Registry is the Agent Registry component: accepts registration and
// retirement, records heartbeats, and serves immutable snapshots to
// the Capability Matcher and Performance Monitor.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	cfg     Config
	clock   clock.Clock
	bus     *eventbus.Bus

	stopSweep chan struct{}
}

// New creates an Agent Registry publishing lifecycle events on bus.
func New(cfg Config, clk clock.Clock, bus *eventbus.Bus) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		cfg:       cfg,
		clock:     clk,
		bus:       bus,
		stopSweep: make(chan struct{}),
	}
}

// Register inserts descriptor with a fresh runtime at status=available,
// load=0. Fails with errs.KindValidation wrapping ErrDuplicate if id
// already exists in a non-retired state.
func (r *Registry) Register(descriptor Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[descriptor.ID]; ok && existing.Runtime.Status != StatusRetired {
		return errs.New(errs.KindValidation, "pool", "register", "agent already registered: "+descriptor.ID, ErrDuplicate)
	}

	r.entries[descriptor.ID] = &Entry{
		Descriptor: descriptor,
		Runtime: Runtime{
			Status:        StatusAvailable,
			LastHeartbeat: r.clock.Now(),
		},
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.TopicAgentRegistered, descriptor.ID)
	}
	return nil
}

// Heartbeat updates an agent's observed load and latency statistics.
// Fails with errs.KindValidation wrapping ErrUnknown if the agent was
// never registered or is retired. A heartbeat older than 3x the
// configured interval relative to the last recorded one is ignored —
// it cannot move lastHeartbeat backwards or undo a liveness sweep.
func (r *Registry) Heartbeat(id string, at time.Time, sample HeartbeatSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.Runtime.Status == StatusRetired {
		return errs.New(errs.KindValidation, "pool", "heartbeat", "unknown agent: "+id, ErrUnknown)
	}

	if !entry.Runtime.LastHeartbeat.IsZero() && entry.Runtime.LastHeartbeat.Sub(at) > 3*r.cfg.HeartbeatInterval {
		return nil // stale, out-of-order sample; ignore
	}

	entry.Runtime.LastHeartbeat = at
	entry.Runtime.LoadFactor = sample.LoadFactor
	entry.Runtime.InFlight = sample.InFlight
	entry.Runtime.SuccessRate = sample.SuccessRate
	entry.Runtime.AvgLatencyMs = sample.AvgLatencyMs

	if entry.Runtime.Status == StatusUnreachable {
		entry.Runtime.Status = StatusAvailable
		if r.bus != nil {
			r.bus.Publish(eventbus.TopicAgentStatusChanged, id)
		}
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.TopicAgentHeartbeat, id)
	}
	return nil
}

// UpdateLoad adjusts inFlight by delta (typically +1 on dispatch, -1 on
// settlement) and records a success/failure for degraded-status
// tracking when ok is non-nil.
func (r *Registry) UpdateLoad(id string, delta int, ok *bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return
	}
	entry.Runtime.InFlight += delta
	if entry.Runtime.InFlight < 0 {
		entry.Runtime.InFlight = 0
	}

	if ok == nil {
		return
	}
	if *ok {
		entry.Runtime.consecutiveFailures = 0
		entry.Runtime.consecutiveSuccess++
		if entry.Runtime.Status == StatusDegraded && entry.Runtime.consecutiveSuccess >= r.cfg.RecoverAfter {
			entry.Runtime.Status = StatusAvailable
			entry.Runtime.consecutiveSuccess = 0
			if r.bus != nil {
				r.bus.Publish(eventbus.TopicAgentStatusChanged, id)
			}
		}
	} else {
		entry.Runtime.consecutiveSuccess = 0
		entry.Runtime.consecutiveFailures++
		if entry.Runtime.Status == StatusAvailable && entry.Runtime.consecutiveFailures >= r.cfg.DegradeAfter {
			entry.Runtime.Status = StatusDegraded
			entry.Runtime.consecutiveFailures = 0
			if r.bus != nil {
				r.bus.Publish(eventbus.TopicAgentStatusChanged, id)
			}
		}
	}
}

// Snapshot returns an immutable, independently-sorted copy of every
// registered entry, safe for the matcher and monitor to range over
// without holding the registry's lock.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Retire marks id as terminally retired. Outstanding assignments are
// still honored by the coordinator; no new ones may be issued.
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return errs.New(errs.KindValidation, "pool", "retire", "unknown agent: "+id, ErrUnknown)
	}
	entry.Runtime.Status = StatusRetired
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicAgentRetired, id)
	}
	return nil
}

// RunSweeper starts a background goroutine that marks agents whose
// lastHeartbeat has exceeded HeartbeatTimeout as unreachable. It
// returns immediately; call StopSweeper or cancel ctx to stop it.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopSweep:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// StopSweeper stops a running sweeper goroutine.
func (r *Registry) StopSweeper() {
	select {
	case <-r.stopSweep:
	default:
		close(r.stopSweep)
	}
}

func (r *Registry) sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	var changed []string
	for id, e := range r.entries {
		if e.Runtime.Status == StatusRetired || e.Runtime.Status == StatusUnreachable {
			continue
		}
		if now.Sub(e.Runtime.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			e.Runtime.Status = StatusUnreachable
			changed = append(changed, id)
		}
	}
	r.mu.Unlock()

	if r.bus != nil {
		for _, id := range changed {
			r.bus.Publish(eventbus.TopicAgentStatusChanged, id)
		}
	}
}
