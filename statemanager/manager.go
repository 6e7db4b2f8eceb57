package statemanager

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/coordinator"
	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/eventbus"
	"github.com/flowmesh/orchestra/statestore"
	"github.com/flowmesh/orchestra/workflow"
)

// Config tunes retention, CAS, and caching, bound to spec.md §6's
// defaultCheckpointLevel/maxCheckpointsPerExecution and maxCASRetries
// options. It has no checkpoint-interval setting: the Manager writes a
// checkpoint at Create and whenever Checkpoint is called, never on a
// timer.
type Config struct {
	MaxCheckpointsPerExecution int
	MaxCASRetries              int
	DefaultLevel               Level
	CompressionEnabled         bool
	CacheSize                  int
}

// DefaultConfig mirrors spec.md's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxCheckpointsPerExecution: 20,
		MaxCASRetries:              5,
		DefaultLevel:               LevelStandard,
		CompressionEnabled:         true,
		CacheSize:                  256,
	}
}

// Manager is the Workflow State Manager of spec.md §4.4.
type Manager struct {
	store statestore.StateStore
	bus   *eventbus.Bus
	clk   clock.Clock
	ids   clock.IDGenerator
	cache *lru.Cache[string, *ExecutionState]
	cfg   Config

	migrations []migrationStep
}

// New builds a Manager. bus may be nil to run without event publication.
func New(store statestore.StateStore, bus *eventbus.Bus, clk clock.Clock, ids clock.IDGenerator, cfg Config) (*Manager, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *ExecutionState](size)
	if err != nil {
		return nil, fmt.Errorf("statemanager: build cache: %w", err)
	}
	return &Manager{store: store, bus: bus, clk: clk, ids: ids, cache: cache, cfg: cfg}, nil
}

func metaKey(executionID string) string {
	return fmt.Sprintf("execution/%s/meta", executionID)
}

func checkpointKey(executionID string, version int64) string {
	return fmt.Sprintf("execution/%s/checkpoint/%d", executionID, version)
}

func checkpointPrefix(executionID string) string {
	return fmt.Sprintf("execution/%s/checkpoint/", executionID)
}

func hashProjection(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (m *Manager) hashState(es *ExecutionState) (string, error) {
	raw, err := json.Marshal(project(es, LevelDebug))
	if err != nil {
		return "", err
	}
	return hashProjection(raw), nil
}

// Create starts a new execution, immediately checkpointed at the
// configured default level (spec.md §4.4 "create").
func (m *Manager) Create(ctx context.Context, def workflow.WorkflowDefinition, inputs map[string]any) (*ExecutionState, error) {
	now := m.clk.Now()
	es := &ExecutionState{
		ExecutionID: m.ids.NewID(),
		WorkflowID:  def.ID,
		Version:     def.Version,
		Phase:       PhasePending,
		StartedAt:   now,
		UpdatedAt:   now,
		StepStates:  make(map[string]*StepState, len(def.Steps)),
		Blackboard:  map[string]any{"inputs": inputs},
	}
	for _, step := range def.Steps {
		es.StepStates[step.StepID] = &StepState{Status: coordinator.StepNotStarted}
	}

	hash, err := m.hashState(es)
	if err != nil {
		return nil, err
	}
	es.IntegrityHash = hash

	data, err := json.Marshal(es)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.CAS(ctx, metaKey(es.ExecutionID), 0, data); err != nil {
		return nil, fmt.Errorf("statemanager: create: %w", err)
	}
	m.cache.Add(es.ExecutionID, es.clone())

	level := m.cfg.DefaultLevel
	if level == "" {
		level = LevelStandard
	}
	if _, err := m.Checkpoint(ctx, es.ExecutionID, level); err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicWorkflowStarted, es.ExecutionID)
	}
	return m.Load(ctx, es.ExecutionID)
}

// Load reconstructs an ExecutionState from its meta record, falling
// back to progressively older checkpoints on integrity hash mismatch
// (spec.md §4.4 "load").
func (m *Manager) Load(ctx context.Context, executionID string) (*ExecutionState, error) {
	if es, ok := m.cache.Get(executionID); ok {
		return es.clone(), nil
	}

	rec, err := m.store.Get(ctx, metaKey(executionID))
	if err != nil {
		return nil, err
	}
	var es ExecutionState
	if err := json.Unmarshal(rec.Value, &es); err != nil {
		return nil, fmt.Errorf("statemanager: decode meta: %w", err)
	}

	want, err := m.hashState(&es)
	if err != nil {
		return nil, err
	}
	if want != es.IntegrityHash {
		recovered, cerr := m.recoverFromCheckpoints(ctx, executionID)
		if cerr != nil {
			return nil, errs.New(errs.KindCorruption, "statemanager", "load", "meta record corrupt and no valid checkpoint found", cerr)
		}
		es = *recovered
	}

	m.cache.Add(executionID, es.clone())
	return es.clone(), nil
}

// recoverFromCheckpoints scans checkpoint records newest-first and
// returns the first one that passes its own hash check, logging
// corruption for any it skips.
func (m *Manager) recoverFromCheckpoints(ctx context.Context, executionID string) (*ExecutionState, error) {
	recs, err := m.store.Scan(ctx, checkpointPrefix(executionID))
	if err != nil {
		return nil, err
	}
	var cps []Checkpoint
	for _, r := range recs {
		var cp Checkpoint
		if err := json.Unmarshal(r.Value, &cp); err != nil {
			slog.Warn("statemanager: skipping undecodable checkpoint", "key", r.Key, "error", err)
			continue
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Version > cps[j].Version })

	for _, cp := range cps {
		raw, err := m.decompress(cp.Payload)
		if err != nil {
			slog.Warn("statemanager: skipping unreadable checkpoint", "execution", executionID, "version", cp.Version, "error", err)
			continue
		}
		if hashProjection(raw) != cp.Hash {
			slog.Warn("statemanager: skipping corrupt checkpoint", "execution", executionID, "version", cp.Version)
			continue
		}
		var p projection
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Warn("statemanager: skipping undecodable checkpoint", "execution", executionID, "version", cp.Version, "error", err)
			continue
		}
		return projectionToState(p), nil
	}
	return nil, fmt.Errorf("statemanager: no valid checkpoint for %s", executionID)
}

// projectionToState rebuilds a best-effort ExecutionState from a
// (possibly minimal) projection; fields the projection's level didn't
// capture are left zero-valued.
func projectionToState(p projection) *ExecutionState {
	es := &ExecutionState{
		ExecutionID:       p.ExecutionID,
		WorkflowID:        p.WorkflowID,
		Version:           p.Version,
		Phase:             p.Phase,
		StartedAt:         p.StartedAt,
		UpdatedAt:         p.UpdatedAt,
		FinishedAt:        p.FinishedAt,
		CheckpointVersion: p.CheckpointVersion,
		StepStates:        make(map[string]*StepState, len(p.StepStatuses)),
		Blackboard:        p.Blackboard,
	}
	if es.Blackboard == nil {
		es.Blackboard = map[string]any{}
	}
	for id, status := range p.StepStatuses {
		ss := &StepState{Status: status}
		if p.StepMetrics != nil {
			ss.Metrics = p.StepMetrics[id]
		}
		if p.StepAssignments != nil {
			ss.Assignments = p.StepAssignments[id]
		}
		es.StepStates[id] = ss
	}
	hash, _ := (&Manager{}).hashState(es)
	es.IntegrityHash = hash
	return es
}

// Mutate applies mutator under a compare-and-set on the meta record,
// retrying on conflict up to MaxCASRetries (spec.md §4.4 "mutate").
func (m *Manager) Mutate(ctx context.Context, executionID string, mutator func(*ExecutionState) error) (*ExecutionState, error) {
	maxRetries := m.cfg.MaxCASRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rec, err := m.store.Get(ctx, metaKey(executionID))
		if err != nil {
			return nil, err
		}
		var es ExecutionState
		if err := json.Unmarshal(rec.Value, &es); err != nil {
			return nil, fmt.Errorf("statemanager: decode meta: %w", err)
		}

		if err := mutator(&es); err != nil {
			return nil, err
		}
		es.UpdatedAt = m.clk.Now()
		hash, err := m.hashState(&es)
		if err != nil {
			return nil, err
		}
		es.IntegrityHash = hash

		data, err := json.Marshal(&es)
		if err != nil {
			return nil, err
		}
		if _, err := m.store.CAS(ctx, metaKey(executionID), rec.Version, data); err != nil {
			if errors.Is(err, statestore.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		m.cache.Add(executionID, es.clone())
		return es.clone(), nil
	}
	return nil, errs.New(errs.KindConcurrent, "statemanager", "mutate", "exceeded maxCASRetries", lastErr)
}

func (m *Manager) compress(raw []byte) ([]byte, error) {
	if !m.cfg.CompressionEnabled {
		return raw, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manager) decompress(payload []byte) ([]byte, error) {
	if !m.cfg.CompressionEnabled {
		return payload, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		// tolerate payloads written while compression was disabled
		return payload, nil
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Checkpoint serializes the level's projection of the execution,
// compresses and hashes it, and writes it with parentVersion set to
// the previous checkpointVersion (spec.md §4.4 "checkpoint").
func (m *Manager) Checkpoint(ctx context.Context, executionID string, level Level) (*Checkpoint, error) {
	es, err := m.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(project(es, level))
	if err != nil {
		return nil, err
	}
	payload, err := m.compress(raw)
	if err != nil {
		return nil, err
	}

	version := es.CheckpointVersion + 1
	cp := &Checkpoint{
		Level:         level,
		CreatedAt:     m.clk.Now(),
		Version:       version,
		Hash:          hashProjection(raw),
		Payload:       payload,
		ParentVersion: es.CheckpointVersion,
	}
	cpData, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.CAS(ctx, checkpointKey(executionID, version), 0, cpData); err != nil {
		return nil, fmt.Errorf("statemanager: write checkpoint: %w", err)
	}

	if _, err := m.Mutate(ctx, executionID, func(es *ExecutionState) error {
		es.CheckpointVersion = version
		return nil
	}); err != nil {
		return nil, err
	}

	m.prune(ctx, executionID)
	return cp, nil
}

// prune keeps at most MaxCheckpointsPerExecution checkpoints, always
// retaining the latest of each level, per spec.md §4.4 "Retention".
func (m *Manager) prune(ctx context.Context, executionID string) {
	limit := m.cfg.MaxCheckpointsPerExecution
	if limit <= 0 {
		return
	}
	recs, err := m.store.Scan(ctx, checkpointPrefix(executionID))
	if err != nil {
		return
	}

	type entry struct {
		version int64
		level   Level
	}
	entries := make([]entry, 0, len(recs))
	for _, r := range recs {
		var cp Checkpoint
		if json.Unmarshal(r.Value, &cp) != nil {
			continue
		}
		entries = append(entries, entry{version: cp.Version, level: cp.Level})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].version > entries[j].version })

	seenLevel := make(map[Level]bool)
	kept := 0
	for _, e := range entries {
		if !seenLevel[e.level] {
			seenLevel[e.level] = true
			kept++
			continue
		}
		if kept < limit {
			kept++
			continue
		}
		_ = m.store.Delete(ctx, checkpointKey(executionID, e.version))
	}
}

// Recover reconstructs in-memory structures a coordinator can resume
// from after a crash: running steps go back to scheduled, assignments
// on unreachable agents are dropped and the step failed, spec.md §4.4
// "recover". isAgentAlive is typically the pool.Registry's liveness
// check; nil treats every agent as alive.
func (m *Manager) Recover(ctx context.Context, executionID string, isAgentAlive func(agentID string) bool) (*ExecutionState, error) {
	es, err := m.Mutate(ctx, executionID, func(es *ExecutionState) error {
		for stepID, ss := range es.StepStates {
			if ss.Status != coordinator.StepRunning {
				continue
			}
			var alive []coordinator.Assignment
			lostAgent := false
			for _, a := range ss.Assignments {
				if isAgentAlive == nil || isAgentAlive(a.AgentID) {
					alive = append(alive, a)
				} else {
					lostAgent = true
				}
			}
			ss.Assignments = alive
			if lostAgent {
				ss.Status = coordinator.StepFailed
				ss.Error = errs.New(errs.KindAgent, "statemanager", "recover", "agent unreachable during recovery", nil).WithStep(stepID)
				continue
			}
			ss.Status = coordinator.StepScheduled
		}
		if es.Phase == PhaseRunning || es.Phase == PhasePending {
			es.Phase = PhaseRunning
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicWorkflowRecovered, executionID)
	}
	return es, nil
}
