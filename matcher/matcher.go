// Package matcher implements the Capability Matcher: a pure,
// deterministic function from (registry snapshot, requirement) to a
// ranked candidate list. It performs no I/O and holds no state,
// following spec.md §4.2; the filtering pipeline and scoring formulas
// below are its only logic.
package matcher

import (
	"sort"
	"strings"

	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/pool"
)

// Strategy selects a scoring mode.
type Strategy string

const (
	StrategyWeighted       Strategy = "weighted"
	StrategyPerformance    Strategy = "performance"
	StrategyLoadBalanced   Strategy = "loadBalanced"
	StrategyFuzzy          Strategy = "fuzzy"
	StrategyMultiObjective Strategy = "multiObjective"
	StrategyCostOptimized  Strategy = "costOptimized"
)

// Requirement is what a workflow step asks for, spec.md §3
// "CapabilityRequirement".
type Requirement struct {
	Required       []string
	Preferred      []string
	Tools          []string
	ExcludeAgents  []string
	MinSuccessRate float64
	MaxLoad        float64
	Strategy       Strategy
}

// Weights parametrizes the "weighted" scoring formula. Defaults must
// reproduce a stable ordering across calls with identical inputs.
type Weights struct {
	Capability float64
	Load       float64
	Success    float64
	Latency    float64
	Priority   float64
}

// DefaultWeights mirrors the formula in spec.md §4.2's weighted row.
func DefaultWeights() Weights {
	return Weights{Capability: 0.35, Load: 0.25, Success: 0.2, Latency: 0.1, Priority: 0.1}
}

// Candidate is one ranked result.
type Candidate struct {
	AgentID string
	Score   float64
}

// Match filters snapshot against req and scores the survivors per
// req.Strategy (falling back to weights when Strategy is
// StrategyWeighted or empty), returning up to limit candidates in
// descending score order. Tie-break order: higher score, lower
// loadFactor, lower cost, lexicographically smaller id — identical
// inputs always produce an identical ordering.
func Match(snapshot []pool.Entry, req Requirement, weights Weights, limit int) ([]Candidate, error) {
	filtered := filter(snapshot, req)
	if len(filtered) == 0 {
		return nil, errs.New(errs.KindNoCandidate, "matcher", "match", "no agents satisfy the requirement", nil)
	}

	scored := make([]Candidate, 0, len(filtered))
	for _, e := range filtered {
		scored = append(scored, Candidate{AgentID: e.Descriptor.ID, Score: score(e, req, weights)})
	}

	byID := make(map[string]pool.Entry, len(filtered))
	for _, e := range filtered {
		byID[e.Descriptor.ID] = e
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ea, eb := byID[a.AgentID], byID[b.AgentID]
		if ea.Runtime.LoadFactor != eb.Runtime.LoadFactor {
			return ea.Runtime.LoadFactor < eb.Runtime.LoadFactor
		}
		if ea.Descriptor.Cost != eb.Descriptor.Cost {
			return ea.Descriptor.Cost < eb.Descriptor.Cost
		}
		return a.AgentID < b.AgentID
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func filter(snapshot []pool.Entry, req Requirement) []pool.Entry {
	excluded := toSet(req.ExcludeAgents)

	out := make([]pool.Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if e.Runtime.Status != pool.StatusAvailable && e.Runtime.Status != pool.StatusDegraded {
			continue
		}
		if _, excl := excluded[e.Descriptor.ID]; excl {
			continue
		}
		if !coversCapabilities(e.Descriptor.Capabilities, req.Required, req.Strategy == StrategyFuzzy) {
			continue
		}
		if !covers(e.Descriptor.Tools, req.Tools) {
			continue
		}
		if req.MinSuccessRate > 0 && e.Runtime.SuccessRate < req.MinSuccessRate {
			continue
		}
		if req.MaxLoad > 0 && e.Runtime.LoadFactor > req.MaxLoad {
			continue
		}
		out = append(out, e)
	}
	return out
}

func score(e pool.Entry, req Requirement, weights Weights) float64 {
	switch req.Strategy {
	case StrategyPerformance:
		return 0.7*e.Runtime.SuccessRate + 0.3*latencyBonus(e.Runtime.AvgLatencyMs)
	case StrategyLoadBalanced:
		// Tie-break by least inFlight happens naturally because the
		// primary score already penalizes load heavily; inFlight is a
		// fine-grained secondary signal folded into the same term.
		return (1 - e.Runtime.LoadFactor) - float64(e.Runtime.InFlight)*0.001
	case StrategyFuzzy:
		return fuzzyOverlap(e.Descriptor.Capabilities, req.Required) + preferredBoost(e.Descriptor.Capabilities, req.Preferred)
	case StrategyMultiObjective:
		return multiObjectiveScore(e)
	case StrategyCostOptimized:
		if e.Descriptor.Cost <= 0 {
			return 1e9 // zero/unset cost ranks best
		}
		return 1 / e.Descriptor.Cost
	default: // StrategyWeighted and unset
		capScore := overlapRatio(e.Descriptor.Capabilities, req.Required) + preferredBoost(e.Descriptor.Capabilities, req.Preferred)
		return weights.Capability*capScore +
			weights.Load*(1-e.Runtime.LoadFactor) +
			weights.Success*e.Runtime.SuccessRate +
			weights.Latency*latencyBonus(e.Runtime.AvgLatencyMs) +
			weights.Priority*e.Descriptor.Priority
	}
}

// multiObjectiveScore approximates a Pareto front across
// (success, load, latency, cost) by summing normalized objectives;
// callers needing a true Pareto front should post-filter the returned
// ranking for non-dominated candidates.
func multiObjectiveScore(e pool.Entry) float64 {
	cost := e.Descriptor.Cost
	if cost <= 0 {
		cost = 1
	}
	return e.Runtime.SuccessRate + (1 - e.Runtime.LoadFactor) + latencyBonus(e.Runtime.AvgLatencyMs) + 1/cost
}

func latencyBonus(avgLatencyMs float64) float64 {
	if avgLatencyMs <= 0 {
		return 1
	}
	return 1 / (1 + avgLatencyMs/1000)
}

func overlapRatio(have, want []string) float64 {
	if len(want) == 0 {
		return 1
	}
	haveSet := toSet(have)
	hits := 0
	for _, w := range want {
		if _, ok := haveSet[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func preferredBoost(have, preferred []string) float64 {
	if len(preferred) == 0 {
		return 0
	}
	haveSet := toSet(have)
	hits := 0
	for _, p := range preferred {
		if _, ok := haveSet[p]; ok {
			hits++
		}
	}
	return 0.1 * float64(hits)
}

func fuzzyOverlap(have, want []string) float64 {
	if len(want) == 0 {
		return 1
	}
	hits := 0.0
	for _, w := range want {
		best := 0.0
		for _, h := range have {
			if s := fuzzyScore(h, w); s > best {
				best = s
			}
		}
		hits += best
	}
	return hits / float64(len(want))
}

func fuzzyScore(have, want string) float64 {
	have, want = strings.ToLower(have), strings.ToLower(want)
	switch {
	case have == want:
		return 1
	case strings.Contains(have, want) || strings.Contains(want, have):
		return 0.6
	default:
		return 0
	}
}

func coversCapabilities(have, want []string, fuzzy bool) bool {
	if len(want) == 0 {
		return true
	}
	if !fuzzy {
		return covers(have, want)
	}
	for _, w := range want {
		found := false
		for _, h := range have {
			if fuzzyScore(h, w) > 0 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func covers(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	haveSet := toSet(have)
	for _, w := range want {
		if _, ok := haveSet[w]; !ok {
			return false
		}
	}
	return true
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
