package matcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/pool"
)

func entry(id string, caps, tools []string, load, success float64) pool.Entry {
	return pool.Entry{
		Descriptor: pool.Descriptor{ID: id, Capabilities: caps, Tools: tools},
		Runtime:    pool.Runtime{Status: pool.StatusAvailable, LoadFactor: load, SuccessRate: success},
	}
}

func TestMatchFiltersOnRequiredCapability(t *testing.T) {
	snap := []pool.Entry{
		entry("a", []string{"x"}, []string{"t"}, 0.1, 0.9),
		entry("b", []string{"y"}, []string{"t"}, 0.1, 0.9),
	}
	cands, err := Match(snap, Requirement{Required: []string{"x"}, Tools: []string{"t"}}, DefaultWeights(), 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "a", cands[0].AgentID)
}

func TestMatchNoCandidatesError(t *testing.T) {
	snap := []pool.Entry{entry("a", []string{"x"}, nil, 0, 1)}
	_, err := Match(snap, Requirement{Required: []string{"z"}}, DefaultWeights(), 10)
	require.ErrorIs(t, err, errs.ErrNoCandidates)
}

func TestMatchExcludesRetiredAndUnreachable(t *testing.T) {
	a := entry("a", []string{"x"}, nil, 0, 1)
	a.Runtime.Status = pool.StatusRetired
	b := entry("b", []string{"x"}, nil, 0, 1)
	b.Runtime.Status = pool.StatusUnreachable

	_, err := Match([]pool.Entry{a, b}, Requirement{Required: []string{"x"}}, DefaultWeights(), 10)
	require.ErrorIs(t, err, errs.ErrNoCandidates)
}

func TestMatchIsPure(t *testing.T) {
	snap := []pool.Entry{
		entry("a", []string{"x"}, nil, 0.2, 0.9),
		entry("b", []string{"x"}, nil, 0.5, 0.8),
	}
	req := Requirement{Required: []string{"x"}}

	first, err := Match(snap, req, DefaultWeights(), 10)
	require.NoError(t, err)
	second, err := Match(snap, req, DefaultWeights(), 10)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMatchTieBreaksByLoadThenCostThenID(t *testing.T) {
	a := entry("b", []string{"x"}, nil, 0.5, 0.5)
	b := entry("a", []string{"x"}, nil, 0.5, 0.5)
	cands, err := Match([]pool.Entry{a, b}, Requirement{Required: []string{"x"}}, DefaultWeights(), 10)
	require.NoError(t, err)
	require.Equal(t, "a", cands[0].AgentID, "equal score/load/cost must tie-break lexicographically")
}

func TestMatchLimitClamps(t *testing.T) {
	snap := []pool.Entry{
		entry("a", []string{"x"}, nil, 0.1, 1),
		entry("b", []string{"x"}, nil, 0.2, 1),
		entry("c", []string{"x"}, nil, 0.3, 1),
	}
	cands, err := Match(snap, Requirement{Required: []string{"x"}}, DefaultWeights(), 2)
	require.NoError(t, err)
	require.Len(t, cands, 2)
}

func TestMatchLoadBalancedPrefersLeastLoad(t *testing.T) {
	snap := []pool.Entry{
		entry("busy", []string{"x"}, nil, 0.9, 1),
		entry("idle", []string{"x"}, nil, 0.1, 1),
	}
	cands, err := Match(snap, Requirement{Required: []string{"x"}, Strategy: StrategyLoadBalanced}, DefaultWeights(), 10)
	require.NoError(t, err)
	require.Equal(t, "idle", cands[0].AgentID)
}

func TestMatchFuzzyAllowsSubstringCapability(t *testing.T) {
	snap := []pool.Entry{entry("a", []string{"code.python3"}, nil, 0, 1)}
	cands, err := Match(snap, Requirement{Required: []string{"code.python"}, Strategy: StrategyFuzzy}, DefaultWeights(), 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestMatchCostOptimizedPrefersCheaper(t *testing.T) {
	snap := []pool.Entry{
		entry("expensive", []string{"x"}, nil, 0, 1),
		entry("cheap", []string{"x"}, nil, 0, 1),
	}
	snap[0].Descriptor.Cost = 10
	snap[1].Descriptor.Cost = 1

	cands, err := Match(snap, Requirement{Required: []string{"x"}, Strategy: StrategyCostOptimized}, DefaultWeights(), 10)
	require.NoError(t, err)
	require.Equal(t, "cheap", cands[0].AgentID)
}
