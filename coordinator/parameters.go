package coordinator

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ParallelParams configures a "parallel" step, spec.md §4.3.
type ParallelParams struct {
	FanOut      int    `mapstructure:"fanOut"`
	Aggregation string `mapstructure:"aggregation"` // all | firstSuccess | majority | custom-reducer-id
	Reducer     string `mapstructure:"reducer"`     // used when Aggregation is a custom reducer id
}

// ScatterGatherParams configures a "scatterGather" step.
type ScatterGatherParams struct {
	Partitions int    `mapstructure:"partitions"`
	Partition  string `mapstructure:"partition"` // hash-mod | range | round-robin
	Reducer    string `mapstructure:"reducer"`
}

// ConsensusParams configures a "consensus" step.
type ConsensusParams struct {
	N           int     `mapstructure:"n"`
	Quorum      float64 `mapstructure:"quorum"` // fraction, default 0.51
	Equivalence string  `mapstructure:"equivalence"`
}

// HierarchicalParams configures a "hierarchical" step.
type HierarchicalParams struct {
	Workers    int `mapstructure:"workers"`
	MaxDepth   int `mapstructure:"maxDepth"`
	LeaderOnly bool `mapstructure:"leaderOnly"`
}

// decodeParams decodes a StepDefinition.Parameters map into dst,
// following the teacher's go.mod-declared mitchellh/mapstructure
// dependency for strategy-specific parameter decoding (spec.md §4.3).
func decodeParams(raw map[string]any, dst any) error {
	if raw == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("coordinator: build parameter decoder: %w", err)
	}
	return dec.Decode(raw)
}

func defaultParallelParams() ParallelParams {
	return ParallelParams{FanOut: 1, Aggregation: "all"}
}

func defaultScatterGatherParams() ScatterGatherParams {
	return ScatterGatherParams{Partitions: 1, Partition: "round-robin", Reducer: "concat"}
}

func defaultConsensusParams() ConsensusParams {
	return ConsensusParams{N: 1, Quorum: 0.51, Equivalence: "equal"}
}

func defaultHierarchicalParams() HierarchicalParams {
	return HierarchicalParams{Workers: 1, MaxDepth: 4}
}
