package coordinator

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
)

// EquivalenceFunc decides whether two agent outputs should count as
// the same vote for consensus/majority aggregation. The spec leaves
// the relation configurable (spec.md §9 Open Questions) and requires
// callers to supply one when the default structural equality is not
// appropriate.
type EquivalenceFunc func(a, b any) bool

// ReducerFunc combines a set of per-assignment outputs into one step
// output, used by parallel's custom-reducer aggregation and by
// scatter-gather.
type ReducerFunc func(outputs []any) (any, error)

// Equivalences is the named registry of equivalence relations a
// ConsensusParams.Equivalence can select by name. Parallel's majority
// aggregation has no such parameter and always compares with "equal".
// Callers register additional relations before running workflows that
// need them.
type Equivalences struct {
	funcs map[string]EquivalenceFunc
}

// NewEquivalences creates a registry pre-seeded with "equal"
// (reflect.DeepEqual).
func NewEquivalences() *Equivalences {
	e := &Equivalences{funcs: make(map[string]EquivalenceFunc)}
	e.Register("equal", func(a, b any) bool { return reflect.DeepEqual(a, b) })
	return e
}

// Register binds name to fn.
func (e *Equivalences) Register(name string, fn EquivalenceFunc) {
	e.funcs[name] = fn
}

// Get returns the named relation, or "equal" if name is unset/unknown.
func (e *Equivalences) Get(name string) EquivalenceFunc {
	if name == "" {
		name = "equal"
	}
	if fn, ok := e.funcs[name]; ok {
		return fn
	}
	return func(a, b any) bool { return reflect.DeepEqual(a, b) }
}

// Reducers is the named registry of ReducerFuncs selectable by a
// step's "reducer" parameter.
type Reducers struct {
	funcs map[string]ReducerFunc
}

// NewReducers creates a registry pre-seeded with "concat", "sum", and
// "first".
func NewReducers() *Reducers {
	r := &Reducers{funcs: make(map[string]ReducerFunc)}
	r.Register("concat", reduceConcat)
	r.Register("sum", reduceSum)
	r.Register("first", func(outputs []any) (any, error) {
		if len(outputs) == 0 {
			return nil, fmt.Errorf("coordinator: reducer \"first\": no outputs")
		}
		return outputs[0], nil
	})
	return r
}

// Register binds name to fn.
func (r *Reducers) Register(name string, fn ReducerFunc) {
	r.funcs[name] = fn
}

// Get returns the named reducer, defaulting to "concat".
func (r *Reducers) Get(name string) ReducerFunc {
	if name == "" {
		name = "concat"
	}
	if fn, ok := r.funcs[name]; ok {
		return fn
	}
	return reduceConcat
}

func reduceConcat(outputs []any) (any, error) {
	out := make([]any, len(outputs))
	copy(out, outputs)
	return out, nil
}

func reduceSum(outputs []any) (any, error) {
	total := 0.0
	for _, o := range outputs {
		v, err := toFloat(o)
		if err != nil {
			return nil, fmt.Errorf("coordinator: reducer \"sum\": %w", err)
		}
		total += v
	}
	return total, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// partitionStrategy splits items into n partitions deterministically
// given the item slice and n, per spec.md's scatter-gather "Expected:
// three assignments each receiving a (possibly unequal) subset" —
// determinism is what makes the strategy replayable on resume.
type partitionStrategy string

const (
	partitionHashMod    partitionStrategy = "hash-mod"
	partitionRange      partitionStrategy = "range"
	partitionRoundRobin partitionStrategy = "round-robin"
)

// partition splits items into n buckets using strategy, returning
// exactly n buckets (some may be empty if n > len(items)).
func partition(items []any, n int, strategy string) [][]any {
	if n <= 0 {
		n = 1
	}
	buckets := make([][]any, n)
	for i := range buckets {
		buckets[i] = []any{}
	}

	switch partitionStrategy(strategy) {
	case partitionRange:
		per := (len(items) + n - 1) / n
		if per == 0 {
			per = 1
		}
		for i := 0; i < n; i++ {
			start := i * per
			if start >= len(items) {
				break
			}
			end := start + per
			if end > len(items) {
				end = len(items)
			}
			buckets[i] = append(buckets[i], items[start:end]...)
		}
	case partitionHashMod:
		for _, item := range items {
			idx := int(hashOf(item) % uint64(n))
			buckets[idx] = append(buckets[idx], item)
		}
	default: // round-robin
		for i, item := range items {
			buckets[i%n] = append(buckets[i%n], item)
		}
	}
	return buckets
}

func hashOf(v any) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", v)
	return h.Sum64()
}

// sortedKeys returns a deterministic key order for a vote tally map,
// used when listing the tally in a consensus step's quorum-failure error.
func sortedKeys(tally map[string]int) []string {
	keys := make([]string, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
