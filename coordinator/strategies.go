package coordinator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flowmesh/orchestra/errs"
	"github.com/flowmesh/orchestra/workflow"
)

// executeTask dispatches a single leaf task to the best-matched
// candidate, spec.md §3's terminal "task" kind.
func (c *Coordinator) executeTask(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts int) Result {
	candidates, merr := c.match(def, 1)
	if merr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: merr}
	}

	inputs := ResolveInputs(def.Inputs, scope)
	a := c.dispatchOne(ctx, candidates[0].AgentID, def, inputs, attempt, maxAttempts)
	if a.Success() {
		return Result{StepID: def.StepID, Status: StepSucceeded, Output: a.Outcome.Payload, Assignments: []Assignment{a}, Metrics: Metrics{Attempts: attempt}}
	}
	return Result{StepID: def.StepID, Status: StepFailed, Error: a.Outcome.Err, Assignments: []Assignment{a}, Metrics: Metrics{Attempts: attempt}}
}

// executeParallel fans a task out to fanOut candidates and combines
// results per the configured aggregation, spec.md §4.3 "parallel".
func (c *Coordinator) executeParallel(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts int) Result {
	params := defaultParallelParams()
	if err := decodeParams(def.Parameters, &params); err != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "parallel", err.Error(), nil).WithStep(def.StepID)}
	}
	if params.FanOut <= 0 {
		params.FanOut = 1
	}

	candidates, merr := c.match(def, params.FanOut)
	if merr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: merr}
	}
	fanOut := len(candidates) // clamped to candidate count, spec.md §8

	inputs := ResolveInputs(def.Inputs, scope)
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan Assignment, fanOut)
	for _, cand := range candidates {
		agentID := cand.AgentID
		go func() {
			ch <- c.dispatchOne(dispatchCtx, agentID, def, inputs, attempt, maxAttempts)
		}()
	}

	var assignments []Assignment
	for i := 0; i < fanOut; i++ {
		a := <-ch
		assignments = append(assignments, a)
		if params.Aggregation == "firstSuccess" && a.Success() {
			cancel()
			drainAssignments(ch, fanOut-len(assignments))
			break
		}
	}
	sortAssignmentsByAgentID(assignments)

	switch params.Aggregation {
	case "firstSuccess":
		for _, a := range assignments {
			if a.Success() {
				return Result{StepID: def.StepID, Status: StepSucceeded, Output: a.Outcome.Payload, Assignments: assignments}
			}
		}
		return Result{StepID: def.StepID, Status: StepFailed, Error: firstError(assignments).WithStep(def.StepID), Assignments: assignments}

	case "majority":
		groups := groupOutputs(assignments, c.equivalences.Get("equal"))
		needed := fanOut/2 + 1
		winner, count := bestGroup(groups)
		if count >= needed {
			return Result{StepID: def.StepID, Status: StepSucceeded, Output: winner, Assignments: assignments, Metrics: Metrics{Tally: tallyOf(groups)}}
		}
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindConsensus, "coordinator", "parallel", "majority not reached", nil).WithStep(def.StepID), Assignments: assignments, Metrics: Metrics{Tally: tallyOf(groups)}}

	case "all":
		failed := firstError(assignments)
		if failed != nil {
			return Result{StepID: def.StepID, Status: StepFailed, Error: failed.WithStep(def.StepID), Assignments: assignments}
		}
		outputs := make([]any, 0, len(assignments))
		for _, a := range assignments {
			outputs = append(outputs, a.Outcome.Payload)
		}
		return Result{StepID: def.StepID, Status: StepSucceeded, Output: outputs, Assignments: assignments}

	default: // custom reducer id
		var outputs []any
		for _, a := range assignments {
			if a.Success() {
				outputs = append(outputs, a.Outcome.Payload)
			}
		}
		reducerName := params.Reducer
		if reducerName == "" {
			reducerName = params.Aggregation
		}
		out, err := c.reducers.Get(reducerName)(outputs)
		if err != nil {
			return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindAgent, "coordinator", "parallel", err.Error(), err).WithStep(def.StepID), Assignments: assignments}
		}
		return Result{StepID: def.StepID, Status: StepSucceeded, Output: out, Assignments: assignments}
	}
}

// executeSequential runs substeps in order inside the step's own local
// scope, chaining each substep's output to the next, spec.md §4.3
// "sequential".
func (c *Coordinator) executeSequential(ctx context.Context, def workflow.StepDefinition, scope Scope, depth int) Result {
	local := make(Scope, len(scope)+len(def.Substeps))
	for k, v := range scope {
		local[k] = v
	}

	var assignments []Assignment
	for _, sub := range def.Substeps {
		res := c.Execute(ctx, sub, local, depth)
		assignments = append(assignments, res.Assignments...)

		if res.Status == StepSucceeded {
			local[sub.StepID] = res.Output
			continue
		}
		if sub.OnFailure == workflow.OnFailureContinue {
			local[sub.StepID] = nil
			continue
		}
		return Result{StepID: def.StepID, Status: StepFailed, Error: res.Error, Assignments: assignments}
	}
	return Result{StepID: def.StepID, Status: StepSucceeded, Output: local, Assignments: assignments}
}

// executePipeline runs substeps in order, each pinned to a distinct
// agent, passing only the previous substep's output forward rather
// than the full scope, spec.md §4.3 "pipeline".
func (c *Coordinator) executePipeline(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts int) Result {
	var prevOutput any
	used := make(map[string]bool)
	var assignments []Assignment

	for _, sub := range def.Substeps {
		pinned := sub
		if pinned.Requirement == nil {
			spec := workflow.CapabilityRequirementSpec{}
			pinned.Requirement = &spec
		} else {
			cp := *pinned.Requirement
			pinned.Requirement = &cp
		}
		for agentID := range used {
			pinned.Requirement.ExcludeAgents = append(pinned.Requirement.ExcludeAgents, agentID)
		}

		candidates, merr := c.match(pinned, 1)
		if merr != nil {
			return Result{StepID: def.StepID, Status: StepFailed, Error: merr, Assignments: assignments}
		}
		agentID := candidates[0].AgentID
		used[agentID] = true

		inputs := map[string]any{"previous": prevOutput}
		a := c.dispatchOne(ctx, agentID, sub, inputs, attempt, maxAttempts)
		assignments = append(assignments, a)

		if !a.Success() {
			if sub.OnFailure == workflow.OnFailureContinue {
				prevOutput = nil
				continue
			}
			return Result{StepID: def.StepID, Status: StepFailed, Error: a.Outcome.Err, Assignments: assignments}
		}
		prevOutput = a.Outcome.Payload
	}
	return Result{StepID: def.StepID, Status: StepSucceeded, Output: prevOutput, Assignments: assignments}
}

// executeScatterGather partitions a collection input across M agents
// and reduces their outputs with a named reducer, spec.md §4.3
// "scatter-gather".
func (c *Coordinator) executeScatterGather(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts int) Result {
	params := defaultScatterGatherParams()
	if err := decodeParams(def.Parameters, &params); err != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "scatterGather", err.Error(), nil).WithStep(def.StepID)}
	}

	items, err := toItems(scope.Resolve(def.Inputs["items"]))
	if err != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "scatterGather", err.Error(), nil).WithStep(def.StepID)}
	}

	want := params.Partitions
	if want <= 0 {
		want = 1
	}
	candidates, merr := c.match(def, want)
	if merr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: merr}
	}
	m := len(candidates)

	buckets := partition(items, m, params.Partition)
	ch := make(chan Assignment, m)
	for i, cand := range candidates {
		agentID, bucket := cand.AgentID, buckets[i]
		go func() {
			ch <- c.dispatchOne(ctx, agentID, def, map[string]any{"partition": bucket}, attempt, maxAttempts)
		}()
	}

	var assignments []Assignment
	for i := 0; i < m; i++ {
		assignments = append(assignments, <-ch)
	}
	sortAssignmentsByAgentID(assignments)

	var outputs []any
	for _, a := range assignments {
		if a.Success() {
			outputs = append(outputs, a.Outcome.Payload)
			continue
		}
		if def.OnFailure != workflow.OnFailureContinue {
			return Result{StepID: def.StepID, Status: StepFailed, Error: a.Outcome.Err, Assignments: assignments, Metrics: Metrics{Partitions: m}}
		}
	}

	out, rerr := c.reducers.Get(params.Reducer)(outputs)
	if rerr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindAgent, "coordinator", "scatterGather", rerr.Error(), rerr).WithStep(def.StepID), Assignments: assignments, Metrics: Metrics{Partitions: m}}
	}
	return Result{StepID: def.StepID, Status: StepSucceeded, Output: out, Assignments: assignments, Metrics: Metrics{Partitions: m}}
}

// executeConsensus sends the same task to N agents and succeeds if a
// quorum of them agree under the configured equivalence relation,
// spec.md §4.3 "consensus".
func (c *Coordinator) executeConsensus(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts int) Result {
	params := defaultConsensusParams()
	if err := decodeParams(def.Parameters, &params); err != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "consensus", err.Error(), nil).WithStep(def.StepID)}
	}
	if params.N <= 0 {
		params.N = 1
	}
	if params.Quorum <= 0 {
		params.Quorum = 0.51
	}

	candidates, merr := c.match(def, params.N)
	if merr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: merr}
	}
	n := len(candidates)

	inputs := ResolveInputs(def.Inputs, scope)
	ch := make(chan Assignment, n)
	for _, cand := range candidates {
		agentID := cand.AgentID
		go func() {
			ch <- c.dispatchOne(ctx, agentID, def, inputs, attempt, maxAttempts)
		}()
	}
	var assignments []Assignment
	for i := 0; i < n; i++ {
		assignments = append(assignments, <-ch)
	}
	sortAssignmentsByAgentID(assignments)

	eq := c.equivalences.Get(params.Equivalence)
	groups := groupOutputs(assignments, eq)
	quorum := int(math.Ceil(float64(n) * params.Quorum))
	if quorum < 1 {
		quorum = 1
	}
	tally := tallyOf(groups)

	winner, count := bestGroup(groups)
	if count >= quorum {
		return Result{StepID: def.StepID, Status: StepSucceeded, Output: winner, Assignments: assignments, Metrics: Metrics{Tally: tally}}
	}
	return Result{
		StepID:      def.StepID,
		Status:      StepFailed,
		Error:       errs.New(errs.KindConsensus, "coordinator", "consensus", fmt.Sprintf("quorum %d not reached (best=%d, tally=%v)", quorum, count, sortedKeys(tally)), nil).WithStep(def.StepID),
		Assignments: assignments,
		Metrics:     Metrics{Tally: tally},
	}
}

// delegateCtxKey is the context key a hierarchical leader's in-process
// handler uses to retrieve its DelegateFunc, a local convenience over
// the opaque string callback token that also travels in the envelope
// for out-of-process leaders (spec.md §9's cyclic-reference note).
type delegateCtxKey struct{}

// DelegateFunc lets a hierarchical step's leader dispatch a sub-task to
// one of its declared workers without the leader holding a back-pointer
// to the Coordinator.
type DelegateFunc func(ctx context.Context, workerID string, inputs map[string]any) (Assignment, error)

// DelegateFromContext retrieves the DelegateFunc a hierarchical leader
// invocation was given, for in-process agent handlers.
func DelegateFromContext(ctx context.Context) (DelegateFunc, bool) {
	fn, ok := ctx.Value(delegateCtxKey{}).(DelegateFunc)
	return fn, ok
}

// executeHierarchical designates one candidate as leader and gives it
// a worker id list plus a callback token to delegate sub-tasks through,
// spec.md §4.3 "hierarchical". Depth bounds self-recursive delegation
// per spec.md §9's open question (default max 4).
func (c *Coordinator) executeHierarchical(ctx context.Context, def workflow.StepDefinition, scope Scope, depth int) Result {
	params := defaultHierarchicalParams()
	if err := decodeParams(def.Parameters, &params); err != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "hierarchical", err.Error(), nil).WithStep(def.StepID)}
	}
	maxDepth := params.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 4
	}
	if depth >= maxDepth {
		return Result{StepID: def.StepID, Status: StepFailed, Error: errs.New(errs.KindValidation, "coordinator", "hierarchical", "max hierarchical delegation depth exceeded", nil).WithStep(def.StepID)}
	}

	need := params.Workers + 1
	candidates, merr := c.match(def, need)
	if merr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: merr}
	}
	leader := candidates[0].AgentID
	var workers []string
	for _, cand := range candidates[1:] {
		workers = append(workers, cand.AgentID)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var subAssignments []Assignment
	delegate := DelegateFunc(func(callCtx context.Context, workerID string, inputs map[string]any) (Assignment, error) {
		allowed := workerID == leader
		for _, w := range workers {
			if w == workerID {
				allowed = true
			}
		}
		if !allowed {
			return Assignment{}, fmt.Errorf("coordinator: %q is not a worker of this hierarchical step", workerID)
		}
		a := c.dispatchOne(callCtx, workerID, def, inputs, 1, 1)
		subAssignments = append(subAssignments, a)
		return a, nil
	})

	leaderCtx := context.WithValue(workerCtx, delegateCtxKey{}, delegate)
	if def.TimeoutMs > 0 {
		var cancelTimeout context.CancelFunc
		leaderCtx, cancelTimeout = context.WithTimeout(leaderCtx, time.Duration(def.TimeoutMs)*time.Millisecond)
		defer cancelTimeout()
	}

	inputs := ResolveInputs(def.Inputs, scope)
	inputs["workers"] = workers
	inputs["callbackToken"] = c.ids.NewID()

	leaderAssignment := c.dispatchOne(leaderCtx, leader, def, inputs, 1, 1)
	cancelWorkers()

	all := append([]Assignment{leaderAssignment}, subAssignments...)
	if leaderAssignment.Success() {
		return Result{StepID: def.StepID, Status: StepSucceeded, Output: leaderAssignment.Outcome.Payload, Assignments: all}
	}
	return Result{StepID: def.StepID, Status: StepFailed, Error: leaderAssignment.Outcome.Err, Assignments: all}
}

// executeAdaptive picks a concrete strategy at runtime from candidate
// count, declared priority, and system health, per the default rule
// table in spec.md §4.3 "adaptive".
func (c *Coordinator) executeAdaptive(ctx context.Context, def workflow.StepDefinition, scope Scope, attempt, maxAttempts, depth int) Result {
	candidates, merr := c.match(def, 0)
	if merr != nil {
		return Result{StepID: def.StepID, Status: StepFailed, Error: merr}
	}
	n := len(candidates)

	priority, _ := def.Parameters["priority"].(string)
	idempotent, _ := def.Parameters["idempotent"].(bool)
	_, hasCollection := def.Inputs["items"]

	health := 100.0
	if hs := c.config().HealthScore; hs != nil {
		health = hs()
	}

	switch {
	case n <= 1:
		return c.executeTask(ctx, def, scope, attempt, maxAttempts)
	case hasCollection:
		return c.executeScatterGather(ctx, def, scope, attempt, maxAttempts)
	case health >= 50 && n >= 3 && priority == "high":
		return c.executeParallel(ctx, withParallelAggregation(def, "firstSuccess"), scope, attempt, maxAttempts)
	case health >= 50 && idempotent && n >= 3:
		return c.executeConsensus(ctx, def, scope, attempt, maxAttempts)
	default:
		return c.executeTask(ctx, def, scope, attempt, maxAttempts)
	}
}

func withParallelAggregation(def workflow.StepDefinition, aggregation string) workflow.StepDefinition {
	cp := def
	cp.Parameters = make(map[string]any, len(def.Parameters)+1)
	for k, v := range def.Parameters {
		cp.Parameters[k] = v
	}
	cp.Parameters["aggregation"] = aggregation
	if _, ok := cp.Parameters["fanOut"]; !ok {
		cp.Parameters["fanOut"] = len(def.Inputs) + 3 // best-effort default, matcher clamps to candidates anyway
	}
	return cp
}

func sortAssignmentsByAgentID(assignments []Assignment) {
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].AgentID < assignments[j].AgentID })
}

func firstError(assignments []Assignment) *errs.Error {
	for _, a := range assignments {
		if !a.Success() {
			return a.Outcome.Err
		}
	}
	return nil
}

func drainAssignments(ch chan Assignment, n int) {
	go func() {
		for i := 0; i < n; i++ {
			<-ch
		}
	}()
}

func groupOutputs(assignments []Assignment, eq func(a, b any) bool) [][]Assignment {
	var groups [][]Assignment
	for _, a := range assignments {
		if !a.Success() {
			continue
		}
		placed := false
		for i, g := range groups {
			if eq(g[0].Outcome.Payload, a.Outcome.Payload) {
				groups[i] = append(groups[i], a)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []Assignment{a})
		}
	}
	return groups
}

func bestGroup(groups [][]Assignment) (any, int) {
	var winner any
	best := 0
	for _, g := range groups {
		if len(g) > best {
			best = len(g)
			winner = g[0].Outcome.Payload
		}
	}
	return winner, best
}

func tallyOf(groups [][]Assignment) map[string]int {
	tally := make(map[string]int, len(groups))
	for _, g := range groups {
		tally[fmt.Sprintf("%v", g[0].Outcome.Payload)] = len(g)
	}
	return tally
}

func toItems(v any) ([]any, error) {
	switch items := v.(type) {
	case []any:
		return items, nil
	case nil:
		return nil, fmt.Errorf("scatter-gather requires an \"items\" input")
	default:
		return nil, fmt.Errorf("scatter-gather \"items\" input must be a list, got %T", v)
	}
}
