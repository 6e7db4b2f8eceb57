package engine

import "github.com/flowmesh/orchestra/workflow"

// buildDeps maps each top-level step to the stepIDs its inputs read
// from, forming the execution-wave DAG the scheduler walks.
func buildDeps(steps []workflow.StepDefinition) map[string][]string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		var d []string
		for _, in := range s.Inputs {
			if in.FromStep != "" {
				d = append(d, in.FromStep)
			}
		}
		deps[s.StepID] = d
	}
	return deps
}

// readySteps returns the steps whose dependencies have all completed
// (successfully or otherwise) and that have not themselves run yet.
func readySteps(steps []workflow.StepDefinition, deps map[string][]string, done map[string]bool) []workflow.StepDefinition {
	var ready []workflow.StepDefinition
	for _, s := range steps {
		if done[s.StepID] {
			continue
		}
		runnable := true
		for _, dep := range deps[s.StepID] {
			if !done[dep] {
				runnable = false
				break
			}
		}
		if runnable {
			ready = append(ready, s)
		}
	}
	return ready
}
