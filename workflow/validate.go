package workflow

import (
	"fmt"

	"github.com/flowmesh/orchestra/errs"
)

// maxHierarchicalDepth bounds self-recursive hierarchical delegation,
// resolving the open question in spec.md §9 ("set a maximum depth, e.g. 4").
const maxHierarchicalDepth = 4

// Validate checks acyclicity, unresolved step references, unknown
// capability tags, and that every consensus step names an equivalence
// relation, per spec.md §4.6. It fails closed on any cycle among
// top-level fromStep references, except that the inputs of a
// hierarchical step are not followed, so a cycle that passes through a
// hierarchical step is accepted. Nesting of hierarchical substeps is
// bounded separately by maxHierarchicalDepth.
func Validate(def WorkflowDefinition, knownCapabilities map[string]bool) error {
	if def.ID == "" {
		return errs.New(errs.KindValidation, "workflow", "validate", "workflow id is required", nil)
	}
	if len(def.Steps) == 0 {
		return errs.New(errs.KindValidation, "workflow", "validate", "workflow must declare at least one step", nil)
	}

	ids := make(map[string]StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		if s.StepID == "" {
			return errs.New(errs.KindValidation, "workflow", "validate", "step id must not be empty", nil)
		}
		if _, dup := ids[s.StepID]; dup {
			return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("duplicate step id %q", s.StepID), nil)
		}
		ids[s.StepID] = s
	}

	for _, s := range def.Steps {
		if err := validateStep(s, ids, knownCapabilities, 0); err != nil {
			return err
		}
	}

	return topoSort(def.Steps, ids)
}

func validateStep(s StepDefinition, ids map[string]StepDefinition, knownCapabilities map[string]bool, depth int) error {
	if !validKind(s.Kind) {
		return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("step %q: unknown kind %q", s.StepID, s.Kind), nil)
	}

	for _, in := range s.Inputs {
		if in.FromStep == "" {
			continue
		}
		if _, ok := ids[in.FromStep]; !ok {
			return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("step %q: input references unknown step %q", s.StepID, in.FromStep), nil)
		}
	}

	if s.Requirement != nil && knownCapabilities != nil {
		for _, cap := range s.Requirement.Required {
			if !knownCapabilities[cap] {
				return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("step %q: unknown capability %q", s.StepID, cap), nil)
			}
		}
	}

	if s.Kind == KindConsensus {
		if name, _ := s.Parameters["equivalence"].(string); name == "" {
			return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("step %q: consensus step must name an equivalence", s.StepID), nil)
		}
	}

	if s.Kind == KindHierarchical {
		if depth >= maxHierarchicalDepth {
			return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("step %q: hierarchical delegation exceeds max depth %d", s.StepID, maxHierarchicalDepth), nil)
		}
		depth++
	}

	for _, sub := range s.Substeps {
		if err := validateStep(sub, ids, knownCapabilities, depth); err != nil {
			return err
		}
	}
	return nil
}

func validKind(k Kind) bool {
	switch k {
	case KindTask, KindParallel, KindSequential, KindPipeline, KindScatterGather, KindConsensus, KindHierarchical, KindAdaptive:
		return true
	default:
		return false
	}
}

// topoSort fails closed on any cycle among top-level step
// fromStep-references; hierarchical self-recursion is intentionally
// exempted since it is bounded separately by depth.
func topoSort(steps []StepDefinition, ids map[string]StepDefinition) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(steps))
	for _, s := range steps {
		color[s.StepID] = white
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return errs.New(errs.KindValidation, "workflow", "validate", fmt.Sprintf("cycle detected at step %q", id), nil)
		case black:
			return nil
		}
		color[id] = gray
		step := ids[id]
		if step.Kind != KindHierarchical {
			for _, in := range step.Inputs {
				if in.FromStep != "" {
					if err := visit(in.FromStep); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if err := visit(s.StepID); err != nil {
			return err
		}
	}
	return nil
}
