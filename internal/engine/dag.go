package engine

import (
	"fmt"
	"strings"

	"github.com/rendis/loom/pkg/schema"
)

// DAG is the in-memory dependency graph of a workflow's top-level steps.
// Built from a WorkflowDefinition, used by the Executor to determine execution
// order. Nested steps (then/else branches, loop bodies) execute inside their
// parent's slot and take no part in the graph.
type DAG struct {
	Steps   map[string]*schema.StepDefinition // step name → definition
	Edges   map[string][]string               // step name → dependencies (depends_on)
	Reverse map[string][]string               // step name → dependents (who depends on me)
	Sorted  []string                          // topological order
	Roots   []string                          // steps with no dependencies
	Levels  [][]string                        // depth-grouped steps, for diagram layout
	index   map[string]int                    // step name → declaration position
}

// validStepTypes is the set of recognized step types.
var validStepTypes = map[schema.StepType]bool{
	schema.StepTypePrompt:      true,
	schema.StepTypeTemplate:    true,
	schema.StepTypeConditional: true,
	schema.StepTypeLoop:        true,
	schema.StepTypeExtract:     true,
	schema.StepTypeSleep:       true,
}

// ParseDAG parses a WorkflowDefinition into an executable DAG. It builds
// adjacency lists, performs a topological sort using Kahn's algorithm with
// declaration order breaking ties, and detects cycles. Steps with no
// dependencies on each other always run in the order they appear in the file,
// so a definition executes the same way every time.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow definition is nil")
	}

	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow has no steps")
	}

	dag := &DAG{
		Steps:   make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
		index:   make(map[string]int, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.Name == "" {
			return nil, schema.NewError(schema.ErrCodeDefinition, fmt.Sprintf("step at index %d has empty name", i))
		}

		if _, exists := dag.Steps[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate step name: %s", step.Name)
		}

		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step %s has unknown type: %q", step.Name, step.Type)
		}

		dag.Steps[step.Name] = step
		dag.index[step.Name] = i
	}

	// Second pass: build adjacency lists and validate dependencies.
	for i := range def.Steps {
		step := &def.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step %s depends on unknown step: %s", step.Name, dep)
			}
			if dep == step.Name {
				return nil, schema.NewErrorf(schema.ErrCodeCycle, "step %s depends on itself", step.Name)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step %s has duplicate dependency: %s", step.Name, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], step.Name)
		}
		dag.Edges[step.Name] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection. The ready queue is
	// kept in declaration order, never lexicographic.
	inDegree := make(map[string]int, len(dag.Steps))
	for name := range dag.Steps {
		inDegree[name] = len(dag.Edges[name])
	}

	queue := make([]string, 0, len(def.Steps))
	for i := range def.Steps {
		if inDegree[def.Steps[i].Name] == 0 {
			queue = append(queue, def.Steps[i].Name)
		}
	}

	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		dag.sortByDeclaration(queue)
	}

	if len(sorted) != len(dag.Steps) {
		remaining := make([]string, 0)
		for i := range def.Steps {
			if inDegree[def.Steps[i].Name] > 0 {
				remaining = append(remaining, def.Steps[i].Name)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycle, "dependency cycle among steps: %s", strings.Join(remaining, ", "))
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// sortByDeclaration sorts step names in-place by declaration position using
// insertion sort. Queues are small; this keeps the ready order stable without
// importing sort.
func (dag *DAG) sortByDeclaration(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && dag.index[s[j]] > dag.index[key] {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}

// computeLevels groups steps by topological depth. Steps at the same level have
// all dependencies satisfied by previous levels; the diagram renderers use this
// for column layout.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))

	for _, name := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[name] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[name] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range dag.Sorted {
		d := depth[name]
		levels[d] = append(levels[d], name)
	}

	return levels
}
