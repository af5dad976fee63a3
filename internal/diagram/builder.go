package diagram

import (
	"fmt"

	"github.com/rendis/loom/internal/engine"
	"github.com/rendis/loom/pkg/schema"
)

// Build constructs a Model from a workflow definition. The topology comes
// from engine.ParseDAG so the diagram always matches the order the engine
// would execute. When state is non-nil, recorded step results become status
// overlays on the top-level nodes.
func Build(def *schema.WorkflowDefinition, state *schema.ExecutionState) (*Model, error) {
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	results := make(map[string]*schema.StepResult)
	if state != nil {
		for i := range state.StepResults {
			results[state.StepResults[i].StepID] = &state.StepResults[i]
		}
	}

	nodes := make([]*Node, 0, len(dag.Steps)+2)
	nodes = append(nodes, &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart})

	for _, name := range dag.Sorted {
		step := dag.Steps[name]
		node := stepToNode(step)
		overlayStatus(node, results[name])
		buildChildren(node, step)
		nodes = append(nodes, node)
	}

	nodes = append(nodes, &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd})

	return &Model{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

func stepToNode(step *schema.StepDefinition) *Node {
	return &Node{
		ID:    step.Name,
		Label: nodeLabel(step),
		Kind:  stepTypeToKind(step.Type),
	}
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypePrompt:
		return NodeKindPrompt
	case schema.StepTypeTemplate:
		return NodeKindTemplate
	case schema.StepTypeConditional:
		return NodeKindConditional
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeExtract:
		return NodeKindExtract
	case schema.StepTypeSleep:
		return NodeKindSleep
	default:
		return NodeKindPrompt
	}
}

// stepAnnotation returns a short per-type detail shown next to the step name.
func stepAnnotation(step *schema.StepDefinition) string {
	switch step.Type {
	case schema.StepTypePrompt:
		if step.Model != "" && step.Model != "auto" {
			return step.Model
		}
	case schema.StepTypeTemplate:
		return step.Template
	case schema.StepTypeLoop:
		return step.ItemsVar
	case schema.StepTypeExtract:
		return "from " + step.Source
	case schema.StepTypeSleep:
		return step.Duration
	}
	return ""
}

func nodeLabel(step *schema.StepDefinition) string {
	if a := stepAnnotation(step); a != "" {
		return fmt.Sprintf("%s\n(%s)", step.Name, a)
	}
	return step.Name
}

func subNodeLabel(step *schema.StepDefinition) string {
	if a := stepAnnotation(step); a != "" {
		return fmt.Sprintf("%s (%s)", step.Name, a)
	}
	return step.Name
}

// overlayStatus applies a recorded step result to a node. Only top-level
// steps have results; nested steps execute inside their parent's slot.
func overlayStatus(node *Node, result *schema.StepResult) {
	if result == nil {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(result.Status),
		DurationMs: result.DurationMS,
		Attempts:   result.Attempts,
		Error:      result.Error,
	}
}

// buildChildren attaches SubGraphs for conditional branches and loop bodies.
// Nested steps may themselves nest, so sub-nodes recurse.
func buildChildren(node *Node, step *schema.StepDefinition) {
	switch step.Type {
	case schema.StepTypeConditional:
		if len(step.Then) > 0 {
			node.Children = append(node.Children, buildSubGraph("then", step.Name, step.Then))
		}
		if len(step.Else) > 0 {
			node.Children = append(node.Children, buildSubGraph("else", step.Name, step.Else))
		}

	case schema.StepTypeLoop:
		if step.Body != nil {
			node.Children = append(node.Children, buildSubGraph("body", step.Name, []schema.StepDefinition{*step.Body}))
		}
	}
}

// buildSubGraph creates a SubGraph from nested step definitions. Sub-node IDs
// are qualified parent.label.name so they stay unique across the diagram, and
// edges chain the steps in declaration order.
func buildSubGraph(label, parentID string, steps []schema.StepDefinition) *SubGraph {
	sg := &SubGraph{Label: label}

	for i := range steps {
		sub := &steps[i]
		subNode := &Node{
			ID:    fmt.Sprintf("%s.%s.%s", parentID, label, sub.Name),
			Label: subNodeLabel(sub),
			Kind:  stepTypeToKind(sub.Type),
		}
		buildChildren(subNode, sub)
		sg.Nodes = append(sg.Nodes, subNode)

		if i > 0 {
			sg.Edges = append(sg.Edges, Edge{From: sg.Nodes[i-1].ID, To: subNode.ID})
		}
	}

	return sg
}

// buildEdges constructs the edge list from DAG adjacency plus virtual
// start/end edges.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge

	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: "__start__", To: root})
	}

	// Dependency edges point dependency → dependent.
	for _, name := range dag.Sorted {
		for _, dep := range dag.Edges[name] {
			edges = append(edges, Edge{From: dep, To: name})
		}
	}

	// Leaves (steps nothing depends on) flow into end.
	for _, name := range dag.Sorted {
		if len(dag.Reverse[name]) == 0 {
			edges = append(edges, Edge{From: name, To: "__end__"})
		}
	}

	return edges
}

// buildLevels wraps DAG levels with virtual start/end levels.
func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{"__start__"})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{"__end__"})
	return levels
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "workflow"
}
