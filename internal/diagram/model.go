// Package diagram renders workflow dependency graphs as Mermaid or ASCII
// text. A Model is built once from a definition (plus an optional execution
// state for status overlays) and handed to a renderer.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindPrompt      NodeKind = "prompt"
	NodeKindTemplate    NodeKind = "template"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
	NodeKindExtract     NodeKind = "extract"
	NodeKindSleep       NodeKind = "sleep"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // then/else branches and loop bodies
}

// SubGraph holds the nested steps of a conditional branch or loop body.
// Nested steps run in declaration order, so its Edges form a chain.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
