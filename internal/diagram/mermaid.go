package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
		for _, sg := range node.Children {
			writeMermaidSubGraph(&b, node.ID, sg, 1)
		}
	}

	for _, edge := range model.Edges {
		writeMermaidEdge(&b, edge, 1)
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeStatusClass(&b, node)
	}

	return b.String()
}

// writeMermaidSubGraph emits a subgraph block, recursing into nested
// children. Mermaid accepts nested subgraph blocks.
func writeMermaidSubGraph(b *strings.Builder, parentID string, sg *SubGraph, depth int) {
	indent := strings.Repeat("    ", depth)
	b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s: %s\"]\n",
		indent, mermaidSafeID(parentID+"_"+sg.Label), parentID, sg.Label))
	for _, node := range sg.Nodes {
		b.WriteString(fmt.Sprintf("%s    %s\n", indent, mermaidNodeDef(node)))
		for _, child := range node.Children {
			writeMermaidSubGraph(b, node.ID, child, depth+1)
		}
	}
	for _, edge := range sg.Edges {
		writeMermaidEdge(b, edge, depth+1)
	}
	b.WriteString(indent + "end\n")
}

func writeMermaidEdge(b *strings.Builder, edge Edge, depth int) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	b.WriteString(fmt.Sprintf("%s%s -->%s %s\n",
		strings.Repeat("    ", depth), mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
}

// writeStatusClass assigns status classes to a node and its nested nodes.
func writeStatusClass(b *strings.Builder, node *Node) {
	if node.Status != nil {
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}
	for _, sg := range node.Children {
		for _, sub := range sg.Nodes {
			writeStatusClass(b, sub)
		}
	}
}

// mermaidNodeDef returns a node definition with a shape per kind: rectangle
// for prompt, parallelogram for template, rhombus for conditional, subroutine
// for loop, flag for extract, stadium for sleep, circles for start/end.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindTemplate:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindExtract:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindSleep:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // prompt
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a step status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	case "running":
		return "running"
	case "pending", "ready":
		return "pending"
	case "skipped":
		return "skipped"
	default:
		return ""
	}
}
