package mcp

import (
	"fmt"
	"strings"

	"github.com/loomrun/loom/pkg/schema"
)

// renderMermaid renders a graph description as a Mermaid flowchart string.
// Node shapes follow the step variant; live status, when overlaid, is
// expressed through class assignments.
func renderMermaid(g schema.Graph) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if g.Name != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s %s\n", g.Name, g.Version))
	}

	for _, node := range g.Nodes {
		writeMermaidNode(&b, node, "    ")
	}

	for _, edge := range g.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		} else if edge.Guarded {
			label = "|guarded|"
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef cancelled fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range g.Nodes {
		writeMermaidClasses(&b, node)
	}

	return b.String()
}

// writeMermaidNode emits one node definition; composite nodes become
// subgraphs listing their children, with sequential children chained.
func writeMermaidNode(b *strings.Builder, node schema.Node, indent string) {
	if len(node.Children) == 0 {
		b.WriteString(fmt.Sprintf("%s%s\n", indent, mermaidNodeDef(node)))
		return
	}

	b.WriteString(fmt.Sprintf("%ssubgraph %s[%q]\n", indent, mermaidSafeID(node.ID), firstLine(node.Label)))
	for _, child := range node.Children {
		writeMermaidNode(b, child, indent+"    ")
	}
	if node.Variant == schema.StepKindSequential {
		for i := 1; i < len(node.Children); i++ {
			b.WriteString(fmt.Sprintf("%s    %s --> %s\n",
				indent, mermaidSafeID(node.Children[i-1].ID), mermaidSafeID(node.Children[i].ID)))
		}
	}
	b.WriteString(indent + "end\n")
}

func writeMermaidClasses(b *strings.Builder, node schema.Node) {
	if node.Status != nil {
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}
	for _, child := range node.Children {
		writeMermaidClasses(b, child)
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape matching
// the step variant.
func mermaidNodeDef(node schema.Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	if node.Initial || node.Terminal {
		return fmt.Sprintf("%s((%q))", id, label)
	}
	switch node.Variant {
	case schema.StepKindGateway:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.StepKindConditional:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case schema.StepKindHuman, schema.StepKindTimer, schema.StepKindCallback:
		return fmt.Sprintf("%s([%q])", id, label)
	case schema.StepKindParallel, schema.StepKindSequential:
		return fmt.Sprintf("%s[[%q]]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a step status to a Mermaid class name.
func mermaidStatusClass(status schema.StepStatus) string {
	switch status {
	case schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusRunning,
		schema.StepStatusWaiting, schema.StepStatusSkipped, schema.StepStatusCancelled:
		return string(status)
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
