package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph LR\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef pending fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef modified fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef inactive fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef locked fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef cyclic fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef missing fill:#fff,stroke:#8b1a1a,stroke-dasharray:3 3\n")

	for _, node := range model.Nodes {
		cls := node.Status
		if node.Kind == NodeKindMissing {
			cls = "missing"
		}
		if cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindExpression:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindEmpty:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindMissing:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a channel name to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_", "\"", "_")
	return "ch_" + r.Replace(id)
}

// mermaidEscapeLabel turns label line breaks into Mermaid <br/>.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, "\n", "<br/>")
}
