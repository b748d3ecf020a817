package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polygraph-io/polygraph/pkg/models"
)

// ExportJSON returns the graph snapshot as an indented JSON string.
func ExportJSON(data *models.GraphData) (string, error) {
	out := *data
	if out.Nodes == nil {
		out.Nodes = []models.Node{}
	}
	if out.Edges == nil {
		out.Edges = []models.Edge{}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExportDOT returns the graph in Graphviz DOT format.
func ExportDOT(data *models.GraphData) (string, error) {
	var b strings.Builder
	b.WriteString("digraph polygraph {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=filled];\n\n")

	for _, n := range data.Nodes {
		color := nodeColor(n.Type)
		label := fmt.Sprintf("%s\\n(%s)", n.Label, n.Type)
		b.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q];\n", n.ID, label, color))
	}

	b.WriteString("\n")

	for _, e := range data.Edges {
		b.WriteString(fmt.Sprintf("  %q -> %q [label=%q];\n", e.Source, e.Target, e.Label))
	}

	b.WriteString("}\n")
	return b.String(), nil
}

// ExportMermaid returns the graph in Mermaid flowchart format.
func ExportMermaid(data *models.GraphData) (string, error) {
	var b strings.Builder
	b.WriteString("graph LR\n")

	for _, n := range data.Nodes {
		safeID := mermaidSafeID(n.ID)
		b.WriteString(fmt.Sprintf("  %s[\"%s (%s)\"]\n", safeID, n.Label, n.Type))
	}

	for _, e := range data.Edges {
		fromID := mermaidSafeID(e.Source)
		toID := mermaidSafeID(e.Target)
		if e.Label != "" {
			b.WriteString(fmt.Sprintf("  %s -->|%s| %s\n", fromID, e.Label, toID))
		} else {
			b.WriteString(fmt.Sprintf("  %s --> %s\n", fromID, toID))
		}
	}

	return b.String(), nil
}

func nodeColor(t string) string {
	switch t {
	case "terminal":
		return "#AED6F1"
	case "process":
		return "#A3E4D7"
	case "decision":
		return "#F9E79F"
	case "database":
		return "#D7BDE2"
	case "subroutine":
		return "#F5CBA7"
	case "hexagon":
		return "#F0B27A"
	case "rounded":
		return "#85C1E9"
	default:
		return "#D5D8DC"
	}
}

func mermaidSafeID(id string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "-", "_", "/", "_", " ", "_")
	return r.Replace(id)
}
