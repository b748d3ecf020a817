// Package flowchart turns arrow/shape flowchart text into a node/edge list
// suitable for graph creation. The dialect is the common mermaid-style
// subset: `A[Label] --> B`, optional `|edge label|` annotations, and shape
// brackets that drive the node type.
package flowchart

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polygraph-io/polygraph/pkg/models"
)

// ErrNoNodes is returned when the text yields zero nodes.
var ErrNoNodes = fmt.Errorf("%w: no nodes found in flowchart text", models.ErrInvalidArgument)

// Node shapes to node types. An id without shape brackets gets the
// default type.
const defaultNodeType = "process"

var shapeTypes = []struct {
	open, close string
	typ         string
}{
	{"([", "])", "terminal"},
	{"[(", ")]", "database"},
	{"[[", "]]", "subroutine"},
	{"{{", "}}", "hexagon"},
	{"[", "]", "process"},
	{"(", ")", "rounded"},
	{"{", "}", "decision"},
}

// arrowRe matches the edge connectors we accept, with an optional |label|.
var arrowRe = regexp.MustCompile(`\s*(-->|---|-\.->|==>|~~>)\s*(?:\|([^|]*)\|\s*)?`)

var headerRe = regexp.MustCompile(`^(?i)(graph|flowchart)\s+(TB|TD|BT|LR|RL)\s*$`)

var idRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

var arrowKinds = map[string]string{
	"-->":  "arrow",
	"---":  "link",
	"-.->": "dotted",
	"==>":  "thick",
	"~~>":  "wavy",
}

// Parse converts flowchart text into nodes and edges. Node ids are
// deduplicated; the first shape/label seen for an id wins. Edge direction
// follows the arrows; every connector chain `A --> B --> C` yields one
// edge per hop.
func Parse(text string) ([]models.Node, []models.Edge, error) {
	seen := make(map[string]int)
	var nodes []models.Node
	var edges []models.Edge

	addNode := func(n models.Node) {
		if idx, ok := seen[n.ID]; ok {
			// A later shaped definition refines an id first seen bare.
			if nodes[idx].Label == nodes[idx].ID && n.Label != n.ID {
				nodes[idx].Label = n.Label
				nodes[idx].Type = n.Type
			}
			return
		}
		seen[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") || headerRe.MatchString(line) {
			continue
		}

		segments, labels, kinds := splitArrows(line)
		if len(segments) == 1 {
			// A standalone node definition.
			if n, ok := parseNodeToken(segments[0]); ok {
				addNode(n)
			}
			continue
		}

		var prev *models.Node
		for i, seg := range segments {
			n, ok := parseNodeToken(seg)
			if !ok {
				prev = nil
				continue
			}
			addNode(n)
			if prev != nil {
				edges = append(edges, models.Edge{
					Source: prev.ID,
					Target: n.ID,
					Label:  labels[i-1],
					Type:   kinds[i-1],
				})
			}
			cur := n
			prev = &cur
		}
	}

	if len(nodes) == 0 {
		return nil, nil, ErrNoNodes
	}
	return nodes, edges, nil
}

// splitArrows breaks a line into node segments with the connector labels
// and kinds between them.
func splitArrows(line string) (segments, labels, kinds []string) {
	matches := arrowRe.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return []string{line}, nil, nil
	}

	last := 0
	for _, m := range matches {
		segments = append(segments, line[last:m[0]])
		token := strings.TrimSpace(line[m[2]:m[3]])
		label := ""
		if m[4] >= 0 {
			label = strings.TrimSpace(line[m[4]:m[5]])
		}
		labels = append(labels, label)
		kinds = append(kinds, arrowKinds[token])
		last = m[1]
	}
	segments = append(segments, line[last:])
	return segments, labels, kinds
}

// parseNodeToken parses `id`, `id[Label]`, `id(Label)` etc.
func parseNodeToken(token string) (models.Node, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Node{}, false
	}

	for _, shape := range shapeTypes {
		open := strings.Index(token, shape.open)
		if open <= 0 || !strings.HasSuffix(token, shape.close) {
			continue
		}
		id := strings.TrimSpace(token[:open])
		label := strings.TrimSpace(token[open+len(shape.open) : len(token)-len(shape.close)])
		label = strings.Trim(label, `"`)
		if !idRe.MatchString(id) {
			return models.Node{}, false
		}
		if label == "" {
			label = id
		}
		return models.Node{ID: id, Label: label, Type: shape.typ}, true
	}

	if !idRe.MatchString(token) {
		return models.Node{}, false
	}
	return models.Node{ID: token, Label: token, Type: defaultNodeType}, true
}
