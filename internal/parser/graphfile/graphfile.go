// Package graphfile loads declarative YAML graph documents for the CLI.
package graphfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polygraph-io/polygraph/pkg/models"
)

// Document is a full graph definition as written in a YAML file.
type Document struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Type        string    `yaml:"type"`
	Database    string    `yaml:"database"`
	Nodes       []NodeDef `yaml:"nodes"`
	Edges       []EdgeDef `yaml:"edges"`
}

type NodeDef struct {
	ID         string         `yaml:"id"`
	Label      string         `yaml:"label"`
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties"`
}

type EdgeDef struct {
	ID         string         `yaml:"id"`
	Source     string         `yaml:"source"`
	Target     string         `yaml:"target"`
	Label      string         `yaml:"label"`
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties"`
}

// Load reads and validates a graph document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing graph file: %v", models.ErrInvalidArgument, err)
	}

	if doc.ID == "" {
		return nil, fmt.Errorf("%w: graph file missing id", models.ErrInvalidArgument)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("%w: graph file %q has no nodes", models.ErrInvalidArgument, doc.ID)
	}
	for i, n := range doc.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node %d missing id", models.ErrInvalidArgument, i)
		}
	}
	for i, e := range doc.Edges {
		if e.Source == "" || e.Target == "" {
			return nil, fmt.Errorf("%w: edge %d missing source or target", models.ErrInvalidArgument, i)
		}
	}
	return &doc, nil
}

// Materialize converts the document into model nodes and edges.
func (d *Document) Materialize() ([]models.Node, []models.Edge) {
	nodes := make([]models.Node, len(d.Nodes))
	for i, n := range d.Nodes {
		label := n.Label
		if label == "" {
			label = n.ID
		}
		nodes[i] = models.Node{ID: n.ID, Label: label, Type: n.Type, Properties: n.Properties}
	}
	edges := make([]models.Edge, len(d.Edges))
	for i, e := range d.Edges {
		edges[i] = models.Edge{
			ID: e.ID, Source: e.Source, Target: e.Target,
			Label: e.Label, Type: e.Type, Properties: e.Properties,
		}
	}
	return nodes, edges
}
