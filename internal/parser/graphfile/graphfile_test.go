package graphfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/polygraph-io/polygraph/pkg/models"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validDoc = `
id: deploy-flow
title: Deployment Flow
description: CI to production
type: pipeline
database: tenant_a
nodes:
  - id: build
    label: Build
    type: process
    properties:
      runner: linux
  - id: deploy
edges:
  - source: build
    target: deploy
    label: on success
    type: flow
`

func TestLoadValidDocument(t *testing.T) {
	doc, err := Load(writeTempFile(t, validDoc))
	if err != nil {
		t.Fatal(err)
	}

	if doc.ID != "deploy-flow" || doc.Title != "Deployment Flow" {
		t.Errorf("header = %q/%q", doc.ID, doc.Title)
	}
	if doc.Database != "tenant_a" {
		t.Errorf("database = %q, want tenant_a", doc.Database)
	}

	nodes, edges := doc.Materialize()
	if len(nodes) != 2 || len(edges) != 1 {
		t.Fatalf("materialized %d nodes, %d edges, want 2/1", len(nodes), len(edges))
	}
	if nodes[0].Properties["runner"] != "linux" {
		t.Errorf("properties[runner] = %v", nodes[0].Properties["runner"])
	}
	// A node without a label falls back to its id.
	if nodes[1].Label != "deploy" {
		t.Errorf("defaulted label = %q, want deploy", nodes[1].Label)
	}
	if edges[0].Source != "build" || edges[0].Target != "deploy" || edges[0].Label != "on success" {
		t.Errorf("edge = %+v", edges[0])
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "title: no id\nnodes:\n  - id: a\n"},
		{"no nodes", "id: empty\n"},
		{"node without id", "id: g\nnodes:\n  - label: anonymous\n"},
		{"edge missing endpoint", "id: g\nnodes:\n  - id: a\nedges:\n  - source: a\n"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempFile(t, tt.doc))
			if !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
