package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/polygraph-io/polygraph/pkg/models"
)

func newMockMemgraph(session *mockSession, databases *[]string) *MemgraphStore {
	return &MemgraphStore{
		driver:     &mockDriver{},
		newSession: mockSessionFactory(session, databases),
		defaultDB:  "memgraph",
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestMemgraphInsertEdgesReturnsCount(t *testing.T) {
	session := &mockSession{
		runFunc: func(cypher string, _ map[string]any) (resultIterator, error) {
			if strings.Contains(cypher, "count(r)") {
				return &mockResult{records: []*neo4j.Record{
					makeRecord(map[string]any{"inserted": int64(2)}),
				}}, nil
			}
			return &mockResult{}, nil
		},
	}
	store := newMockMemgraph(session, nil)

	edges := []models.Edge{
		{Source: "a", Target: "b", Type: "flow"},
		{Source: "a", Target: "c", Type: "flow"},
		{Source: "a", Target: "ghost", Type: "flow"},
	}
	inserted, err := store.InsertEdges(context.Background(), models.DefaultDatabase, "g1", edges)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2 (MATCH drops the unresolved edge)", inserted)
	}

	// All three edges go to the server in one UNWIND batch.
	if len(session.calls) != 1 {
		t.Fatalf("got %d Run calls, want 1", len(session.calls))
	}
	batch, ok := session.calls[0].params["edges"].([]map[string]any)
	if !ok || len(batch) != 3 {
		t.Errorf("edge batch = %v, want 3 rows", session.calls[0].params["edges"])
	}
}

func TestMemgraphImpactLevels(t *testing.T) {
	session := &mockSession{
		runFunc: func(cypher string, _ map[string]any) (resultIterator, error) {
			if strings.Contains(cypher, "min(length(p))") {
				return &mockResult{records: []*neo4j.Record{
					makeRecord(map[string]any{"id": "b", "level": int64(1)}),
					makeRecord(map[string]any{"id": "d", "level": int64(2)}),
				}}, nil
			}
			// Node existence check.
			return &mockResult{records: []*neo4j.Record{
				makeRecord(map[string]any{"id": "a"}),
			}}, nil
		},
	}
	store := newMockMemgraph(session, nil)

	levels, err := store.ImpactLevels(context.Background(), models.DefaultDatabase, "g1", "a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if levels["b"] != 1 || levels["d"] != 2 || len(levels) != 2 {
		t.Errorf("levels = %v, want b:1 d:2", levels)
	}

	// The depth bound is baked into the variable-length pattern.
	impactCall := session.calls[len(session.calls)-1]
	if !strings.Contains(impactCall.cypher, "*1..5]->") {
		t.Errorf("impact cypher missing depth bound: %s", impactCall.cypher)
	}
}

func TestMemgraphImpactNodeNotFound(t *testing.T) {
	session := &mockSession{} // every query yields no rows
	store := newMockMemgraph(session, nil)

	_, err := store.ImpactLevels(context.Background(), models.DefaultDatabase, "g1", "missing", 3)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemgraphNeighborhoodReAddsStartNode(t *testing.T) {
	// The expansion pattern only returns reached nodes; in an acyclic
	// neighborhood the start node itself never comes back and must be
	// fetched separately.
	session := &mockSession{
		runFunc: func(cypher string, _ map[string]any) (resultIterator, error) {
			switch {
			case strings.Contains(cypher, "*1.."):
				return &mockResult{records: []*neo4j.Record{
					makeNodeRecord("b", "B", "process"),
					makeNodeRecord("c", "C", "process"),
				}}, nil
			case strings.Contains(cypher, "$ids"):
				return &mockResult{records: []*neo4j.Record{
					makeRecord(map[string]any{
						"id": "", "source": "a", "target": "b",
						"label": "", "type": "flow", "properties": "",
					}),
				}}, nil
			case strings.Contains(cypher, "n.label AS label"):
				return &mockResult{records: []*neo4j.Record{
					makeNodeRecord("a", "A", "terminal"),
				}}, nil
			default:
				// Node existence check.
				return &mockResult{records: []*neo4j.Record{
					makeRecord(map[string]any{"id": "a"}),
				}}, nil
			}
		},
	}
	store := newMockMemgraph(session, nil)

	data, err := store.Neighborhood(context.Background(), models.DefaultDatabase, "g1", "a", 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(data.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(data.Nodes))
	}
	if data.Nodes[0].ID != "a" {
		t.Errorf("start node must lead the result, got %s", data.Nodes[0].ID)
	}
	if len(data.Edges) != 1 || data.Edges[0].Source != "a" || data.Edges[0].Target != "b" {
		t.Errorf("edges = %+v", data.Edges)
	}
}

func TestMemgraphGraphMetaNotFound(t *testing.T) {
	store := newMockMemgraph(&mockSession{}, nil)

	_, err := store.GraphMeta(context.Background(), models.DefaultDatabase, "nope")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemgraphSessionDatabaseMapping(t *testing.T) {
	// The logical default namespace maps onto the engine's own default
	// database; every other name passes through unchanged.
	var databases []string
	session := &mockSession{}
	store := newMockMemgraph(session, &databases)
	ctx := context.Background()

	_, _ = store.ReadNodes(ctx, models.DefaultDatabase, "g1")
	_, _ = store.ReadNodes(ctx, "tenant_a", "g1")

	if len(databases) != 2 || databases[0] != "memgraph" || databases[1] != "tenant_a" {
		t.Errorf("session databases = %v, want [memgraph tenant_a]", databases)
	}
}

func TestMemgraphListDatabases(t *testing.T) {
	// SHOW DATABASES column casing differs across server versions; both
	// "Name" and "name" rows must be read, each record bound once.
	session := &mockSession{
		runFunc: func(cypher string, _ map[string]any) (resultIterator, error) {
			if !strings.Contains(cypher, "SHOW DATABASES") {
				t.Fatalf("unexpected cypher %q", cypher)
			}
			return &mockResult{records: []*neo4j.Record{
				makeRecord(map[string]any{"Name": "memgraph"}),
				makeRecord(map[string]any{"name": "tenant_a"}),
			}}, nil
		},
	}
	store := newMockMemgraph(session, nil)

	names, err := store.ListDatabases(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"memgraph", "tenant_a"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("databases = %v, want %v", names, want)
	}
}

func TestMemgraphDeleteDatabaseProtected(t *testing.T) {
	session := &mockSession{}
	store := newMockMemgraph(session, nil)
	ctx := context.Background()

	err := store.DeleteDatabase(ctx, "memgraph")
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("deleting engine default: err = %v, want ErrPermissionDenied", err)
	}
	if len(session.calls) != 0 {
		t.Error("protected delete must not reach the server")
	}

	if err := store.DeleteDatabase(ctx, "tenant_a"); err != nil {
		t.Fatal(err)
	}
	if len(session.calls) != 1 || !strings.Contains(session.calls[0].cypher, "DROP DATABASE") {
		t.Errorf("expected one DROP DATABASE call, got %v", session.calls)
	}
}

func TestMemgraphRunErrorWrapped(t *testing.T) {
	wantErr := errors.New("boom")
	store := newMockMemgraph(nil, nil)
	store.newSession = failSessionFactory(wantErr)

	_, err := store.ReadNodes(context.Background(), models.DefaultDatabase, "g1")
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapped %v", err, wantErr)
	}
}

func TestMemgraphClose(t *testing.T) {
	driver := &mockDriver{}
	store := newMockMemgraph(&mockSession{}, nil)
	store.driver = driver

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if !driver.closed {
		t.Error("Close must close the underlying driver")
	}
}

func TestMemgraphChunkSizes(t *testing.T) {
	store := newMockMemgraph(&mockSession{}, nil)
	nodes, edges := store.ChunkSizes()
	if nodes != cypherBatchSize || edges != cypherBatchSize {
		t.Errorf("chunk sizes = %d/%d, want %d", nodes, edges, cypherBatchSize)
	}
}
