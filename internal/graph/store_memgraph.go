package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/polygraph-io/polygraph/pkg/models"
)

// MemgraphStore is the pointer-adjacency-family adapter, speaking Bolt to
// Memgraph or Neo4j. Bounded traversals are expressed as a single
// variable-length path pattern: the store walks physical adjacency
// pointers from the bound start anchor, so cost scales with the paths
// actually walked rather than the full edge table. Duplicate destinations
// collapse via min(length(p)) aggregation.
type MemgraphStore struct {
	driver     neo4j.DriverWithContext
	newSession sessionFactory
	defaultDB  string
	logger     *slog.Logger
}

// NewMemgraphStore connects to the Bolt endpoint and verifies connectivity.
// engineDefaultDB is the server's own default database name ("memgraph" or
// "neo4j"); the logical default namespace maps onto it.
func NewMemgraphStore(uri, username, password, engineDefaultDB string, logger *slog.Logger) (*MemgraphStore, error) {
	auth := neo4j.NoAuth()
	if username != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: creating memgraph driver: %v", models.ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, fmt.Errorf("%w: memgraph connectivity check failed: %v", models.ErrUnavailable, err)
	}

	logger.Info("memgraph store initialized", "uri", uri)
	return &MemgraphStore{
		driver:     driver,
		newSession: newNeo4jSessionFactory(driver),
		defaultDB:  engineDefaultDB,
		logger:     logger,
	}, nil
}

// Name returns the backend identifier.
func (s *MemgraphStore) Name() string { return "memgraph" }

// Close closes the Bolt driver.
func (s *MemgraphStore) Close() error {
	return s.driver.Close(context.Background())
}

// ChunkSizes keeps UNWIND transactions small; the bound here is
// transaction size, not parameter count.
func (s *MemgraphStore) ChunkSizes() (int, int) {
	return cypherBatchSize, cypherBatchSize
}

// sessionDB maps the logical default namespace onto the server's own
// default database name.
func (s *MemgraphStore) sessionDB(db string) string {
	if db == models.DefaultDatabase {
		return s.defaultDB
	}
	return db
}

// wrapRunErr translates driver failures into the shared taxonomy.
func wrapRunErr(op string, err error) error {
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %s: %v", models.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateGraphMeta clears any prior graph with the same id and stores fresh
// metadata as a GraphMeta node.
func (s *MemgraphStore) CreateGraphMeta(ctx context.Context, db string, g models.Graph) error {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	if _, err := session.Run(ctx,
		`MATCH (n:GraphNode {graph_id: $id}) DETACH DELETE n`,
		map[string]any{"id": g.ID}); err != nil {
		return wrapRunErr("clearing prior graph nodes", err)
	}

	_, err := session.Run(ctx, `
		MERGE (g:GraphMeta {id: $id})
		SET g.title = $title,
		    g.description = $description,
		    g.type = $type,
		    g.created_at = $createdAt
	`, map[string]any{
		"id":          g.ID,
		"title":       g.Title,
		"description": g.Description,
		"type":        g.Type,
		"createdAt":   g.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return wrapRunErr("storing graph metadata", err)
	}
	return nil
}

// InsertNodes bulk-creates one chunk of nodes with UNWIND.
func (s *MemgraphStore) InsertNodes(ctx context.Context, db, graphID string, nodes []models.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	params := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return fmt.Errorf("marshaling node %s properties: %w", n.ID, err)
		}
		params[i] = map[string]any{
			"id": n.ID, "label": n.Label, "type": n.Type, "properties": string(props),
		}
	}

	_, err := session.Run(ctx, `
		UNWIND $nodes AS n
		CREATE (:GraphNode {
			graph_id: $graphID, id: n.id, label: n.label,
			type: n.type, properties: n.properties
		})
	`, map[string]any{"graphID": graphID, "nodes": params})
	if err != nil {
		return wrapRunErr("inserting node batch", err)
	}
	return nil
}

// InsertEdges bulk-creates one chunk of edges with UNWIND. The MATCH on
// both endpoints means edges whose source or target does not exist simply
// produce no row; the returned count reflects what was written.
func (s *MemgraphStore) InsertEdges(ctx context.Context, db, graphID string, edges []models.Edge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	params := make([]map[string]any, len(edges))
	for i, e := range edges {
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return 0, fmt.Errorf("marshaling edge properties: %w", err)
		}
		params[i] = map[string]any{
			"id": e.ID, "source": e.Source, "target": e.Target,
			"label": e.Label, "type": e.Type, "properties": string(props),
		}
	}

	result, err := session.Run(ctx, `
		UNWIND $edges AS e
		MATCH (from:GraphNode {graph_id: $graphID, id: e.source})
		MATCH (to:GraphNode {graph_id: $graphID, id: e.target})
		CREATE (from)-[r:EDGE {
			id: e.id, label: e.label, type: e.type, properties: e.properties
		}]->(to)
		RETURN count(r) AS inserted
	`, map[string]any{"graphID": graphID, "edges": params})
	if err != nil {
		return 0, wrapRunErr("inserting edge batch", err)
	}

	inserted := 0
	if result.Next(ctx) {
		inserted = recordInt(result.Record(), "inserted")
	}
	if err := result.Err(); err != nil {
		return 0, wrapRunErr("inserting edge batch", err)
	}
	return inserted, nil
}

// GraphMeta returns the stored metadata plus live node/edge counts.
func (s *MemgraphStore) GraphMeta(ctx context.Context, db, graphID string) (*models.Graph, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `
		MATCH (g:GraphMeta {id: $id})
		OPTIONAL MATCH (n:GraphNode {graph_id: $id})
		WITH g, count(n) AS nodeCount
		OPTIONAL MATCH (:GraphNode {graph_id: $id})-[r:EDGE]->(:GraphNode {graph_id: $id})
		RETURN g.id AS id, g.title AS title, g.description AS description,
		       g.type AS type, g.created_at AS created_at,
		       nodeCount AS node_count, count(r) AS edge_count
	`, map[string]any{"id": graphID})
	if err != nil {
		return nil, wrapRunErr("reading graph metadata", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, wrapRunErr("reading graph metadata", err)
		}
		return nil, fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
	}
	return recordToGraph(result.Record()), nil
}

// ReadNodes returns every node of the graph.
func (s *MemgraphStore) ReadNodes(ctx context.Context, db, graphID string) ([]models.Node, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `
		MATCH (n:GraphNode {graph_id: $graphID})
		RETURN n.id AS id, n.label AS label, n.type AS type, n.properties AS properties
		ORDER BY n.id
	`, map[string]any{"graphID": graphID})
	if err != nil {
		return nil, wrapRunErr("reading nodes", err)
	}

	var nodes []models.Node
	for result.Next(ctx) {
		nodes = append(nodes, recordToNode(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("reading nodes", err)
	}
	return nodes, nil
}

// ReadEdges returns every edge of the graph.
func (s *MemgraphStore) ReadEdges(ctx context.Context, db, graphID string) ([]models.Edge, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `
		MATCH (a:GraphNode {graph_id: $graphID})-[r:EDGE]->(b:GraphNode {graph_id: $graphID})
		RETURN r.id AS id, a.id AS source, b.id AS target,
		       r.label AS label, r.type AS type, r.properties AS properties
		ORDER BY a.id, b.id
	`, map[string]any{"graphID": graphID})
	if err != nil {
		return nil, wrapRunErr("reading edges", err)
	}

	var edges []models.Edge
	for result.Next(ctx) {
		edges = append(edges, recordToEdge(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("reading edges", err)
	}
	return edges, nil
}

// ListGraphs returns metadata for every graph in the database.
func (s *MemgraphStore) ListGraphs(ctx context.Context, db string) ([]models.Graph, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `
		MATCH (g:GraphMeta)
		OPTIONAL MATCH (n:GraphNode {graph_id: g.id})
		WITH g, count(n) AS nodeCount
		OPTIONAL MATCH (:GraphNode {graph_id: g.id})-[r:EDGE]->(:GraphNode {graph_id: g.id})
		RETURN g.id AS id, g.title AS title, g.description AS description,
		       g.type AS type, g.created_at AS created_at,
		       nodeCount AS node_count, count(r) AS edge_count
		ORDER BY g.id
	`, nil)
	if err != nil {
		return nil, wrapRunErr("listing graphs", err)
	}

	var graphs []models.Graph
	for result.Next(ctx) {
		graphs = append(graphs, *recordToGraph(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("listing graphs", err)
	}
	return graphs, nil
}

// DeleteGraph removes the graph's nodes, edges, and metadata.
func (s *MemgraphStore) DeleteGraph(ctx context.Context, db, graphID string) error {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	if _, err := session.Run(ctx,
		`MATCH (n:GraphNode {graph_id: $id}) DETACH DELETE n`,
		map[string]any{"id": graphID}); err != nil {
		return wrapRunErr("deleting graph nodes", err)
	}

	result, err := session.Run(ctx, `
		MATCH (g:GraphMeta {id: $id})
		WITH g, count(g) AS found
		DELETE g
		RETURN found
	`, map[string]any{"id": graphID})
	if err != nil {
		return wrapRunErr("deleting graph metadata", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return wrapRunErr("deleting graph metadata", err)
		}
		return fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
	}
	return nil
}

// StartingNode returns the first node of the graph by id order.
func (s *MemgraphStore) StartingNode(ctx context.Context, db, graphID string) (*models.Node, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `
		MATCH (n:GraphNode {graph_id: $graphID})
		RETURN n.id AS id, n.label AS label, n.type AS type, n.properties AS properties
		ORDER BY n.id LIMIT 1
	`, map[string]any{"graphID": graphID})
	if err != nil {
		return nil, wrapRunErr("reading starting node", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, wrapRunErr("reading starting node", err)
		}
		return nil, fmt.Errorf("%w: graph %q has no nodes", models.ErrNotFound, graphID)
	}
	n := recordToNode(result.Record())
	return &n, nil
}

// requireNode fails with ErrNotFound when the node is absent.
func (s *MemgraphStore) requireNode(ctx context.Context, session sessionRunner, graphID, nodeID string) error {
	result, err := session.Run(ctx, `
		MATCH (n:GraphNode {graph_id: $graphID, id: $id}) RETURN n.id AS id
	`, map[string]any{"graphID": graphID, "id": nodeID})
	if err != nil {
		return wrapRunErr("checking node existence", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return wrapRunErr("checking node existence", err)
		}
		return fmt.Errorf("%w: node %q in graph %q", models.ErrNotFound, nodeID, graphID)
	}
	return nil
}

// Neighborhood expands the undirected variable-length pattern around the
// node, then fetches all edges between the discovered ids.
func (s *MemgraphStore) Neighborhood(ctx context.Context, db, graphID, nodeID string, depth int) (*models.GraphData, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	if err := s.requireNode(ctx, session, graphID, nodeID); err != nil {
		return nil, err
	}

	cypher := fmt.Sprintf(`
		MATCH (s:GraphNode {graph_id: $graphID, id: $id})-[:EDGE*1..%d]-(n:GraphNode)
		WHERE n.graph_id = $graphID
		RETURN DISTINCT n.id AS id, n.label AS label, n.type AS type, n.properties AS properties
		ORDER BY id
	`, depth)

	result, err := session.Run(ctx, cypher, map[string]any{"graphID": graphID, "id": nodeID})
	if err != nil {
		return nil, wrapRunErr("expanding neighborhood", err)
	}

	data := &models.GraphData{}
	ids := []string{nodeID}
	seenSelf := false
	for result.Next(ctx) {
		n := recordToNode(result.Record())
		if n.ID == nodeID {
			seenSelf = true
		} else {
			ids = append(ids, n.ID)
		}
		data.Nodes = append(data.Nodes, n)
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("expanding neighborhood", err)
	}

	// Cyclic graphs can reach the start node again; otherwise add it here.
	if !seenSelf {
		self, err := s.fetchNode(ctx, session, graphID, nodeID)
		if err != nil {
			return nil, err
		}
		data.Nodes = append([]models.Node{*self}, data.Nodes...)
	}

	edgeResult, err := session.Run(ctx, `
		MATCH (a:GraphNode {graph_id: $graphID})-[r:EDGE]->(b:GraphNode {graph_id: $graphID})
		WHERE a.id IN $ids AND b.id IN $ids
		RETURN r.id AS id, a.id AS source, b.id AS target,
		       r.label AS label, r.type AS type, r.properties AS properties
		ORDER BY a.id, b.id
	`, map[string]any{"graphID": graphID, "ids": ids})
	if err != nil {
		return nil, wrapRunErr("reading neighborhood edges", err)
	}
	for edgeResult.Next(ctx) {
		data.Edges = append(data.Edges, recordToEdge(edgeResult.Record()))
	}
	if err := edgeResult.Err(); err != nil {
		return nil, wrapRunErr("reading neighborhood edges", err)
	}
	return data, nil
}

func (s *MemgraphStore) fetchNode(ctx context.Context, session sessionRunner, graphID, nodeID string) (*models.Node, error) {
	result, err := session.Run(ctx, `
		MATCH (n:GraphNode {graph_id: $graphID, id: $id})
		RETURN n.id AS id, n.label AS label, n.type AS type, n.properties AS properties
	`, map[string]any{"graphID": graphID, "id": nodeID})
	if err != nil {
		return nil, wrapRunErr("reading node", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, wrapRunErr("reading node", err)
		}
		return nil, fmt.Errorf("%w: node %q in graph %q", models.ErrNotFound, nodeID, graphID)
	}
	n := recordToNode(result.Record())
	return &n, nil
}

// ImpactLevels expresses the bounded directed reachability as one
// variable-length path query; min(length(p)) collapses diamond paths to
// the shortest hop count per destination.
func (s *MemgraphStore) ImpactLevels(ctx context.Context, db, graphID, nodeID string, depth int) (map[string]int, error) {
	session := s.newSession(ctx, s.sessionDB(db))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	if err := s.requireNode(ctx, session, graphID, nodeID); err != nil {
		return nil, err
	}

	cypher := fmt.Sprintf(`
		MATCH p = (s:GraphNode {graph_id: $graphID, id: $id})-[:EDGE*1..%d]->(n:GraphNode)
		WHERE n.id <> $id AND n.graph_id = $graphID
		RETURN n.id AS id, min(length(p)) AS level
	`, depth)

	result, err := session.Run(ctx, cypher, map[string]any{"graphID": graphID, "id": nodeID})
	if err != nil {
		return nil, wrapRunErr("computing impact", err)
	}

	levels := make(map[string]int)
	for result.Next(ctx) {
		rec := result.Record()
		levels[recordString(rec, "id")] = recordInt(rec, "level")
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("computing impact", err)
	}
	return levels, nil
}

// ListDatabases asks the server for its databases.
func (s *MemgraphStore) ListDatabases(ctx context.Context) ([]string, error) {
	session := s.newSession(ctx, "")
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `SHOW DATABASES`, nil)
	if err != nil {
		return nil, wrapRunErr("listing databases", err)
	}

	var names []string
	for result.Next(ctx) {
		rec := result.Record()
		name := recordString(rec, "Name")
		if name == "" {
			name = recordString(rec, "name")
		}
		if name != "" {
			names = append(names, name)
		}
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("listing databases", err)
	}
	return names, nil
}

// CreateDatabase creates a server database.
func (s *MemgraphStore) CreateDatabase(ctx context.Context, name string) error {
	session := s.newSession(ctx, "")
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	if _, err := session.Run(ctx, fmt.Sprintf("CREATE DATABASE `%s`", name), nil); err != nil {
		return wrapRunErr("creating database", err)
	}
	return nil
}

// DeleteDatabase drops a server database. The engine's own default is
// protected in addition to the logical default.
func (s *MemgraphStore) DeleteDatabase(ctx context.Context, name string) error {
	if name == s.defaultDB {
		return fmt.Errorf("%w: cannot delete the system database %q", models.ErrPermissionDenied, name)
	}
	session := s.newSession(ctx, "")
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	if _, err := session.Run(ctx, fmt.Sprintf("DROP DATABASE `%s`", name), nil); err != nil {
		return wrapRunErr("dropping database", err)
	}
	return nil
}

// DatabaseStats aggregates counts over one server database.
func (s *MemgraphStore) DatabaseStats(ctx context.Context, name string) (*models.DatabaseStats, error) {
	session := s.newSession(ctx, s.sessionDB(name))
	defer session.Close(ctx) //nolint:errcheck // best-effort cleanup

	result, err := session.Run(ctx, `
		OPTIONAL MATCH (g:GraphMeta)
		WITH count(g) AS graphs
		OPTIONAL MATCH (n:GraphNode)
		WITH graphs, count(n) AS nodes
		OPTIONAL MATCH (:GraphNode)-[r:EDGE]->(:GraphNode)
		RETURN graphs, nodes, count(r) AS edges
	`, nil)
	if err != nil {
		return nil, wrapRunErr("reading database stats", err)
	}
	stats := &models.DatabaseStats{Name: name}
	if result.Next(ctx) {
		rec := result.Record()
		stats.GraphCount = recordInt(rec, "graphs")
		stats.NodeCount = recordInt(rec, "nodes")
		stats.EdgeCount = recordInt(rec, "edges")
	}
	if err := result.Err(); err != nil {
		return nil, wrapRunErr("reading database stats", err)
	}
	return stats, nil
}

// recordToNode converts a neo4j record with id/label/type/properties columns.
func recordToNode(record *neo4j.Record) models.Node {
	return models.Node{
		ID:         recordString(record, "id"),
		Label:      recordString(record, "label"),
		Type:       recordString(record, "type"),
		Properties: decodeProps(recordString(record, "properties")),
	}
}

func recordToEdge(record *neo4j.Record) models.Edge {
	return models.Edge{
		ID:         recordString(record, "id"),
		Source:     recordString(record, "source"),
		Target:     recordString(record, "target"),
		Label:      recordString(record, "label"),
		Type:       recordString(record, "type"),
		Properties: decodeProps(recordString(record, "properties")),
	}
}

func recordToGraph(record *neo4j.Record) *models.Graph {
	g := &models.Graph{
		ID:          recordString(record, "id"),
		Title:       recordString(record, "title"),
		Description: recordString(record, "description"),
		Type:        recordString(record, "type"),
		NodeCount:   recordInt(record, "node_count"),
		EdgeCount:   recordInt(record, "edge_count"),
	}
	if ca := recordString(record, "created_at"); ca != "" {
		g.CreatedAt, _ = time.Parse(time.RFC3339, ca)
	}
	return g
}

func recordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func recordInt(record *neo4j.Record, key string) int {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
