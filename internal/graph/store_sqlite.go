package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polygraph-io/polygraph/pkg/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS graphs (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    description TEXT,
    type        TEXT,
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    rowkey     INTEGER PRIMARY KEY AUTOINCREMENT,
    graph_id   TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    label      TEXT NOT NULL,
    type       TEXT NOT NULL,
    properties TEXT,
    UNIQUE(graph_id, id)
);

CREATE TABLE IF NOT EXISTS edges (
    rowkey     INTEGER PRIMARY KEY AUTOINCREMENT,
    graph_id   TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
    id         TEXT,
    source_ref INTEGER NOT NULL REFERENCES nodes(rowkey) ON DELETE CASCADE,
    target_ref INTEGER NOT NULL REFERENCES nodes(rowkey) ON DELETE CASCADE,
    label      TEXT,
    type       TEXT NOT NULL,
    properties TEXT
);

CREATE INDEX IF NOT EXISTS idx_nodes_graph ON nodes(graph_id);
CREATE INDEX IF NOT EXISTS idx_edges_graph ON edges(graph_id);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_ref);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_ref);
`

// SQLiteStore is the relational-family adapter backed by SQLite. It has no
// native adjacency, so every bounded traversal goes through the shared
// level-synchronous BFS, joining the frontier against the edges table once
// per level. SQLite is a single-database engine: only the default namespace
// exists, and database admin is unsupported.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite database: %v", models.ErrUnavailable, err)
	}

	return &SQLiteStore{db: db}, nil
}

// Init creates the schema if it doesn't exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// Name returns the backend identifier.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ChunkSizes derives bulk-write ceilings from SQLite's bind-parameter limit.
func (s *SQLiteStore) ChunkSizes() (int, int) {
	return sqliteMaxParams / sqliteNodeColumns, sqliteMaxParams / sqliteEdgeColumns
}

// checkDB rejects any namespace other than the default one.
func (s *SQLiteStore) checkDB(db string) error {
	if db != models.DefaultDatabase {
		return fmt.Errorf("%w: sqlite is a single-database engine (got database %q)", models.ErrUnsupported, db)
	}
	return nil
}

// CreateGraphMeta persists graph metadata, replacing any prior graph with
// the same id together with its nodes and edges.
func (s *SQLiteStore) CreateGraphMeta(ctx context.Context, db string, g models.Graph) error {
	if err := s.checkDB(db); err != nil {
		return err
	}
	// Recreating a graph id starts from a clean slate.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, g.ID); err != nil {
		return fmt.Errorf("clearing prior graph: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graphs (id, title, description, type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, g.ID, g.Title, g.Description, g.Type, g.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting graph: %w", err)
	}
	return nil
}

// InsertNodes bulk-inserts one chunk of nodes with a multi-row INSERT.
func (s *SQLiteStore) InsertNodes(ctx context.Context, db, graphID string, nodes []models.Node) error {
	if err := s.checkDB(db); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO nodes (graph_id, id, label, type, properties) VALUES `)
	args := make([]any, 0, len(nodes)*sqliteNodeColumns)
	for i, n := range nodes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return fmt.Errorf("marshaling node %s properties: %w", n.ID, err)
		}
		args = append(args, graphID, n.ID, n.Label, n.Type, string(props))
	}
	b.WriteString(` ON CONFLICT(graph_id, id) DO UPDATE SET
		label = excluded.label, type = excluded.type, properties = excluded.properties`)

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("inserting nodes: %w", err)
	}
	return nil
}

// InsertEdges resolves endpoint ids to node row keys and bulk-inserts the
// resolvable edges. Edges referencing unknown nodes are skipped.
func (s *SQLiteStore) InsertEdges(ctx context.Context, db, graphID string, edges []models.Edge) (int, error) {
	if err := s.checkDB(db); err != nil {
		return 0, err
	}
	if len(edges) == 0 {
		return 0, nil
	}

	rowkeys, err := s.nodeRowkeys(ctx, graphID)
	if err != nil {
		return 0, err
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO edges (graph_id, id, source_ref, target_ref, label, type, properties) VALUES `)
	var args []any
	inserted := 0
	for _, e := range edges {
		src, okSrc := rowkeys[e.Source]
		dst, okDst := rowkeys[e.Target]
		if !okSrc || !okDst {
			continue
		}
		if inserted > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return inserted, fmt.Errorf("marshaling edge properties: %w", err)
		}
		args = append(args, graphID, e.ID, src, dst, e.Label, e.Type, string(props))
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return 0, fmt.Errorf("inserting edges: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) nodeRowkeys(ctx context.Context, graphID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rowkey FROM nodes WHERE graph_id = ?`, graphID)
	if err != nil {
		return nil, fmt.Errorf("resolving node rowkeys: %w", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	keys := make(map[string]int64)
	for rows.Next() {
		var id string
		var rowkey int64
		if err := rows.Scan(&id, &rowkey); err != nil {
			return nil, err
		}
		keys[id] = rowkey
	}
	return keys, rows.Err()
}

// GraphMeta returns the stored metadata for a graph.
func (s *SQLiteStore) GraphMeta(ctx context.Context, db, graphID string) (*models.Graph, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT g.id, g.title, g.description, g.type, g.created_at,
		       (SELECT COUNT(*) FROM nodes WHERE graph_id = g.id),
		       (SELECT COUNT(*) FROM edges WHERE graph_id = g.id)
		FROM graphs g WHERE g.id = ?
	`, graphID)

	g, err := scanGraphRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
		}
		return nil, err
	}
	return g, nil
}

func scanGraphRow(row interface{ Scan(dest ...any) error }) (*models.Graph, error) {
	var g models.Graph
	var desc, typ sql.NullString
	var createdAt string
	if err := row.Scan(&g.ID, &g.Title, &desc, &typ, &createdAt, &g.NodeCount, &g.EdgeCount); err != nil {
		return nil, err
	}
	g.Description = desc.String
	g.Type = typ.String
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &g, nil
}

// ReadNodes returns every node of the graph, ordered by id.
func (s *SQLiteStore) ReadNodes(ctx context.Context, db, graphID string) ([]models.Node, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, type, properties FROM nodes WHERE graph_id = ? ORDER BY id
	`, graphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		var props sql.NullString
		if err := rows.Scan(&n.ID, &n.Label, &n.Type, &props); err != nil {
			return nil, err
		}
		n.Properties = decodeProps(props.String)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ReadEdges returns every edge of the graph with endpoints mapped back to
// external node ids.
func (s *SQLiteStore) ReadEdges(ctx context.Context, db, graphID string) ([]models.Edge, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, sn.id, tn.id, e.label, e.type, e.properties
		FROM edges e
		JOIN nodes sn ON sn.rowkey = e.source_ref
		JOIN nodes tn ON tn.rowkey = e.target_ref
		WHERE e.graph_id = ?
		ORDER BY sn.id, tn.id
	`, graphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	return collectEdgeRows(rows)
}

func collectEdgeRows(rows *sql.Rows) ([]models.Edge, error) {
	var edges []models.Edge
	for rows.Next() {
		var e models.Edge
		var id, label, props sql.NullString
		if err := rows.Scan(&id, &e.Source, &e.Target, &label, &e.Type, &props); err != nil {
			return nil, err
		}
		e.ID = id.String
		e.Label = label.String
		e.Properties = decodeProps(props.String)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func decodeProps(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(s), &props); err != nil {
		return nil
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

// ListGraphs returns metadata for every stored graph.
func (s *SQLiteStore) ListGraphs(ctx context.Context, db string) ([]models.Graph, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.title, g.description, g.type, g.created_at,
		       (SELECT COUNT(*) FROM nodes WHERE graph_id = g.id),
		       (SELECT COUNT(*) FROM edges WHERE graph_id = g.id)
		FROM graphs g ORDER BY g.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var graphs []models.Graph
	for rows.Next() {
		g, err := scanGraphRow(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, *g)
	}
	return graphs, rows.Err()
}

// DeleteGraph removes a graph and cascades to its nodes and edges.
func (s *SQLiteStore) DeleteGraph(ctx context.Context, db, graphID string) error {
	if err := s.checkDB(db); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, graphID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
	}
	return nil
}

// StartingNode returns the first node of the graph by id order.
func (s *SQLiteStore) StartingNode(ctx context.Context, db, graphID string) (*models.Node, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, type, properties FROM nodes WHERE graph_id = ? ORDER BY id LIMIT 1
	`, graphID)

	var n models.Node
	var props sql.NullString
	if err := row.Scan(&n.ID, &n.Label, &n.Type, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: graph %q has no nodes", models.ErrNotFound, graphID)
		}
		return nil, err
	}
	n.Properties = decodeProps(props.String)
	return &n, nil
}

// expandDirected joins the frontier against the edges table once, following
// outgoing edges only.
func (s *SQLiteStore) expandDirected(graphID string) expandFunc {
	return func(ctx context.Context, frontier []string) (map[string][]string, error) {
		query := `
			SELECT sn.id, tn.id
			FROM edges e
			JOIN nodes sn ON sn.rowkey = e.source_ref
			JOIN nodes tn ON tn.rowkey = e.target_ref
			WHERE e.graph_id = ? AND sn.id IN (` + placeholders(len(frontier)) + `)`
		return s.queryAdjacency(ctx, query, graphID, frontier, false)
	}
}

// expandUndirected joins the frontier against the edges table once,
// following edges in both directions.
func (s *SQLiteStore) expandUndirected(graphID string) expandFunc {
	return func(ctx context.Context, frontier []string) (map[string][]string, error) {
		query := `
			SELECT sn.id, tn.id
			FROM edges e
			JOIN nodes sn ON sn.rowkey = e.source_ref
			JOIN nodes tn ON tn.rowkey = e.target_ref
			WHERE e.graph_id = ? AND (sn.id IN (` + placeholders(len(frontier)) + `)
			   OR tn.id IN (` + placeholders(len(frontier)) + `))`
		return s.queryAdjacency(ctx, query, graphID, frontier, true)
	}
}

func (s *SQLiteStore) queryAdjacency(ctx context.Context, query, graphID string, frontier []string, bothDirections bool) (map[string][]string, error) {
	args := make([]any, 0, 1+2*len(frontier))
	args = append(args, graphID)
	for _, id := range frontier {
		args = append(args, id)
	}
	if bothDirections {
		for _, id := range frontier {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("expanding frontier: %w", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	adjacency := make(map[string][]string)
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, err
		}
		adjacency[src] = append(adjacency[src], dst)
		if bothDirections {
			adjacency[dst] = append(adjacency[dst], src)
		}
	}
	return adjacency, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Neighborhood runs an undirected level-synchronous BFS, then fetches the
// discovered nodes and all edges between them.
func (s *SQLiteStore) Neighborhood(ctx context.Context, db, graphID, nodeID string, depth int) (*models.GraphData, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	if err := s.requireNode(ctx, graphID, nodeID); err != nil {
		return nil, err
	}

	levels, err := bfsLevels(ctx, nodeID, depth, s.expandUndirected(graphID))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(levels)+1)
	ids = append(ids, nodeID)
	for id := range levels {
		ids = append(ids, id)
	}
	return s.subgraph(ctx, graphID, ids)
}

// subgraph fetches the nodes with the given ids plus every edge whose both
// endpoints are among them.
func (s *SQLiteStore) subgraph(ctx context.Context, graphID string, ids []string) (*models.GraphData, error) {
	args := make([]any, 0, 1+len(ids))
	args = append(args, graphID)
	for _, id := range ids {
		args = append(args, id)
	}
	ph := placeholders(len(ids))

	nodeRows, err := s.db.QueryContext(ctx, `
		SELECT id, label, type, properties FROM nodes
		WHERE graph_id = ? AND id IN (`+ph+`) ORDER BY id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer nodeRows.Close() //nolint:errcheck // best-effort cleanup

	data := &models.GraphData{}
	for nodeRows.Next() {
		var n models.Node
		var props sql.NullString
		if err := nodeRows.Scan(&n.ID, &n.Label, &n.Type, &props); err != nil {
			return nil, err
		}
		n.Properties = decodeProps(props.String)
		data.Nodes = append(data.Nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, err
	}

	edgeArgs := make([]any, 0, 1+2*len(ids))
	edgeArgs = append(edgeArgs, graphID)
	for i := 0; i < 2; i++ {
		for _, id := range ids {
			edgeArgs = append(edgeArgs, id)
		}
	}
	edgeRows, err := s.db.QueryContext(ctx, `
		SELECT e.id, sn.id, tn.id, e.label, e.type, e.properties
		FROM edges e
		JOIN nodes sn ON sn.rowkey = e.source_ref
		JOIN nodes tn ON tn.rowkey = e.target_ref
		WHERE e.graph_id = ? AND sn.id IN (`+ph+`) AND tn.id IN (`+ph+`)
		ORDER BY sn.id, tn.id
	`, edgeArgs...)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close() //nolint:errcheck // best-effort cleanup

	data.Edges, err = collectEdgeRows(edgeRows)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ImpactLevels runs a directed level-synchronous BFS and returns minimum
// hop counts per reached node.
func (s *SQLiteStore) ImpactLevels(ctx context.Context, db, graphID, nodeID string, depth int) (map[string]int, error) {
	if err := s.checkDB(db); err != nil {
		return nil, err
	}
	if err := s.requireNode(ctx, graphID, nodeID); err != nil {
		return nil, err
	}
	return bfsLevels(ctx, nodeID, depth, s.expandDirected(graphID))
}

func (s *SQLiteStore) requireNode(ctx context.Context, graphID, nodeID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM nodes WHERE graph_id = ? AND id = ?`, graphID, nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing graph from a missing node.
		var g int
		gerr := s.db.QueryRowContext(ctx, `SELECT 1 FROM graphs WHERE id = ?`, graphID).Scan(&g)
		if errors.Is(gerr, sql.ErrNoRows) {
			return fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
		}
		return fmt.Errorf("%w: node %q in graph %q", models.ErrNotFound, nodeID, graphID)
	}
	return err
}

// ListDatabases reports the single default namespace.
func (s *SQLiteStore) ListDatabases(_ context.Context) ([]string, error) {
	return []string{models.DefaultDatabase}, nil
}

// CreateDatabase is not meaningful for a single-database engine.
func (s *SQLiteStore) CreateDatabase(_ context.Context, name string) error {
	return fmt.Errorf("%w: sqlite cannot create database %q", models.ErrUnsupported, name)
}

// DeleteDatabase is not meaningful for a single-database engine.
func (s *SQLiteStore) DeleteDatabase(_ context.Context, name string) error {
	return fmt.Errorf("%w: sqlite cannot delete database %q", models.ErrUnsupported, name)
}

// DatabaseStats aggregates counts over the default namespace.
func (s *SQLiteStore) DatabaseStats(ctx context.Context, name string) (*models.DatabaseStats, error) {
	if err := s.checkDB(name); err != nil {
		return nil, err
	}
	stats := &models.DatabaseStats{Name: name}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graphs`).Scan(&stats.GraphCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&stats.NodeCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&stats.EdgeCount); err != nil {
		return nil, err
	}
	return stats, nil
}
