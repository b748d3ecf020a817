package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polygraph-io/polygraph/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pg_databases (
    name       TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pg_graphs (
    db          TEXT NOT NULL REFERENCES pg_databases(name) ON DELETE CASCADE,
    id          TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (db, id)
);

CREATE TABLE IF NOT EXISTS pg_nodes (
    rowkey     BIGSERIAL PRIMARY KEY,
    db         TEXT NOT NULL,
    graph_id   TEXT NOT NULL,
    id         TEXT NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    type       TEXT NOT NULL DEFAULT '',
    properties JSONB,
    UNIQUE (db, graph_id, id),
    FOREIGN KEY (db, graph_id) REFERENCES pg_graphs(db, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pg_edges (
    rowkey     BIGSERIAL PRIMARY KEY,
    db         TEXT NOT NULL,
    graph_id   TEXT NOT NULL,
    id         TEXT,
    source_ref BIGINT NOT NULL REFERENCES pg_nodes(rowkey) ON DELETE CASCADE,
    target_ref BIGINT NOT NULL REFERENCES pg_nodes(rowkey) ON DELETE CASCADE,
    label      TEXT,
    type       TEXT NOT NULL DEFAULT '',
    properties JSONB,
    FOREIGN KEY (db, graph_id) REFERENCES pg_graphs(db, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_pg_nodes_graph ON pg_nodes(db, graph_id);
CREATE INDEX IF NOT EXISTS idx_pg_edges_graph ON pg_edges(db, graph_id);
CREATE INDEX IF NOT EXISTS idx_pg_edges_source ON pg_edges(source_ref);
CREATE INDEX IF NOT EXISTS idx_pg_edges_target ON pg_edges(target_ref);
`

// pgQueryTimeout bounds every statement so a stuck backend surfaces as an
// error instead of a hang.
const pgQueryTimeout = 30 * time.Second

// PostgresStore is the relational-family adapter backed by PostgreSQL via
// pgx. A "database" is a named namespace row scoping graphs, nodes, and
// edges; the engine connection is shared across namespaces. Like the
// SQLite adapter, all bounded traversals use the shared level-synchronous
// BFS, with frontier joins expressed as = ANY($1) against the edge table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database URL with a bounded pool and
// fast-failing acquisition.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing database URL: %v", models.ErrInvalidArgument, err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating connection pool: %v", models.ErrUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %v", models.ErrUnavailable, err)
	}

	logger.Info("postgres store initialized")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Init creates the schema and seeds the default namespace.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_databases (name) VALUES ($1) ON CONFLICT DO NOTHING`,
		models.DefaultDatabase)
	return err
}

// Name returns the backend identifier.
func (s *PostgresStore) Name() string { return "postgres" }

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ChunkSizes derives bulk-write ceilings from Postgres's 65535 bind
// parameter limit.
func (s *PostgresStore) ChunkSizes() (int, int) {
	return postgresMaxParams / pgNodeColumns, postgresMaxParams / pgEdgeColumns
}

func pgTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, pgQueryTimeout)
}

// wrapPgErr translates driver failures into the shared taxonomy. Pool
// exhaustion and network failures surface as ErrUnavailable rather than
// hanging or leaking driver internals.
func wrapPgErr(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", models.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// checkDB fails with ErrNotFound for an unknown namespace.
func (s *PostgresStore) checkDB(ctx context.Context, db string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM pg_databases WHERE name = $1`, db).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: database %q", models.ErrNotFound, db)
	}
	if err != nil {
		return wrapPgErr("checking database", err)
	}
	return nil
}

// CreateGraphMeta persists graph metadata, replacing any prior graph with
// the same id in this namespace.
func (s *PostgresStore) CreateGraphMeta(ctx context.Context, db string, g models.Graph) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if err := s.checkDB(ctx, db); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pg_graphs WHERE db = $1 AND id = $2`, db, g.ID); err != nil {
		return wrapPgErr("clearing prior graph", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pg_graphs (db, id, title, description, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, db, g.ID, g.Title, g.Description, g.Type, g.CreatedAt)
	if err != nil {
		return wrapPgErr("inserting graph", err)
	}
	return nil
}

// InsertNodes bulk-inserts one chunk of nodes with a multi-row INSERT.
func (s *PostgresStore) InsertNodes(ctx context.Context, db, graphID string, nodes []models.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	var b strings.Builder
	b.WriteString(`INSERT INTO pg_nodes (db, graph_id, id, label, type, properties) VALUES `)
	args := make([]any, 0, len(nodes)*pgNodeColumns)
	arg := 1
	for i, n := range nodes {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", arg, arg+1, arg+2, arg+3, arg+4, arg+5)
		arg += 6
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return fmt.Errorf("marshaling node %s properties: %w", n.ID, err)
		}
		args = append(args, db, graphID, n.ID, n.Label, n.Type, props)
	}
	b.WriteString(` ON CONFLICT (db, graph_id, id) DO UPDATE SET
		label = excluded.label, type = excluded.type, properties = excluded.properties`)

	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return wrapPgErr("inserting nodes", err)
	}
	return nil
}

// InsertEdges resolves endpoints to node row keys and inserts the
// resolvable edges, skipping those referencing unknown nodes.
func (s *PostgresStore) InsertEdges(ctx context.Context, db, graphID string, edges []models.Edge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, rowkey FROM pg_nodes WHERE db = $1 AND graph_id = $2`, db, graphID)
	if err != nil {
		return 0, wrapPgErr("resolving node rowkeys", err)
	}
	rowkeys := make(map[string]int64)
	for rows.Next() {
		var id string
		var rowkey int64
		if err := rows.Scan(&id, &rowkey); err != nil {
			rows.Close()
			return 0, err
		}
		rowkeys[id] = rowkey
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, wrapPgErr("resolving node rowkeys", err)
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO pg_edges (db, graph_id, id, source_ref, target_ref, label, type, properties) VALUES `)
	var args []any
	arg := 1
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
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			arg, arg+1, arg+2, arg+3, arg+4, arg+5, arg+6, arg+7)
		arg += 8
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return inserted, fmt.Errorf("marshaling edge properties: %w", err)
		}
		args = append(args, db, graphID, e.ID, src, dst, e.Label, e.Type, props)
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}

	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return 0, wrapPgErr("inserting edges", err)
	}
	return inserted, nil
}

// GraphMeta returns the stored metadata with live counts.
func (s *PostgresStore) GraphMeta(ctx context.Context, db, graphID string) (*models.Graph, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if err := s.checkDB(ctx, db); err != nil {
		return nil, err
	}

	var g models.Graph
	err := s.pool.QueryRow(ctx, `
		SELECT g.id, g.title, g.description, g.type, g.created_at,
		       (SELECT COUNT(*) FROM pg_nodes WHERE db = g.db AND graph_id = g.id),
		       (SELECT COUNT(*) FROM pg_edges WHERE db = g.db AND graph_id = g.id)
		FROM pg_graphs g WHERE g.db = $1 AND g.id = $2
	`, db, graphID).Scan(&g.ID, &g.Title, &g.Description, &g.Type, &g.CreatedAt,
		&g.NodeCount, &g.EdgeCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
	}
	if err != nil {
		return nil, wrapPgErr("reading graph metadata", err)
	}
	return &g, nil
}

// ReadNodes returns every node of the graph.
func (s *PostgresStore) ReadNodes(ctx context.Context, db, graphID string) ([]models.Node, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, label, type, properties FROM pg_nodes
		WHERE db = $1 AND graph_id = $2 ORDER BY id
	`, db, graphID)
	if err != nil {
		return nil, wrapPgErr("reading nodes", err)
	}
	defer rows.Close()

	return collectPgNodes(rows)
}

func collectPgNodes(rows pgx.Rows) ([]models.Node, error) {
	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		var props []byte
		if err := rows.Scan(&n.ID, &n.Label, &n.Type, &props); err != nil {
			return nil, err
		}
		n.Properties = decodeProps(string(props))
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ReadEdges returns every edge with endpoints mapped back to node ids.
func (s *PostgresStore) ReadEdges(ctx context.Context, db, graphID string) ([]models.Edge, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT e.id, sn.id, tn.id, e.label, e.type, e.properties
		FROM pg_edges e
		JOIN pg_nodes sn ON sn.rowkey = e.source_ref
		JOIN pg_nodes tn ON tn.rowkey = e.target_ref
		WHERE e.db = $1 AND e.graph_id = $2
		ORDER BY sn.id, tn.id
	`, db, graphID)
	if err != nil {
		return nil, wrapPgErr("reading edges", err)
	}
	defer rows.Close()

	return collectPgEdges(rows)
}

func collectPgEdges(rows pgx.Rows) ([]models.Edge, error) {
	var edges []models.Edge
	for rows.Next() {
		var e models.Edge
		var id, label *string
		var props []byte
		if err := rows.Scan(&id, &e.Source, &e.Target, &label, &e.Type, &props); err != nil {
			return nil, err
		}
		if id != nil {
			e.ID = *id
		}
		if label != nil {
			e.Label = *label
		}
		e.Properties = decodeProps(string(props))
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListGraphs returns metadata for every graph in the namespace.
func (s *PostgresStore) ListGraphs(ctx context.Context, db string) ([]models.Graph, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if err := s.checkDB(ctx, db); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.title, g.description, g.type, g.created_at,
		       (SELECT COUNT(*) FROM pg_nodes WHERE db = g.db AND graph_id = g.id),
		       (SELECT COUNT(*) FROM pg_edges WHERE db = g.db AND graph_id = g.id)
		FROM pg_graphs g WHERE g.db = $1 ORDER BY g.id
	`, db)
	if err != nil {
		return nil, wrapPgErr("listing graphs", err)
	}
	defer rows.Close()

	var graphs []models.Graph
	for rows.Next() {
		var g models.Graph
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &g.Type, &g.CreatedAt,
			&g.NodeCount, &g.EdgeCount); err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

// DeleteGraph removes a graph and cascades to its nodes and edges.
func (s *PostgresStore) DeleteGraph(ctx context.Context, db, graphID string) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pg_graphs WHERE db = $1 AND id = $2`, db, graphID)
	if err != nil {
		return wrapPgErr("deleting graph", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
	}
	return nil
}

// StartingNode returns the first node of the graph by id order.
func (s *PostgresStore) StartingNode(ctx context.Context, db, graphID string) (*models.Node, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	var n models.Node
	var props []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, label, type, properties FROM pg_nodes
		WHERE db = $1 AND graph_id = $2 ORDER BY id LIMIT 1
	`, db, graphID).Scan(&n.ID, &n.Label, &n.Type, &props)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: graph %q has no nodes", models.ErrNotFound, graphID)
	}
	if err != nil {
		return nil, wrapPgErr("reading starting node", err)
	}
	n.Properties = decodeProps(string(props))
	return &n, nil
}

func (s *PostgresStore) requireNode(ctx context.Context, db, graphID, nodeID string) error {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM pg_nodes WHERE db = $1 AND graph_id = $2 AND id = $3`,
		db, graphID, nodeID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		var g int
		gerr := s.pool.QueryRow(ctx,
			`SELECT 1 FROM pg_graphs WHERE db = $1 AND id = $2`, db, graphID).Scan(&g)
		if errors.Is(gerr, pgx.ErrNoRows) {
			return fmt.Errorf("%w: graph %q", models.ErrNotFound, graphID)
		}
		return fmt.Errorf("%w: node %q in graph %q", models.ErrNotFound, nodeID, graphID)
	}
	if err != nil {
		return wrapPgErr("checking node existence", err)
	}
	return nil
}

// expandDirected joins the frontier against the edge table once per level,
// outgoing edges only.
func (s *PostgresStore) expandDirected(db, graphID string) expandFunc {
	return func(ctx context.Context, frontier []string) (map[string][]string, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT sn.id, tn.id
			FROM pg_edges e
			JOIN pg_nodes sn ON sn.rowkey = e.source_ref
			JOIN pg_nodes tn ON tn.rowkey = e.target_ref
			WHERE e.db = $1 AND e.graph_id = $2 AND sn.id = ANY($3)
		`, db, graphID, frontier)
		if err != nil {
			return nil, wrapPgErr("expanding frontier", err)
		}
		defer rows.Close()
		return collectAdjacency(rows, false)
	}
}

// expandUndirected follows edges in both directions.
func (s *PostgresStore) expandUndirected(db, graphID string) expandFunc {
	return func(ctx context.Context, frontier []string) (map[string][]string, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT sn.id, tn.id
			FROM pg_edges e
			JOIN pg_nodes sn ON sn.rowkey = e.source_ref
			JOIN pg_nodes tn ON tn.rowkey = e.target_ref
			WHERE e.db = $1 AND e.graph_id = $2
			  AND (sn.id = ANY($3) OR tn.id = ANY($3))
		`, db, graphID, frontier)
		if err != nil {
			return nil, wrapPgErr("expanding frontier", err)
		}
		defer rows.Close()
		return collectAdjacency(rows, true)
	}
}

func collectAdjacency(rows pgx.Rows, bothDirections bool) (map[string][]string, error) {
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

// Neighborhood runs an undirected level-synchronous BFS, then fetches the
// discovered subgraph.
func (s *PostgresStore) Neighborhood(ctx context.Context, db, graphID, nodeID string, depth int) (*models.GraphData, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if err := s.requireNode(ctx, db, graphID, nodeID); err != nil {
		return nil, err
	}

	levels, err := bfsLevels(ctx, nodeID, depth, s.expandUndirected(db, graphID))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(levels)+1)
	ids = append(ids, nodeID)
	for id := range levels {
		ids = append(ids, id)
	}

	data := &models.GraphData{}
	nodeRows, err := s.pool.Query(ctx, `
		SELECT id, label, type, properties FROM pg_nodes
		WHERE db = $1 AND graph_id = $2 AND id = ANY($3) ORDER BY id
	`, db, graphID, ids)
	if err != nil {
		return nil, wrapPgErr("reading neighborhood nodes", err)
	}
	data.Nodes, err = collectPgNodes(nodeRows)
	nodeRows.Close()
	if err != nil {
		return nil, err
	}

	edgeRows, err := s.pool.Query(ctx, `
		SELECT e.id, sn.id, tn.id, e.label, e.type, e.properties
		FROM pg_edges e
		JOIN pg_nodes sn ON sn.rowkey = e.source_ref
		JOIN pg_nodes tn ON tn.rowkey = e.target_ref
		WHERE e.db = $1 AND e.graph_id = $2 AND sn.id = ANY($3) AND tn.id = ANY($3)
		ORDER BY sn.id, tn.id
	`, db, graphID, ids)
	if err != nil {
		return nil, wrapPgErr("reading neighborhood edges", err)
	}
	data.Edges, err = collectPgEdges(edgeRows)
	edgeRows.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ImpactLevels runs a directed level-synchronous BFS.
func (s *PostgresStore) ImpactLevels(ctx context.Context, db, graphID, nodeID string, depth int) (map[string]int, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if err := s.requireNode(ctx, db, graphID, nodeID); err != nil {
		return nil, err
	}
	return bfsLevels(ctx, nodeID, depth, s.expandDirected(db, graphID))
}

// ListDatabases returns every namespace, default first.
func (s *PostgresStore) ListDatabases(ctx context.Context) ([]string, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT name FROM pg_databases
		ORDER BY (name = $1) DESC, name
	`, models.DefaultDatabase)
	if err != nil {
		return nil, wrapPgErr("listing databases", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateDatabase registers a namespace. Idempotent.
func (s *PostgresStore) CreateDatabase(ctx context.Context, name string) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pg_databases (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return wrapPgErr("creating database", err)
	}
	return nil
}

// DeleteDatabase removes a namespace and cascades to everything in it.
func (s *PostgresStore) DeleteDatabase(ctx context.Context, name string) error {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM pg_databases WHERE name = $1`, name)
	if err != nil {
		return wrapPgErr("deleting database", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: database %q", models.ErrNotFound, name)
	}
	return nil
}

// DatabaseStats aggregates counts over one namespace.
func (s *PostgresStore) DatabaseStats(ctx context.Context, name string) (*models.DatabaseStats, error) {
	ctx, cancel := pgTimeout(ctx)
	defer cancel()

	if err := s.checkDB(ctx, name); err != nil {
		return nil, err
	}

	stats := &models.DatabaseStats{Name: name}
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM pg_graphs WHERE db = $1),
		       (SELECT COUNT(*) FROM pg_nodes WHERE db = $1),
		       (SELECT COUNT(*) FROM pg_edges WHERE db = $1)
	`, name).Scan(&stats.GraphCount, &stats.NodeCount, &stats.EdgeCount)
	if err != nil {
		return nil, wrapPgErr("reading database stats", err)
	}
	return stats, nil
}
