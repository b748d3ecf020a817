package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/polygraph-io/polygraph/internal/metrics"
	"github.com/polygraph-io/polygraph/pkg/models"
)

// MaxTraversalDepth is the hard ceiling applied to every neighbor or impact
// query regardless of what the caller asked for.
const MaxTraversalDepth = 15

// Backend is the per-engine storage contract. Each adapter owns one
// connection/session to its storage engine and is free to implement
// traversal with whatever algorithm suits its cost model, as long as the
// returned node sets and levels are identical across engines.
type Backend interface {
	// Name returns the backend identifier ("memgraph", "sqlite", "postgres").
	Name() string

	// ChunkSizes returns the per-bulk-call ceilings for node and edge
	// ingestion, derived from the engine's parameter or transaction limits.
	ChunkSizes() (nodes, edges int)

	// CreateGraphMeta persists graph metadata. Nodes and edges follow in
	// chunked InsertNodes/InsertEdges calls.
	CreateGraphMeta(ctx context.Context, db string, g models.Graph) error

	// InsertNodes bulk-inserts one chunk of nodes.
	InsertNodes(ctx context.Context, db, graphID string, nodes []models.Node) error

	// InsertEdges bulk-inserts one chunk of edges, resolving endpoints to
	// the engine's internal references. Edges whose source or target is not
	// present among the graph's nodes are skipped, not failed; the returned
	// count is the number actually written.
	InsertEdges(ctx context.Context, db, graphID string, edges []models.Edge) (int, error)

	// GraphMeta returns the stored metadata, or ErrNotFound.
	GraphMeta(ctx context.Context, db, graphID string) (*models.Graph, error)

	// ReadNodes and ReadEdges return the full node/edge set of a graph.
	ReadNodes(ctx context.Context, db, graphID string) ([]models.Node, error)
	ReadEdges(ctx context.Context, db, graphID string) ([]models.Edge, error)

	// ListGraphs returns metadata for every graph in the database.
	ListGraphs(ctx context.Context, db string) ([]models.Graph, error)

	// DeleteGraph removes a graph with all its nodes and edges.
	DeleteGraph(ctx context.Context, db, graphID string) error

	// StartingNode returns any single node of the graph, or ErrNotFound
	// if the graph has no nodes.
	StartingNode(ctx context.Context, db, graphID string) (*models.Node, error)

	// Neighborhood returns all nodes within depth hops of nodeID following
	// edges in either direction, plus every edge whose both endpoints are
	// in that set.
	Neighborhood(ctx context.Context, db, graphID, nodeID string, depth int) (*models.GraphData, error)

	// ImpactLevels returns, for every node reachable from nodeID via
	// outgoing edges within depth hops, the minimum hop count. The source
	// node itself is never a key of the returned map.
	ImpactLevels(ctx context.Context, db, graphID, nodeID string, depth int) (map[string]int, error)

	// Database admin. Single-database engines return ErrUnsupported for
	// create/delete and report exactly one database from ListDatabases.
	ListDatabases(ctx context.Context) ([]string, error)
	CreateDatabase(ctx context.Context, name string) error
	DeleteDatabase(ctx context.Context, name string) error
	DatabaseStats(ctx context.Context, name string) (*models.DatabaseStats, error)

	// Close releases the backend connection. Called exactly once at shutdown.
	Close() error
}

// CreateGraphRequest carries everything needed to persist a new graph.
type CreateGraphRequest struct {
	ID          string
	Title       string
	Description string
	Type        string
	Nodes       []models.Node
	Edges       []models.Edge
	Database    string
}

// ReadMeta carries observability signals for a full-graph read. These are
// out-of-band: not part of the data contract.
type ReadMeta struct {
	CacheStatus string `json:"cache_status"` // hit, miss, bypass
	ElapsedMs   int64  `json:"elapsed_ms"`
	Parallel    bool   `json:"parallel"`
	Backend     string `json:"backend"`
	RawBytes    int    `json:"raw_bytes"`
}

// Service wraps one Backend with the result cache, depth clamping, input
// validation, and batch ingestion. All adapters are driven through this
// single facade; traversal semantics live in the backend, policy lives here.
type Service struct {
	backend Backend
	cache   *Cache
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService creates a Service owning the given backend and cache.
func NewService(backend Backend, cache *Cache, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		cache:   cache,
		logger:  logger,
		clock:   time.Now,
	}
}

// Name returns the backend identifier this service drives.
func (s *Service) Name() string { return s.backend.Name() }

// Close releases the backend connection.
func (s *Service) Close() error { return s.backend.Close() }

var dbNameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// ValidateDatabaseName rejects names that are not safe as a namespace
// identifier across all engines.
func ValidateDatabaseName(name string) error {
	if !dbNameRe.MatchString(name) {
		return fmt.Errorf("%w: database name %q (want lowercase alphanumeric, '-', '_', max 63 chars)", models.ErrInvalidArgument, name)
	}
	return nil
}

// ClampDepth bounds a caller-supplied depth to [1, MaxTraversalDepth].
func ClampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > MaxTraversalDepth {
		return MaxTraversalDepth
	}
	return depth
}

func normalizeDB(db string) string {
	if db == "" {
		return models.DefaultDatabase
	}
	return db
}

// CreateGraph persists metadata plus nodes/edges through chunked bulk
// writes. Chunks are issued sequentially so a partial failure leaves a
// deterministic prefix committed. Any stale cache entry for the graph is
// invalidated before returning.
func (s *Service) CreateGraph(ctx context.Context, req CreateGraphRequest) (*models.Graph, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: graph id is required", models.ErrInvalidArgument)
	}
	if len(req.Nodes) == 0 {
		return nil, fmt.Errorf("%w: graph %q has no nodes", models.ErrInvalidArgument, req.ID)
	}
	db := normalizeDB(req.Database)

	// Work on a copy so assigning generated ids never mutates the
	// caller's slice.
	edges := make([]models.Edge, len(req.Edges))
	copy(edges, req.Edges)
	for i := range edges {
		if edges[i].ID == "" {
			edges[i].ID = uuid.NewString()
		}
	}

	g := models.Graph{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		CreatedAt:   s.clock().UTC(),
	}
	if err := s.backend.CreateGraphMeta(ctx, db, g); err != nil {
		return nil, err
	}

	inserted, err := s.ingest(ctx, db, req.ID, req.Nodes, edges)
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(db, req.ID)

	g.NodeCount = len(req.Nodes)
	g.EdgeCount = inserted
	s.logger.Info("graph created",
		"backend", s.backend.Name(), "db", db, "graph", req.ID,
		"nodes", g.NodeCount, "edges", g.EdgeCount,
		"edges_skipped", len(edges)-inserted)
	return &g, nil
}

// ingest runs the batch ingestion strategy: node chunks first, then edge
// chunks, each sized to the backend's ceiling. Returns edges written.
func (s *Service) ingest(ctx context.Context, db, graphID string, nodes []models.Node, edges []models.Edge) (int, error) {
	nodeChunk, edgeChunk := s.backend.ChunkSizes()

	for _, chunk := range chunkNodes(nodes, nodeChunk) {
		if err := s.backend.InsertNodes(ctx, db, graphID, chunk); err != nil {
			return 0, fmt.Errorf("inserting node chunk: %w", err)
		}
	}

	inserted := 0
	for _, chunk := range chunkEdges(edges, edgeChunk) {
		n, err := s.backend.InsertEdges(ctx, db, graphID, chunk)
		if err != nil {
			return inserted, fmt.Errorf("inserting edge chunk: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

// GetGraph returns the full node/edge set of a graph. Cache-first unless
// bypass is requested; node and edge reads run concurrently on a miss.
func (s *Service) GetGraph(ctx context.Context, graphID, db string, bypassCache bool) (*models.GraphData, *ReadMeta, error) {
	db = normalizeDB(db)
	start := s.clock()
	meta := &ReadMeta{Backend: s.backend.Name()}

	if bypassCache {
		meta.CacheStatus = CacheBypass
		s.cache.RecordBypass()
	} else if data, ok := s.cache.Get(db, graphID); ok {
		meta.CacheStatus = CacheHit
		meta.ElapsedMs = time.Since(start).Milliseconds()
		meta.RawBytes = data.RawBytes()
		return data, meta, nil
	} else {
		meta.CacheStatus = CacheMiss
	}

	if _, err := s.backend.GraphMeta(ctx, db, graphID); err != nil {
		return nil, nil, err
	}

	data := &models.GraphData{}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		nodes, err := s.backend.ReadNodes(egCtx, db, graphID)
		if err != nil {
			return fmt.Errorf("reading nodes: %w", err)
		}
		data.Nodes = nodes
		return nil
	})
	eg.Go(func() error {
		edges, err := s.backend.ReadEdges(egCtx, db, graphID)
		if err != nil {
			return fmt.Errorf("reading edges: %w", err)
		}
		data.Edges = edges
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}
	meta.Parallel = true

	if !bypassCache {
		s.cache.Set(db, graphID, data)
	}

	meta.ElapsedMs = time.Since(start).Milliseconds()
	meta.RawBytes = data.RawBytes()
	return data, meta, nil
}

// ListGraphs returns metadata for every graph in the database.
func (s *Service) ListGraphs(ctx context.Context, db string) ([]models.Graph, error) {
	return s.backend.ListGraphs(ctx, normalizeDB(db))
}

// GetGraphStats returns node/edge counts, per-type histograms, and the
// average degree (in+out) of a graph.
func (s *Service) GetGraphStats(ctx context.Context, graphID, db string) (*models.GraphStats, error) {
	db = normalizeDB(db)
	if _, err := s.backend.GraphMeta(ctx, db, graphID); err != nil {
		return nil, err
	}

	nodes, err := s.backend.ReadNodes(ctx, db, graphID)
	if err != nil {
		return nil, err
	}
	edges, err := s.backend.ReadEdges(ctx, db, graphID)
	if err != nil {
		return nil, err
	}

	stats := &models.GraphStats{
		GraphID:     graphID,
		NodeCount:   len(nodes),
		EdgeCount:   len(edges),
		NodesByType: make(map[string]int),
		EdgesByType: make(map[string]int),
	}
	for _, n := range nodes {
		stats.NodesByType[n.Type]++
	}
	for _, e := range edges {
		stats.EdgesByType[e.Type]++
	}
	if len(nodes) > 0 {
		stats.AvgDegree = float64(2*len(edges)) / float64(len(nodes))
	}
	return stats, nil
}

// DeleteGraph removes a graph and everything it owns, then invalidates
// the cache entry. Safe to retry.
func (s *Service) DeleteGraph(ctx context.Context, graphID, db string) error {
	db = normalizeDB(db)
	if err := s.backend.DeleteGraph(ctx, db, graphID); err != nil {
		return err
	}
	s.cache.Invalidate(db, graphID)
	s.logger.Info("graph deleted", "backend", s.backend.Name(), "db", db, "graph", graphID)
	return nil
}

// GetStartingNode returns any single node of the graph, used as a default
// traversal root.
func (s *Service) GetStartingNode(ctx context.Context, graphID, db string) (*models.Node, error) {
	return s.backend.StartingNode(ctx, normalizeDB(db), graphID)
}

// GetNeighbors returns the union of nodes reachable within depth hops of
// nodeID following edges in either direction, plus all edges between them.
// Depth is clamped to MaxTraversalDepth.
func (s *Service) GetNeighbors(ctx context.Context, graphID, nodeID string, depth int, db string) (*models.GraphData, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node id is required", models.ErrInvalidArgument)
	}
	db = normalizeDB(db)
	depth = ClampDepth(depth)

	start := s.clock()
	data, err := s.backend.Neighborhood(ctx, db, graphID, nodeID, depth)
	if err != nil {
		return nil, err
	}
	metrics.TraversalDuration.WithLabelValues(s.backend.Name(), "neighbors").
		Observe(time.Since(start).Seconds())
	return data, nil
}

// ComputeImpact runs directed, outgoing-only propagation from nodeID and
// returns every reachable node with its minimum hop distance. Depth is
// clamped to MaxTraversalDepth. Entries are ordered by level, then node id.
func (s *Service) ComputeImpact(ctx context.Context, graphID, nodeID string, depth int, db string) (*models.ImpactResult, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node id is required", models.ErrInvalidArgument)
	}
	db = normalizeDB(db)
	depth = ClampDepth(depth)

	start := s.clock()
	levels, err := s.backend.ImpactLevels(ctx, db, graphID, nodeID, depth)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.TraversalDuration.WithLabelValues(s.backend.Name(), "impact").
		Observe(elapsed.Seconds())

	impacted := make([]models.ImpactedNode, 0, len(levels))
	for id, level := range levels {
		if id == nodeID {
			continue
		}
		impacted = append(impacted, models.ImpactedNode{NodeID: id, Level: level})
	}
	sort.Slice(impacted, func(i, j int) bool {
		if impacted[i].Level != impacted[j].Level {
			return impacted[i].Level < impacted[j].Level
		}
		return impacted[i].NodeID < impacted[j].NodeID
	})

	return &models.ImpactResult{
		SourceNodeID:  nodeID,
		ImpactedNodes: impacted,
		Depth:         depth,
		ElapsedMs:     elapsed.Milliseconds(),
		Engine:        s.backend.Name(),
	}, nil
}

// ListDatabases returns the database namespaces of the backend.
func (s *Service) ListDatabases(ctx context.Context) ([]string, error) {
	return s.backend.ListDatabases(ctx)
}

// CreateDatabase creates a new database namespace.
func (s *Service) CreateDatabase(ctx context.Context, name string) error {
	if err := ValidateDatabaseName(name); err != nil {
		return err
	}
	return s.backend.CreateDatabase(ctx, name)
}

// DeleteDatabase removes a database namespace. The default database is
// protected on every backend.
func (s *Service) DeleteDatabase(ctx context.Context, name string) error {
	if err := ValidateDatabaseName(name); err != nil {
		return err
	}
	if name == models.DefaultDatabase {
		return fmt.Errorf("%w: cannot delete the default database", models.ErrPermissionDenied)
	}
	return s.backend.DeleteDatabase(ctx, name)
}

// GetDatabaseStats returns aggregate counts for one database namespace.
func (s *Service) GetDatabaseStats(ctx context.Context, name string) (*models.DatabaseStats, error) {
	return s.backend.DatabaseStats(ctx, normalizeDB(name))
}

// CacheStats reports the result cache's counters and keys.
func (s *Service) CacheStats() models.CacheStats {
	return s.cache.Stats()
}

// ClearCache drops cache entries. With a graphID it clears that single
// key; otherwise it flushes everything. Returns the cleared keys.
func (s *Service) ClearCache(graphID, db string) []string {
	if graphID == "" {
		return s.cache.Flush()
	}
	db = normalizeDB(db)
	if s.cache.Invalidate(db, graphID) {
		return []string{cacheKey(db, graphID)}
	}
	return nil
}
