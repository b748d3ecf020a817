package models

import (
	"encoding/json"
	"time"
)

// DefaultDatabase is the namespace used when a caller supplies no database name.
// Deleting it is always refused.
const DefaultDatabase = "default"

// Node is a vertex in a stored graph. Nodes are immutable once created;
// Type is purely descriptive and only partitions statistics.
type Node struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is a directed connection between two nodes of the same graph.
// Multiple edges between the same ordered pair are allowed.
type Edge struct {
	ID         string         `json:"id,omitempty"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Label      string         `json:"label,omitempty"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Graph is the stored metadata for a named graph within a database namespace.
type Graph struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	NodeCount   int       `json:"node_count"`
	EdgeCount   int       `json:"edge_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// GraphData is a full node/edge snapshot of one graph.
type GraphData struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// RawBytes returns the pre-compression JSON size of the snapshot. Used as
// an observability signal on full-graph reads.
func (d *GraphData) RawBytes() int {
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(b)
}

// GraphStats summarizes a stored graph.
type GraphStats struct {
	GraphID     string         `json:"graph_id"`
	NodeCount   int            `json:"node_count"`
	EdgeCount   int            `json:"edge_count"`
	NodesByType map[string]int `json:"nodes_by_type"`
	EdgesByType map[string]int `json:"edges_by_type"`
	AvgDegree   float64        `json:"avg_degree"`
}

// ImpactedNode is one entry of an impact set: a node reachable from the
// source via outgoing edges, with the minimum hop count at which it is reached.
type ImpactedNode struct {
	NodeID string `json:"node_id"`
	Level  int    `json:"level"`
}

// ImpactResult is the outcome of downstream impact propagation from one node.
// ImpactedNodes never contains the source node and never contains duplicates;
// every Level satisfies 1 <= Level <= Depth.
type ImpactResult struct {
	SourceNodeID  string         `json:"source_node_id"`
	ImpactedNodes []ImpactedNode `json:"impacted_nodes"`
	Depth         int            `json:"depth"`
	ElapsedMs     int64          `json:"elapsed_ms"`
	Engine        string         `json:"engine"`
}

// DatabaseStats summarizes one database namespace of a backend.
type DatabaseStats struct {
	Name       string `json:"name"`
	GraphCount int    `json:"graph_count"`
	NodeCount  int    `json:"node_count"`
	EdgeCount  int    `json:"edge_count"`
}

// CacheStats reports result-cache counters and current contents.
type CacheStats struct {
	Hits        int64    `json:"hits"`
	Misses      int64    `json:"misses"`
	Bypasses    int64    `json:"bypasses"`
	CachedCount int      `json:"cached_count"`
	Keys        []string `json:"keys"`
}
