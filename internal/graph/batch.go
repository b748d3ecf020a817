package graph

import "github.com/polygraph-io/polygraph/pkg/models"

// Batch ingestion ceilings per backend family.
//
// Cypher UNWIND batches are bounded by transaction size, not parameter
// count; 500 rows per round trip keeps transactions small. SQL backends
// are bounded by the engine's bind-parameter limit (65535 for Postgres,
// 32766 for SQLite by default), divided by the number of columns written
// per row.
const (
	cypherBatchSize = 500

	sqliteMaxParams   = 32766
	postgresMaxParams = 65535

	// Columns written per row by each backend's multi-row INSERT. The
	// Postgres statements carry an extra db namespace column.
	sqliteNodeColumns = 5 // graph_id, id, label, type, properties
	sqliteEdgeColumns = 7 // graph_id, id, source_ref, target_ref, label, type, properties
	pgNodeColumns     = 6 // db, graph_id, id, label, type, properties
	pgEdgeColumns     = 8 // db, graph_id, id, source_ref, target_ref, label, type, properties
)

func chunkNodes(nodes []models.Node, size int) [][]models.Node {
	if size < 1 {
		size = 1
	}
	var chunks [][]models.Node
	for i := 0; i < len(nodes); i += size {
		end := i + size
		if end > len(nodes) {
			end = len(nodes)
		}
		chunks = append(chunks, nodes[i:end])
	}
	return chunks
}

func chunkEdges(edges []models.Edge, size int) [][]models.Edge {
	if size < 1 {
		size = 1
	}
	var chunks [][]models.Edge
	for i := 0; i < len(edges); i += size {
		end := i + size
		if end > len(edges) {
			end = len(edges)
		}
		chunks = append(chunks, edges[i:end])
	}
	return chunks
}
