package graph

import "context"

// expandFunc returns the neighbor ids of every node in the frontier, as a
// map from frontier node id to its adjacent ids. A relational backend
// implements this as a single join of the frontier against its edge table.
type expandFunc func(ctx context.Context, frontier []string) (map[string][]string, error)

// bfsLevels runs a level-synchronous BFS from source: one expand call per
// level, inserting only nodes not already visited, with the next frontier
// set to exactly the nodes first seen at this level. Total work is bounded
// by O(|V| + |E|) regardless of branching factor, because every node is
// expanded at most once across the whole traversal. The returned map holds
// the minimum hop count per reached node; the source is not a key.
//
// Relational adapters must route all bounded traversals through here. An
// accumulate-then-dedupe recursive join materializes every walk, which is
// O(k^depth) on branching factor k, and that is exactly the blow-up this
// exists to avoid.
func bfsLevels(ctx context.Context, source string, depth int, expand expandFunc) (map[string]int, error) {
	visited := map[string]int{source: 0}
	frontier := []string{source}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		adjacency, err := expand(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, from := range frontier {
			for _, to := range adjacency[from] {
				if _, seen := visited[to]; seen {
					continue
				}
				visited[to] = level
				next = append(next, to)
			}
		}
		frontier = next
	}

	delete(visited, source)
	return visited, nil
}
