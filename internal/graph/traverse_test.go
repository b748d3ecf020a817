package graph

import (
	"context"
	"errors"
	"testing"
)

// mapExpand adapts a static adjacency list to an expandFunc and counts
// how many times it was invoked.
func mapExpand(adj map[string][]string, calls *int) expandFunc {
	return func(_ context.Context, frontier []string) (map[string][]string, error) {
		*calls++
		out := make(map[string][]string)
		for _, id := range frontier {
			out[id] = adj[id]
		}
		return out, nil
	}
}

func TestBFSLevelsDiamond(t *testing.T) {
	// A -> B, A -> C, B -> D, C -> D. D is reachable twice but must be
	// reported once, at its minimum level.
	adj := map[string][]string{
		"A": {"B", "C"},
		"B": {"D"},
		"C": {"D"},
	}
	calls := 0

	levels, err := bfsLevels(context.Background(), "A", 10, mapExpand(adj, &calls))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]int{"B": 1, "C": 1, "D": 2}
	if len(levels) != len(want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	for id, level := range want {
		if levels[id] != level {
			t.Errorf("level[%s] = %d, want %d", id, levels[id], level)
		}
	}
}

func TestBFSLevelsCycle(t *testing.T) {
	// A -> B -> C -> A. The source must never reappear in the result and
	// the traversal must terminate.
	adj := map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"A"},
	}
	calls := 0

	levels, err := bfsLevels(context.Background(), "A", 15, mapExpand(adj, &calls))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := levels["A"]; ok {
		t.Error("source node must not appear in the result")
	}
	if levels["B"] != 1 || levels["C"] != 2 {
		t.Errorf("levels = %v, want B:1 C:2", levels)
	}
}

func TestBFSLevelsDepthBound(t *testing.T) {
	// Chain A -> B -> C -> D, depth 2 stops after C.
	adj := map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"D"},
	}
	calls := 0

	levels, err := bfsLevels(context.Background(), "A", 2, mapExpand(adj, &calls))
	if err != nil {
		t.Fatal(err)
	}

	if len(levels) != 2 {
		t.Fatalf("got %d nodes, want 2: %v", len(levels), levels)
	}
	if _, ok := levels["D"]; ok {
		t.Error("D is beyond depth 2 and must not be reached")
	}
	if calls != 2 {
		t.Errorf("expand called %d times, want 2 (one per level)", calls)
	}
}

func TestBFSLevelsExpandOncePerNode(t *testing.T) {
	// A dense bowtie: every node at level 1 links to every node at level 2.
	// The expand function must be called once per level, not once per path.
	adj := map[string][]string{
		"A":  {"B1", "B2", "B3"},
		"B1": {"C1", "C2", "C3"},
		"B2": {"C1", "C2", "C3"},
		"B3": {"C1", "C2", "C3"},
	}
	calls := 0

	levels, err := bfsLevels(context.Background(), "A", 5, mapExpand(adj, &calls))
	if err != nil {
		t.Fatal(err)
	}

	if len(levels) != 6 {
		t.Fatalf("got %d nodes, want 6", len(levels))
	}
	// Levels 1, 2, and the empty third frontier check.
	if calls != 3 {
		t.Errorf("expand called %d times, want 3", calls)
	}
}

func TestBFSLevelsExpandError(t *testing.T) {
	wantErr := errors.New("backend gone")
	expand := func(_ context.Context, _ []string) (map[string][]string, error) {
		return nil, wantErr
	}

	_, err := bfsLevels(context.Background(), "A", 3, expand)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestBFSLevelsIsolatedSource(t *testing.T) {
	levels, err := bfsLevels(context.Background(), "A", 5, mapExpand(map[string][]string{}, new(int)))
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 0 {
		t.Errorf("isolated source should reach nothing, got %v", levels)
	}
}
