package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/polygraph-io/polygraph/internal/graph"
	"github.com/polygraph-io/polygraph/pkg/models"
)

func newTestServer(t *testing.T, apiToken string, readOnly bool) (*httptest.Server, *graph.Registry) {
	t.Helper()
	store, err := graph.NewSQLiteStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := graph.NewRegistry()
	reg.Register(graph.NewService(store, graph.NewCache(time.Minute), logger))
	t.Cleanup(func() { _ = reg.Close() })

	s := New(reg, logger, ":0", readOnly, apiToken, "")

	mux := http.NewServeMux()
	RegisterRoutes(mux, s)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return ts, reg
}

const createPayload = `{
	"id": "flow",
	"title": "Test Flow",
	"type": "pipeline",
	"nodes": [
		{"id": "a", "label": "A", "type": "terminal"},
		{"id": "b", "label": "B", "type": "process"},
		{"id": "c", "label": "C", "type": "process"},
		{"id": "d", "label": "D", "type": "database"}
	],
	"edges": [
		{"source": "a", "target": "b", "type": "flow"},
		{"source": "a", "target": "c", "type": "flow"},
		{"source": "b", "target": "d", "type": "flow"},
		{"source": "c", "target": "d", "type": "flow"}
	]
}`

func seedGraph(t *testing.T, ts *httptest.Server) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/graphs", "application/json", bytes.NewBufferString(createPayload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("seeding graph: status = %d, body = %s", resp.StatusCode, body)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	var body struct {
		Status   string   `json:"status"`
		Backends []string `json:"backends"`
	}
	if status := getJSON(t, ts.URL+"/healthz", &body); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body.Status != "ok" || len(body.Backends) != 1 || body.Backends[0] != "sqlite" {
		t.Errorf("body = %+v", body)
	}
}

func TestCreateAndGetGraph(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	var body struct {
		Nodes []models.Node `json:"nodes"`
		Edges []models.Edge `json:"edges"`
		Meta  struct {
			CacheStatus string `json:"cache_status"`
			Backend     string `json:"backend"`
		} `json:"meta"`
	}
	if status := getJSON(t, ts.URL+"/api/v1/graphs/flow", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(body.Nodes) != 4 || len(body.Edges) != 4 {
		t.Errorf("got %d nodes, %d edges, want 4/4", len(body.Nodes), len(body.Edges))
	}
	if body.Meta.CacheStatus != "miss" || body.Meta.Backend != "sqlite" {
		t.Errorf("meta = %+v", body.Meta)
	}

	// Second read must come from the cache; bypass must not.
	if getJSON(t, ts.URL+"/api/v1/graphs/flow", &body); body.Meta.CacheStatus != "hit" {
		t.Errorf("second read cache status = %q, want hit", body.Meta.CacheStatus)
	}
	if getJSON(t, ts.URL+"/api/v1/graphs/flow?bypass_cache=true", &body); body.Meta.CacheStatus != "bypass" {
		t.Errorf("bypass read cache status = %q, want bypass", body.Meta.CacheStatus)
	}
}

func TestGetGraphNotFound(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	if status := getJSON(t, ts.URL+"/api/v1/graphs/nope", nil); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestCreateGraphValidation(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	resp, err := http.Post(ts.URL+"/api/v1/graphs", "application/json",
		bytes.NewBufferString(`{"id": "empty", "nodes": []}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestImpactEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	var result models.ImpactResult
	if status := getJSON(t, ts.URL+"/api/v1/graphs/flow/impact/a?depth=5", &result); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	want := []models.ImpactedNode{{NodeID: "b", Level: 1}, {NodeID: "c", Level: 1}, {NodeID: "d", Level: 2}}
	if len(result.ImpactedNodes) != len(want) {
		t.Fatalf("impacted = %+v, want %+v", result.ImpactedNodes, want)
	}
	for i := range want {
		if result.ImpactedNodes[i] != want[i] {
			t.Errorf("position %d: got %+v, want %+v", i, result.ImpactedNodes[i], want[i])
		}
	}
	if result.Engine != "sqlite" || result.Depth != 5 {
		t.Errorf("engine/depth = %s/%d, want sqlite/5", result.Engine, result.Depth)
	}
}

func TestNeighborsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	var data models.GraphData
	if status := getJSON(t, ts.URL+"/api/v1/graphs/flow/neighbors/d?depth=1", &data); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	// d has incoming edges from b and c; undirected expansion sees both.
	if len(data.Nodes) != 3 {
		t.Errorf("got %d nodes, want 3 (d, b, c)", len(data.Nodes))
	}
}

func TestNeighborsUnknownNode(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	if status := getJSON(t, ts.URL+"/api/v1/graphs/flow/neighbors/ghost", nil); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	if status := getJSON(t, ts.URL+"/api/v1/graphs?backend=bolt", nil); status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestDatabaseAdminOnSQLite(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	var body struct {
		Databases []string `json:"databases"`
	}
	if status := getJSON(t, ts.URL+"/api/v1/databases", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(body.Databases) != 1 || body.Databases[0] != models.DefaultDatabase {
		t.Errorf("databases = %v, want [default]", body.Databases)
	}

	// Single-database engine: namespace creation is unsupported.
	resp, err := http.Post(ts.URL+"/api/v1/databases", "application/json",
		bytes.NewBufferString(`{"name": "tenant_a"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("create database status = %d, want 501", resp.StatusCode)
	}
}

func TestDeleteDefaultDatabaseForbidden(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/databases/default", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestFlowchartEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false)

	payload := `{"id": "fc", "title": "Chart", "text": "A[Start] --> B{Check}\nB -->|ok| C"}`
	resp, err := http.Post(ts.URL+"/api/v1/graphs/flowchart", "application/json",
		bytes.NewBufferString(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var g models.Graph
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}
	if g.NodeCount != 3 || g.EdgeCount != 2 {
		t.Errorf("counts = %d/%d, want 3/2", g.NodeCount, g.EdgeCount)
	}
}

func TestExportEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/graphs/flow/export/dot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(body, []byte("digraph")) {
		t.Errorf("dot export = %s", body)
	}

	if status := getJSON(t, ts.URL+"/api/v1/graphs/flow/export/csv", nil); status != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", status)
	}
}

func TestCacheEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)
	getJSON(t, ts.URL+"/api/v1/graphs/flow", nil)

	var stats models.CacheStats
	if status := getJSON(t, ts.URL+"/api/v1/cache/stats", &stats); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if stats.CachedCount != 1 {
		t.Errorf("cached count = %d, want 1", stats.CachedCount)
	}

	resp, err := http.Post(ts.URL+"/api/v1/cache/clear", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	var cleared struct {
		Cleared []string `json:"cleared"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cleared); err != nil {
		t.Fatal(err)
	}
	if len(cleared.Cleared) != 1 {
		t.Errorf("cleared = %v, want one key", cleared.Cleared)
	}
}

func TestDeleteGraph(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/graphs/flow", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if status := getJSON(t, ts.URL+"/api/v1/graphs/flow", nil); status != http.StatusNotFound {
		t.Errorf("read after delete status = %d, want 404", status)
	}
}

func TestReadOnlyMode(t *testing.T) {
	ts, _ := newTestServer(t, "", true)

	resp, err := http.Post(ts.URL+"/api/v1/graphs", "application/json",
		bytes.NewBufferString(createPayload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	// The write route is simply not registered.
	if resp.StatusCode == http.StatusCreated {
		t.Error("read-only server must not accept graph creation")
	}

	if status := getJSON(t, ts.URL+"/api/v1/graphs", nil); status != http.StatusOK {
		t.Errorf("read route status = %d, want 200", status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts, _ := newTestServer(t, "secret-token", false)

	if status := getJSON(t, ts.URL+"/api/v1/graphs", nil); status != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", status)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/graphs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}

	// Health endpoint stays open.
	if status := getJSON(t, ts.URL+"/healthz", nil); status != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", status)
	}
}

func TestDepthClampViaAPI(t *testing.T) {
	ts, _ := newTestServer(t, "", false)
	seedGraph(t, ts)

	var result models.ImpactResult
	if status := getJSON(t, fmt.Sprintf("%s/api/v1/graphs/flow/impact/a?depth=%d", ts.URL, 999), &result); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if result.Depth != graph.MaxTraversalDepth {
		t.Errorf("depth = %d, want clamped to %d", result.Depth, graph.MaxTraversalDepth)
	}
}
