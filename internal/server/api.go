package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/polygraph-io/polygraph/internal/graph"
	"github.com/polygraph-io/polygraph/internal/parser/flowchart"
	"github.com/polygraph-io/polygraph/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail writes an error response, hiding internals behind a generic
// message for unexpected failures.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// service resolves the backend adapter for the request. The resolved
// service is passed explicitly to whatever needs it; nothing is attached
// to the request object.
func (s *Server) service(w http.ResponseWriter, r *http.Request) (*graph.Service, bool) {
	svc, err := s.registry.Resolve(r.URL.Query().Get("backend"))
	if err != nil {
		s.fail(w, "resolving backend", err)
		return nil, false
	}
	return svc, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": s.registry.Names(),
	})
}

type createGraphRequest struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Type        string        `json:"type"`
	Nodes       []models.Node `json:"nodes"`
	Edges       []models.Edge `json:"edges"`
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req createGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := svc.CreateGraph(r.Context(), graph.CreateGraphRequest{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Nodes:       req.Nodes,
		Edges:       req.Edges,
		Database:    r.URL.Query().Get("db"),
	})
	if err != nil {
		s.fail(w, "creating graph", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

type flowchartRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Text        string `json:"text"`
}

func (s *Server) handleCreateFromFlowchart(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req flowchartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	nodes, edges, err := flowchart.Parse(req.Text)
	if err != nil {
		s.fail(w, "parsing flowchart", err)
		return
	}

	g, err := svc.CreateGraph(r.Context(), graph.CreateGraphRequest{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Nodes:       nodes,
		Edges:       edges,
		Database:    r.URL.Query().Get("db"),
	})
	if err != nil {
		s.fail(w, "creating graph from flowchart", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	graphs, err := svc.ListGraphs(r.Context(), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, "listing graphs", err)
		return
	}
	if graphs == nil {
		graphs = []models.Graph{}
	}
	writeJSON(w, http.StatusOK, graphs)
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	bypass := r.URL.Query().Get("bypass_cache") == "true"
	data, meta, err := svc.GetGraph(r.Context(), r.PathValue("id"), r.URL.Query().Get("db"), bypass)
	if err != nil {
		s.fail(w, "getting graph", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": data.Nodes,
		"edges": data.Edges,
		"meta":  meta,
	})
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	stats, err := svc.GetGraphStats(r.Context(), r.PathValue("id"), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, "getting graph stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStartingNode(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	node, err := svc.GetStartingNode(r.Context(), r.PathValue("id"), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, "getting starting node", err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	if err := svc.DeleteGraph(r.Context(), r.PathValue("id"), r.URL.Query().Get("db")); err != nil {
		s.fail(w, "deleting graph", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func queryDepth(r *http.Request) int {
	depth := 1
	if d := r.URL.Query().Get("depth"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil {
			depth = parsed
		}
	}
	return depth
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	data, err := svc.GetNeighbors(r.Context(), r.PathValue("id"), r.PathValue("nodeId"),
		queryDepth(r), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, "getting neighbors", err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	result, err := svc.ComputeImpact(r.Context(), r.PathValue("id"), r.PathValue("nodeId"),
		queryDepth(r), r.URL.Query().Get("db"))
	if err != nil {
		s.fail(w, "computing impact", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	names, err := svc.ListDatabases(r.Context())
	if err != nil {
		s.fail(w, "listing databases", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": names})
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := svc.CreateDatabase(r.Context(), req.Name); err != nil {
		s.fail(w, "creating database", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	if err := svc.DeleteDatabase(r.Context(), r.PathValue("name")); err != nil {
		s.fail(w, "deleting database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	stats, err := svc.GetDatabaseStats(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, "getting database stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, svc.CacheStats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	cleared := svc.ClearCache(r.URL.Query().Get("graph"), r.URL.Query().Get("db"))
	if cleared == nil {
		cleared = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}

	data, _, err := svc.GetGraph(r.Context(), r.PathValue("id"), r.URL.Query().Get("db"), false)
	if err != nil {
		s.fail(w, "exporting graph", err)
		return
	}

	var out, contentType string
	switch r.PathValue("format") {
	case "json":
		out, err = graph.ExportJSON(data)
		contentType = "application/json"
	case "dot":
		out, err = graph.ExportDOT(data)
		contentType = "text/vnd.graphviz"
	case "mermaid":
		out, err = graph.ExportMermaid(data)
		contentType = "text/plain"
	default:
		writeError(w, http.StatusBadRequest, "unknown export format")
		return
	}
	if err != nil {
		s.fail(w, "rendering export", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write([]byte(out))
}
