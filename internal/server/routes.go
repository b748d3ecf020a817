package server

import "net/http"

// RegisterRoutes registers all API routes on the given mux. Every /api/
// route takes a ?backend= query parameter selecting the adapter, and most
// take ?db= selecting the database namespace.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/v1/graphs", s.handleListGraphs)
	mux.HandleFunc("GET /api/v1/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("GET /api/v1/graphs/{id}/stats", s.handleGraphStats)
	mux.HandleFunc("GET /api/v1/graphs/{id}/start", s.handleStartingNode)
	mux.HandleFunc("GET /api/v1/graphs/{id}/neighbors/{nodeId}", s.handleNeighbors)
	mux.HandleFunc("GET /api/v1/graphs/{id}/impact/{nodeId}", s.handleImpact)
	mux.HandleFunc("GET /api/v1/graphs/{id}/export/{format}", s.handleExport)

	mux.HandleFunc("GET /api/v1/databases", s.handleListDatabases)
	mux.HandleFunc("GET /api/v1/databases/{name}/stats", s.handleDatabaseStats)

	mux.HandleFunc("GET /api/v1/cache/stats", s.handleCacheStats)

	if !s.readOnly {
		mux.HandleFunc("POST /api/v1/graphs", s.handleCreateGraph)
		mux.HandleFunc("POST /api/v1/graphs/flowchart", s.handleCreateFromFlowchart)
		mux.HandleFunc("DELETE /api/v1/graphs/{id}", s.handleDeleteGraph)
		mux.HandleFunc("POST /api/v1/databases", s.handleCreateDatabase)
		mux.HandleFunc("DELETE /api/v1/databases/{name}", s.handleDeleteDatabase)
		mux.HandleFunc("POST /api/v1/cache/clear", s.handleClearCache)
	}
}
