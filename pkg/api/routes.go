package api

import "net/http"

// registerRoutes sets up all API routes.
func (a *API) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)

	// Captured traffic
	mux.HandleFunc("GET /requests", a.handleListRequests)
	mux.HandleFunc("DELETE /requests", a.handleClearRequests)
	mux.HandleFunc("GET /requests/{id}", a.handleGetRequest)
	mux.HandleFunc("GET /requests/{id}/curl", a.handleGetCurl)

	// Live updates
	mux.HandleFunc("GET /events", a.handleEvents)
	mux.HandleFunc("GET /ws", a.handleWebSocket)

	mux.HandleFunc("POST /replay/{id}", a.handleReplay)
	mux.HandleFunc("GET /files/{requestId}/{fileIndex}", a.handleGetFile)
}
