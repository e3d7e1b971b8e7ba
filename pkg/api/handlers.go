package api

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/httputil"
	"github.com/getmockd/interceptor/pkg/store"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Requests    int    `json:"requests"`
	Subscribers int    `json:"subscribers"`
}

// ReplayResponse acknowledges POST /replay/{id}.
type ReplayResponse struct {
	Success bool `json:"success"`
}

// ClearResponse is the body of DELETE /requests.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Requests: a.store.Count()}
	if a.events != nil {
		resp.Subscribers = a.events.Count()
	}
	httputil.WriteOK(w, resp)
}

// handleListRequests handles GET /requests, most recent first.
func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteOK(w, a.store.List(filter))
}

func (a *API) handleClearRequests(w http.ResponseWriter, _ *http.Request) {
	n := a.store.Clear()
	a.log.Info("cleared captured requests", "count", n)
	httputil.WriteOK(w, ClearResponse{Cleared: n})
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	httputil.WriteOK(w, rec)
}

func (a *API) handleGetCurl(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	httputil.WriteText(w, http.StatusOK, capture.CurlCommand(rec, a.curlBase)+"\n")
}

// handleReplay handles POST /replay/{id}. A replay whose forward fails is
// still acknowledged; the failure is recorded on the new request.
func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := a.replayer.Replay(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteNotFound(w, "Request not found")
		return
	case r.Context().Err() != nil:
		return
	case err != nil:
		a.log.Error("replay failed", "id", id, "error", err)
		httputil.WriteInternalError(w, "replay failed")
		return
	}
	a.log.Info("replayed request", "original", id, "id", res.ID)
	httputil.WriteOK(w, ReplayResponse{Success: true})
}

// handleGetFile handles GET /files/{requestId}/{fileIndex}, streaming the
// attachment of the fileIndex-th form field.
func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	const notFound = "File not found"

	rec, err := a.store.Get(r.PathValue("requestId"))
	if err != nil {
		httputil.WriteNotFound(w, "Request not found")
		return
	}
	fields := rec.FormFields()
	index, ok := parseNonNegativeInt(r.PathValue("fileIndex"))
	if !ok || index >= len(fields) {
		httputil.WriteNotFound(w, notFound)
		return
	}
	file, ok := fields[index].AsFile()
	if !ok || a.scratch == nil || !a.scratch.Contains(file.Path) {
		httputil.WriteNotFound(w, notFound)
		return
	}

	f, err := os.Open(file.Path)
	if err != nil {
		httputil.WriteNotFound(w, notFound)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		httputil.WriteNotFound(w, notFound)
		return
	}

	name := file.OriginalFilename
	if name == "" {
		name = filepath.Base(file.Path)
	}
	if file.MimeType != "" {
		w.Header().Set("Content-Type", file.MimeType)
	}
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": name}); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (a *API) lookup(w http.ResponseWriter, id string) (capture.StoredRequest, bool) {
	rec, err := a.store.Get(id)
	if err != nil {
		httputil.WriteNotFound(w, "Request not found")
		return capture.StoredRequest{}, false
	}
	return rec, true
}
