package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/constants"
	"github.com/streamguard/hls-auth-proxy/internal/fingerprint"
	"github.com/streamguard/hls-auth-proxy/internal/proxyerr"
	"github.com/streamguard/hls-auth-proxy/internal/whitelist"
)

// maxBatchFileCheck caps /api/file/check/batch request size (§12.1).
const maxBatchFileCheck = 100

// AdminHandler serves the whitelist management and file-check API. Every
// route here is expected to sit behind middleware.Stack.AdminAuth.
type AdminHandler struct {
	deps   Deps
	logger *logrus.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(deps Deps) *AdminHandler {
	return &AdminHandler{deps: deps, logger: deps.Logger}
}

// RegisterRoutes registers admin routes on router. The caller is
// responsible for wrapping router with the admin auth middleware.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/whitelist", h.AddWhitelist).Methods(http.MethodPost)
	router.HandleFunc("/api/static-whitelist", h.AddStaticWhitelist).Methods(http.MethodPost)
	router.HandleFunc("/api/file/check", h.FileCheck).Methods(http.MethodPost)
	router.HandleFunc("/api/file/check/batch", h.FileCheckBatch).Methods(http.MethodPost)
	router.HandleFunc("/cache/sessions/stats", h.SessionStats).Methods(http.MethodGet)
	router.HandleFunc("/cache/sessions", h.ClearSessions).Methods(http.MethodDelete)
}

type whitelistRequest struct {
	UID       string `json:"uid"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Path      string `json:"path,omitempty"`
}

// AddWhitelist admin-inserts a path-bound whitelist entry.
func (h *AdminHandler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	h.addEntry(w, r, whitelist.PathBound)
}

// AddStaticWhitelist admin-inserts a static-file-only whitelist entry (no
// path restriction).
func (h *AdminHandler) AddStaticWhitelist(w http.ResponseWriter, r *http.Request) {
	h.addEntry(w, r, whitelist.StaticOnly)
}

func (h *AdminHandler) addEntry(w http.ResponseWriter, r *http.Request, ns whitelist.Namespace) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UID == "" || req.IP == "" || req.UserAgent == "" {
		writeJSONError(w, http.StatusBadRequest, "uid, ip, and user_agent are required")
		return
	}

	uaHash := fingerprint.UAHash(req.UserAgent)
	if err := h.deps.Whitelist.Add(r.Context(), ns, req.UID, req.IP, uaHash, req.Path); err != nil {
		h.logger.WithError(err).Error("failed to add whitelist entry")
		writeJSONError(w, http.StatusInternalServerError, "failed to add whitelist entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

type fileCheckRequest struct {
	Path string `json:"path"`
}

// fileCheckResult is the per-path shape the original returns: existence plus
// size when known, or an error string when the probe itself failed (as
// opposed to a clean not-found).
type fileCheckResult struct {
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FileCheck reports whether a single path exists at the configured origin,
// without going through the authorization pipeline.
func (h *AdminHandler) FileCheck(w http.ResponseWriter, r *http.Request) {
	var req fileCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	result := h.checkExists(r, req.Path)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":   req.Path,
		"exists": result.Exists,
		"size":   result.Size,
		"error":  result.Error,
	})
}

type batchCheckRequest struct {
	Paths []string `json:"paths"`
}

// FileCheckBatch checks existence for up to maxBatchFileCheck paths in one
// call; exceeding the cap is a bad_request, not a silently-truncated list.
func (h *AdminHandler) FileCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) > maxBatchFileCheck {
		writeJSONError(w, http.StatusBadRequest, "too many paths in one batch check request")
		return
	}

	results := make(map[string]fileCheckResult, len(req.Paths))
	for _, p := range req.Paths {
		results[p] = h.checkExists(r, p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *AdminHandler) checkExists(r *http.Request, p string) fileCheckResult {
	_, closer, size, _, err := h.deps.Origin.Open(r.Context(), p)
	if err != nil {
		if pe, ok := err.(*proxyerr.ProxyError); ok && pe.Kind == proxyerr.KindOriginNotFound {
			return fileCheckResult{Exists: false}
		}
		return fileCheckResult{Exists: false, Error: err.Error()}
	}
	closer.Close()
	return fileCheckResult{Exists: true, Size: size}
}

// SessionStats reports the current session count.
func (h *AdminHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Sessions.CountSessions(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ClearSessions clears all session keys, used for operational recovery.
func (h *AdminHandler) ClearSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Sessions.ClearAll(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to clear sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
