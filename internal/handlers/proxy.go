// ProxyHandler is the catch-all GET/HEAD route: it runs the authorization
// pipeline and, if allowed, streams the resource through internal/transport.
// Grounded on original_source/routes/proxy.py's single dispatch function
// and the teacher's handler-struct-plus-RegisterRoutes convention.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/accesslog"
	"github.com/streamguard/hls-auth-proxy/internal/authpipeline"
	"github.com/streamguard/hls-auth-proxy/internal/constants"
	"github.com/streamguard/hls-auth-proxy/internal/middleware"
	"github.com/streamguard/hls-auth-proxy/internal/proxyerr"
	"github.com/streamguard/hls-auth-proxy/internal/transport"
)

// ProxyHandler serves the proxied-file route and the access-log read
// endpoints.
type ProxyHandler struct {
	deps    Deps
	metrics *Metrics
}

// NewProxyHandler constructs a ProxyHandler.
func NewProxyHandler(deps Deps, metrics *Metrics) *ProxyHandler {
	return &ProxyHandler{deps: deps, metrics: metrics}
}

// RegisterRoutes attaches the proxy and access-log routes to router. The
// catch-all must be registered last so it does not shadow the more
// specific API routes.
func (h *ProxyHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/access-logs/denied", h.AccessLogDenied).Methods(http.MethodGet)
	router.HandleFunc("/api/access-logs/recent", h.AccessLogRecent).Methods(http.MethodGet)
	router.HandleFunc("/api/access-logs/replay", h.AccessLogReplay).Methods(http.MethodGet)
	router.PathPrefix("/").HandlerFunc(h.Serve).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
}

// Serve runs the 9-step authorization decision and, if allowed, streams the
// resource. CORS preflights never reach here (middleware.CORS intercepts
// OPTIONS), so every call that arrives is a GET or HEAD.
func (h *ProxyHandler) Serve(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r)
	query := r.URL.Query()

	req := authpipeline.Request{
		Path:      r.URL.Path,
		ClientIP:  clientIP,
		UserAgent: r.Header.Get(constants.HeaderUserAgent),
		UID:       query.Get("uid"),
		Expires:   query.Get("expires"),
		Token:     query.Get("token"),
	}

	decision, err := h.deps.Pipeline.Authorize(r.Context(), req)
	if err == nil && decision.RedirectTo != "" {
		if h.deps.AccessLog != nil {
			h.deps.AccessLog.RecordAllowed(r.Context(), accesslog.NewEntry(req.Path, clientIP, req.UID, decision.Reason, http.StatusFound))
		}
		http.Redirect(w, r, decision.RedirectTo, http.StatusFound)
		return
	}

	allowedLabel := "true"
	if err != nil {
		allowedLabel = "false"
		status := proxyerr.StatusCode(err)
		h.deps.Logger.WithFields(logrus.Fields{
			"path":      req.Path,
			"client_ip": clientIP,
			"uid":       req.UID,
			"reason":    decision.Reason,
		}).Warn("request denied")

		if h.deps.AccessLog != nil {
			h.deps.AccessLog.RecordDenied(r.Context(), accesslog.NewEntry(req.Path, clientIP, req.UID, decision.Reason, status))
		}
		writeProxyError(w, err)
		if h.metrics != nil {
			h.metrics.DecisionsTotal.WithLabelValues(decision.Reason, allowedLabel).Inc()
		}
		return
	}

	if h.metrics != nil {
		h.metrics.DecisionsTotal.WithLabelValues(decision.Reason, allowedLabel).Inc()
	}
	if h.deps.AccessLog != nil {
		h.deps.AccessLog.RecordAllowed(r.Context(), accesslog.NewEntry(req.Path, clientIP, req.UID, decision.Reason, http.StatusOK))
	}

	if decision.SessionID != "" {
		w.Header().Set("X-Session-Id", decision.SessionID)
	}

	corsOrigin := r.Header.Get(constants.HeaderOrigin)
	opts := transport.StreamOptions{
		Path:        req.Path,
		Origin:      h.deps.Origin,
		StreamCfg:   h.deps.Config.Stream,
		CORSOrigin:  corsOrigin,
		AllowCreds:  h.deps.Config.CORS.AllowCredentials,
		Transfers:   h.deps.Transfers,
		TransferUID: req.UID,
		TransferIP:  clientIP,
	}

	if err := transport.ServeStream(r.Context(), w, r.Method, r.Header.Get(constants.HeaderRange), opts); err != nil {
		h.deps.Logger.WithError(err).WithField("path", req.Path).Error("stream failed")
		writeProxyError(w, err)
		return
	}

	if h.deps.Traffic != nil && req.UID != "" {
		if cl := w.Header().Get(constants.HeaderContentLength); cl != "" {
			if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				h.deps.Traffic.Record(req.UID, n, extFor(req.Path), clientIP, decision.SessionID)
				if h.metrics != nil {
					h.metrics.BytesStreamed.Add(float64(n))
				}
			}
		}
	}
}

func extFor(reqPath string) string {
	for i := len(reqPath) - 1; i >= 0; i-- {
		if reqPath[i] == '.' {
			return reqPath[i:]
		}
		if reqPath[i] == '/' {
			break
		}
	}
	return "unknown"
}

func writeProxyError(w http.ResponseWriter, err error) {
	pe := proxyerr.AsProxyError(err)
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(pe.StatusCode)
	_, _ = w.Write([]byte(`{"error":"` + string(pe.Kind) + `"}`))
}

// accessLogLimit parses the optional ?limit=N query parameter shared by the
// three access-log read endpoints. A missing, malformed, or non-positive
// value means "no cap" (0).
func accessLogLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// AccessLogDenied returns the bounded ring of recently-denied requests,
// newest first, optionally capped by ?limit=N.
func (h *ProxyHandler) AccessLogDenied(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.AccessLog.Denied(accessLogLimit(r)))
}

// AccessLogRecent returns the bounded ring of recently-allowed requests,
// newest first, optionally capped by ?limit=N.
func (h *ProxyHandler) AccessLogRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.AccessLog.Recent(accessLogLimit(r)))
}

// AccessLogReplay returns the combined replay-eligible ring (§12.4), newest
// first, optionally capped by ?limit=N.
func (h *ProxyHandler) AccessLogReplay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.AccessLog.Replay(accessLogLimit(r)))
}
