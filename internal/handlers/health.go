// Package handlers wires the authorization pipeline, transport, traffic
// engine, and supporting stores into HTTP endpoints. Grounded on the
// teacher's internal/handlers/health.go (Metrics struct, component health
// checks, Prometheus registration) and internal/handlers/admin.go (handler
// struct shape, RegisterRoutes(*mux.Router), JSON response helpers), with
// OAuth2-specific metrics replaced by proxy-specific ones (requests by
// decision kind, bytes streamed, active transfers).
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/streamguard/hls-auth-proxy/internal/accesslog"
	"github.com/streamguard/hls-auth-proxy/internal/authpipeline"
	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/constants"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
	"github.com/streamguard/hls-auth-proxy/internal/session"
	"github.com/streamguard/hls-auth-proxy/internal/trafficengine"
	"github.com/streamguard/hls-auth-proxy/internal/transfer"
	"github.com/streamguard/hls-auth-proxy/internal/transport"
	"github.com/streamguard/hls-auth-proxy/internal/whitelist"
)

// healthCheckTimeout bounds each component ping during /health.
const healthCheckTimeout = 5 * time.Second

// Deps aggregates everything the handler layer needs. A single struct
// (rather than one per handler type, as the teacher splits OAuth2 handlers)
// keeps the wiring in cmd/server/main.go to one constructor call.
type Deps struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Redis     *redisx.Client // nil when running on the in-memory fallback
	Pipeline  *authpipeline.Pipeline
	Sessions  *session.Store
	Whitelist *whitelist.Store
	Origin    transport.Origin
	Transfers *transfer.Registry
	Traffic   *trafficengine.Engine
	AccessLog *accesslog.Log
	StartedAt time.Time
}

// Metrics holds the Prometheus collectors exposed at /metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BytesStreamed   prometheus.Counter
	DecisionsTotal  *prometheus.CounterVec
	ActiveTransfers prometheus.Gauge
}

// NewMetrics constructs and registers the proxy's Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_http_requests_total",
			Help: "Total number of HTTP requests handled by the proxy.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_bytes_streamed_total",
			Help: "Total bytes streamed to clients.",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_authorization_decisions_total",
			Help: "Authorization pipeline decisions by outcome reason.",
		}, []string{"reason", "allowed"}),
		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_transfers",
			Help: "Number of currently in-flight proxied transfers.",
		}),
	}
	prometheus.MustRegister(m.RequestsTotal, m.RequestDuration, m.BytesStreamed, m.DecisionsTotal, m.ActiveTransfers)
	return m
}

// HealthHandler serves /health, /stats, and /metrics.
type HealthHandler struct {
	deps    Deps
	metrics *Metrics
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(deps Deps, metrics *Metrics) *HealthHandler {
	return &HealthHandler{deps: deps, metrics: metrics}
}

// RegisterRoutes attaches health/monitoring routes to router.
func (h *HealthHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/traffic", h.Traffic).Methods(http.MethodGet)
	router.HandleFunc("/monitor", h.Monitor).Methods(http.MethodGet)
	router.HandleFunc("/active-transfers", h.ActiveTransfers).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type componentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentHealth `json:"components"`
}

// Health reports overall service health, including Redis reachability. A
// degraded Redis connection does not fail health outright if the in-memory
// fallback is active; an unreachable Redis that was supposed to be primary
// does.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentHealth{}
	status := "healthy"

	if h.deps.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.deps.Redis.Ping(ctx); err != nil {
			components["redis"] = componentHealth{Status: "unhealthy", Message: err.Error()}
			status = "degraded"
		} else {
			components["redis"] = componentHealth{Status: "healthy"}
		}
	} else {
		components["redis"] = componentHealth{Status: "degraded", Message: "running on in-memory fallback store"}
		status = "degraded"
	}

	resp := healthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Uptime:     time.Since(h.deps.StartedAt).String(),
		Components: components,
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// statsResponse summarizes session counts and traffic-engine counters.
type statsResponse struct {
	Sessions session.Stats       `json:"sessions"`
	Traffic  trafficengine.Stats `json:"traffic"`
	Uptime   string              `json:"uptime"`
}

// Stats exposes session and traffic accounting counters (§6.1).
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var sessStats session.Stats
	if h.deps.Sessions != nil {
		var err error
		sessStats, err = h.deps.Sessions.CountSessions(r.Context())
		if err != nil {
			h.deps.Logger.WithError(err).Warn("failed to count sessions for /stats")
		}
	}

	var trafficStats trafficengine.Stats
	if h.deps.Traffic != nil {
		trafficStats = h.deps.Traffic.Snapshot()
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Sessions: sessStats,
		Traffic:  trafficStats,
		Uptime:   time.Since(h.deps.StartedAt).String(),
	})
}

// trafficResponse reports the traffic accounting engine's operating
// parameters alongside its counters, for the standalone /traffic endpoint
// (distinct from the counters folded into /stats).
type trafficResponse struct {
	Enabled           bool                `json:"enabled"`
	ReportURL         string              `json:"report_url,omitempty"`
	ReportInterval    string              `json:"report_interval"`
	MinBytesThreshold int64               `json:"min_bytes_threshold"`
	Counters          trafficengine.Stats `json:"counters"`
}

// Traffic reports the traffic engine's configuration and counters (§6.1).
func (h *HealthHandler) Traffic(w http.ResponseWriter, r *http.Request) {
	resp := trafficResponse{
		Enabled:           h.deps.Config.Traffic.Enabled,
		ReportURL:         h.deps.Config.Traffic.ReportURL,
		ReportInterval:    h.deps.Config.Traffic.ReportInterval.String(),
		MinBytesThreshold: h.deps.Config.Traffic.MinBytesThreshold,
	}
	if h.deps.Traffic != nil {
		resp.Counters = h.deps.Traffic.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// monitorPage is a minimal self-refreshing dashboard: static markup plus a
// handful of fetch() calls against the JSON endpoints this package already
// serves. The full monitoring UI is an external collaborator per spec.md §1;
// this is just enough HTML to make /monitor a usable liveness view without
// one.
const monitorPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>hls-auth-proxy monitor</title>
<style>
body { font-family: monospace; background: #111; color: #eee; margin: 2em; }
h1 { font-size: 1.2em; }
pre { background: #000; padding: 1em; overflow: auto; max-height: 40vh; }
section { margin-bottom: 1.5em; }
</style>
</head>
<body>
<h1>hls-auth-proxy</h1>
<section><h2>health</h2><pre id="health">loading…</pre></section>
<section><h2>stats</h2><pre id="stats">loading…</pre></section>
<section><h2>active transfers</h2><pre id="transfers">loading…</pre></section>
<script>
const pollIntervalMs = 5000;
async function refresh(id, url) {
  try {
    const res = await fetch(url);
    document.getElementById(id).textContent = JSON.stringify(await res.json(), null, 2);
  } catch (e) {
    document.getElementById(id).textContent = String(e);
  }
}
function tick() {
  refresh("health", "/health");
  refresh("stats", "/stats");
  refresh("transfers", "/active-transfers");
}
tick();
setInterval(tick, pollIntervalMs);
</script>
</body>
</html>
`

// Monitor serves the minimal built-in dashboard HTML (§6.1). It polls every
// pollIntervalMs against the JSON endpoints above; the 5s active-transfer
// retention window (transfer.terminalTransferRetention) is sized so a
// terminal transfer is still visible on at least one of those polls.
func (h *HealthHandler) Monitor(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(monitorPage))
}

// ActiveTransfers exposes the live transfer registry snapshot (§6.3).
func (h *HealthHandler) ActiveTransfers(w http.ResponseWriter, r *http.Request) {
	if h.deps.Transfers == nil {
		writeJSON(w, http.StatusOK, []transfer.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Transfers.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
