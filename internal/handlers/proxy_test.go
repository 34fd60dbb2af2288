package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamguard/hls-auth-proxy/internal/accesslog"
	"github.com/streamguard/hls-auth-proxy/internal/authpipeline"
	"github.com/streamguard/hls-auth-proxy/internal/config"
	"github.com/streamguard/hls-auth-proxy/internal/handlers"
	"github.com/streamguard/hls-auth-proxy/internal/m3u8counter"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
	"github.com/streamguard/hls-auth-proxy/internal/session"
	"github.com/streamguard/hls-auth-proxy/internal/tokenauth"
	"github.com/streamguard/hls-auth-proxy/internal/transfer"
	"github.com/streamguard/hls-auth-proxy/internal/transport"
	"github.com/streamguard/hls-auth-proxy/internal/whitelist"
)

func proxyDeps(t *testing.T) (handlers.Deps, *config.Config) {
	t.Helper()
	logger := testLogger()
	cfg := &config.Config{}
	cfg.Auth.SecretKey = "proxy-test-secret"
	cfg.Auth.SessionTTL = 30 * time.Minute
	cfg.Auth.IPAccessTTL = time.Hour
	cfg.Auth.MaxPathsPerEntry = 32
	cfg.Auth.MaxUAIPPairsPerUID = 5
	cfg.Auth.FullyAllowedExtensions = []string{".ts"}
	cfg.Stream.ChunkSmall = 32 * 1024
	cfg.Stream.ChunkMedium = 128 * 1024
	cfg.Stream.ChunkLarge = 512 * 1024
	cfg.Stream.ChunkHuge = 2 * 1024 * 1024
	cfg.M3U8.ToolMax = 1
	cfg.M3U8.ToolWindow = time.Minute
	cfg.M3U8.MobileMax = 1
	cfg.M3U8.MobileWindow = time.Minute
	cfg.M3U8.DesktopMax = 1
	cfg.M3U8.DesktopWindow = time.Minute

	root := t.TempDir()
	require.NoError(t, os.WriteFile(root+"/seg1.ts", []byte("segment-bytes-content"), 0o644))

	fallback := redisx.NewMemoryStore(logger)
	sessions := session.NewStore(nil, fallback, cfg.Auth.SessionTTL)
	wl := whitelist.NewStore(nil, fallback, cfg.Auth.IPAccessTTL, cfg.Auth.MaxPathsPerEntry, cfg.Auth.MaxUAIPPairsPerUID)
	counter := m3u8counter.NewCounter(nil, cfg.M3U8)
	verifier := tokenauth.NewVerifier(cfg.Auth.SecretKey)
	pipeline := authpipeline.New(cfg, verifier, sessions, wl, counter, logger)

	deps := handlers.Deps{
		Config:    cfg,
		Logger:    logger,
		Pipeline:  pipeline,
		Sessions:  sessions,
		Whitelist: wl,
		Origin:    transport.NewFilesystemOrigin(root),
		Transfers: transfer.NewRegistry(),
		AccessLog: accesslog.New(nil),
		StartedAt: time.Now(),
	}
	return deps, cfg
}

func TestServeStreamsFullyAllowedExtensionWithoutAuth(t *testing.T) {
	deps, _ := proxyDeps(t)
	h := handlers.NewProxyHandler(deps, nil)

	req := httptest.NewRequest(http.MethodGet, "/seg1.ts", nil)
	rec := httptest.NewRecorder()
	h.Serve(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment-bytes-content", rec.Body.String())

	require.Len(t, deps.AccessLog.Recent(0), 1)
	assert.Empty(t, deps.AccessLog.Denied(0))
}

func TestServeDeniesMissingTokenForProtectedPath(t *testing.T) {
	deps, _ := proxyDeps(t)
	h := handlers.NewProxyHandler(deps, nil)

	req := httptest.NewRequest(http.MethodGet, "/live/stream.m3u8", nil)
	rec := httptest.NewRecorder()
	h.Serve(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, deps.AccessLog.Denied(0), 1)
}

func TestServeAllowsValidTokenAndSetsSessionHeader(t *testing.T) {
	deps, cfg := proxyDeps(t)
	h := handlers.NewProxyHandler(deps, nil)

	verifier := tokenauth.NewVerifier(cfg.Auth.SecretKey)
	expires := time.Now().Add(time.Hour).Unix()
	token := verifier.Sign("uid-1", "/live/stream.m3u8", expires)

	req := httptest.NewRequest(http.MethodGet,
		"/live/stream.m3u8?uid=uid-1&expires="+strconv.FormatInt(expires, 10)+"&token="+token, nil)
	rec := httptest.NewRecorder()
	h.Serve(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Session-Id"))
}

func TestAccessLogEndpointsReflectRecordedRequests(t *testing.T) {
	deps, _ := proxyDeps(t)
	h := handlers.NewProxyHandler(deps, nil)

	req := httptest.NewRequest(http.MethodGet, "/seg1.ts", nil)
	h.Serve(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	h.AccessLogRecent(rec, httptest.NewRequest(http.MethodGet, "/api/access-logs/recent", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/seg1.ts")
}

func TestAccessLogDeniedHonorsLimitQueryParam(t *testing.T) {
	deps, _ := proxyDeps(t)
	h := handlers.NewProxyHandler(deps, nil)

	for i := 0; i < 3; i++ {
		h.Serve(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/live/stream.m3u8", nil))
	}

	rec := httptest.NewRecorder()
	h.AccessLogDenied(rec, httptest.NewRequest(http.MethodGet, "/api/access-logs/denied?limit=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var entries []accesslog.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1, "?limit=1 must cap the response to a single entry")
}
