package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamguard/hls-auth-proxy/internal/handlers"
	"github.com/streamguard/hls-auth-proxy/internal/redisx"
	"github.com/streamguard/hls-auth-proxy/internal/session"
	"github.com/streamguard/hls-auth-proxy/internal/transport"
	"github.com/streamguard/hls-auth-proxy/internal/whitelist"
)

func adminDeps(t *testing.T) handlers.Deps {
	t.Helper()
	logger := testLogger()
	fallback := redisx.NewMemoryStore(logger)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(root+"/seg.ts", []byte("x"), 0o644))

	return handlers.Deps{
		Logger:    logger,
		Sessions:  session.NewStore(nil, fallback, 30*time.Minute),
		Whitelist: whitelist.NewStore(nil, fallback, time.Hour, 32, 5),
		Origin:    transport.NewFilesystemOrigin(root),
		StartedAt: time.Now(),
	}
}

func TestAddWhitelistRequiresUIDIPAndUserAgent(t *testing.T) {
	h := handlers.NewAdminHandler(adminDeps(t))

	body := strings.NewReader(`{"uid":"","ip":"203.0.113.1","user_agent":"ua"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/whitelist", body)
	rec := httptest.NewRecorder()

	h.AddWhitelist(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddWhitelistSucceeds(t *testing.T) {
	h := handlers.NewAdminHandler(adminDeps(t))

	body := strings.NewReader(`{"uid":"uid-1","ip":"203.0.113.1","user_agent":"Mozilla/5.0","path":"/videos/a.ts"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/whitelist", body)
	rec := httptest.NewRecorder()

	h.AddWhitelist(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestFileCheckRequiresPathField(t *testing.T) {
	h := handlers.NewAdminHandler(adminDeps(t))

	req := httptest.NewRequest(http.MethodPost, "/api/file/check", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	h.FileCheck(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileCheckReportsExistence(t *testing.T) {
	h := handlers.NewAdminHandler(adminDeps(t))

	req := httptest.NewRequest(http.MethodPost, "/api/file/check", bytes.NewReader([]byte(`{"path":"/seg.ts"}`)))
	rec := httptest.NewRecorder()
	h.FileCheck(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["exists"])

	req2 := httptest.NewRequest(http.MethodPost, "/api/file/check", bytes.NewReader([]byte(`{"path":"/missing.ts"}`)))
	rec2 := httptest.NewRecorder()
	h.FileCheck(rec2, req2)
	var resp2 map[string]interface{}
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&resp2))
	assert.Equal(t, false, resp2["exists"])
}

func TestFileCheckBatchRejectsOversizedRequest(t *testing.T) {
	h := handlers.NewAdminHandler(adminDeps(t))

	paths := make([]string, 101)
	for i := range paths {
		paths[i] = "/seg.ts"
	}
	payload, err := json.Marshal(map[string][]string{"paths": paths})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/file/check/batch", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.FileCheckBatch(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileCheckBatchWithinCapSucceeds(t *testing.T) {
	h := handlers.NewAdminHandler(adminDeps(t))

	payload, err := json.Marshal(map[string][]string{"paths": {"/seg.ts", "/missing.ts"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/file/check/batch", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.FileCheckBatch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Results map[string]struct {
			Exists bool  `json:"exists"`
			Size   int64 `json:"size,omitempty"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Results["/seg.ts"].Exists)
	assert.False(t, resp.Results["/missing.ts"].Exists)
}

func TestSessionStatsAndClearSessions(t *testing.T) {
	deps := adminDeps(t)
	h := handlers.NewAdminHandler(deps)
	ctx := httptest.NewRequest(http.MethodGet, "/cache/sessions/stats", nil).Context()

	_, err := deps.Sessions.Create(ctx, "uid-1", "203.0.113.1", "uahash", "/a.ts")
	require.NoError(t, err)

	statsReq := httptest.NewRequest(http.MethodGet, "/cache/sessions/stats", nil)
	statsRec := httptest.NewRecorder()
	h.SessionStats(statsRec, statsReq)
	assert.Equal(t, http.StatusOK, statsRec.Code)

	clearReq := httptest.NewRequest(http.MethodDelete, "/cache/sessions", nil)
	clearRec := httptest.NewRecorder()
	h.ClearSessions(clearRec, clearReq)
	assert.Equal(t, http.StatusOK, clearRec.Code)

	var resp map[string]int64
	require.NoError(t, json.NewDecoder(clearRec.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp["cleared"])
}
