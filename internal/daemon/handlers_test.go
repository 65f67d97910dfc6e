package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/inprocess"
	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/unified"
)

func testEngine(t *testing.T) (*gin.Engine, *broker.Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	fs, err := storage.NewFileStorage(t.TempDir(), log)
	require.NoError(t, err)
	repo := storage.NewRepository(fs, session.Limits{MaxHistory: 100, PendingMax: 50}, 10, 5*time.Millisecond, log)

	idle := func(string, <-chan *unified.Message, func(*unified.Message)) {}
	resolver := adapter.NewResolver(inprocess.New(idle))

	cfg := &config.Config{}
	cfg.Sessions.DefaultAdapter = "inprocess"
	cfg.Broadcast.HighWaterMark = 100
	cfg.Broadcast.MaxQueueSize = 200

	coordinator := broker.NewCoordinator(cfg, repo, resolver, nil, nil, log)
	handler := NewHandler(coordinator, log)

	engine := gin.New()
	engine.GET("/health", handler.GetHealth)
	engine.GET("/sessions", handler.ListSessions)
	engine.POST("/sessions", handler.CreateSession)
	engine.DELETE("/sessions/:id", handler.DeleteSession)
	return engine, coordinator
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestGetHealth(t *testing.T) {
	engine, _ := testEngine(t)

	w := doJSON(t, engine, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0), "uptime is reported in milliseconds")
	assert.Zero(t, resp.Sessions)
}

func TestCreateSession(t *testing.T) {
	engine, _ := testEngine(t)
	cwd := t.TempDir()

	w := doJSON(t, engine, http.MethodPost, "/sessions", CreateSessionRequest{Cwd: cwd})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, session.ValidID(resp.ID), "a session id is generated when omitted")
	assert.Equal(t, "inprocess", resp.Adapter)
	assert.Equal(t, cwd, resp.Cwd)
}

func TestCreateSessionIdempotent(t *testing.T) {
	engine, _ := testEngine(t)
	cwd := t.TempDir()
	id := "11111111-2222-3333-4444-555555555555"

	w := doJSON(t, engine, http.MethodPost, "/sessions", CreateSessionRequest{SessionID: id, Cwd: cwd})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/sessions", CreateSessionRequest{SessionID: id, Cwd: cwd})
	assert.Equal(t, http.StatusOK, w.Code, "an existing session is returned, not recreated")
}

func TestCreateSessionRejectsMissingCwd(t *testing.T) {
	engine, _ := testEngine(t)

	w := doJSON(t, engine, http.MethodPost, "/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, engine, http.MethodPost, "/sessions", CreateSessionRequest{Cwd: "/no/such/directory"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionRejectsUnknownAdapter(t *testing.T) {
	engine, _ := testEngine(t)

	w := doJSON(t, engine, http.MethodPost, "/sessions", CreateSessionRequest{
		Adapter: "imaginary",
		Cwd:     t.TempDir(),
	})
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	var resp struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "UNSUPPORTED", resp.Error.Kind)
}

func TestListSessions(t *testing.T) {
	engine, coordinator := testEngine(t)
	_, _, err := coordinator.CreateSession("11111111-2222-3333-4444-555555555555", "", t.TempDir())
	require.NoError(t, err)

	w := doJSON(t, engine, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", resp.Sessions[0].ID)
}

func TestDeleteSession(t *testing.T) {
	engine, coordinator := testEngine(t)
	id := "11111111-2222-3333-4444-555555555555"
	_, _, err := coordinator.CreateSession(id, "", t.TempDir())
	require.NoError(t, err)

	w := doJSON(t, engine, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, id, body["sessionId"])

	w = doJSON(t, engine, http.MethodDelete, "/sessions/22222222-3333-4444-5555-666666666666", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown session")

	w = doJSON(t, engine, http.MethodDelete, "/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "malformed session id")
}

func TestBearerAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/protected", BearerAuth("secret"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "missing header")

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "wrong token")

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBearerAuthDisabledByEmptyToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/open", BearerAuth(""), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
