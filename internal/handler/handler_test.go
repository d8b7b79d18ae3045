package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gemini-gateway/internal/chathistory"
	"gemini-gateway/internal/config"
	"gemini-gateway/internal/db"
	"gemini-gateway/internal/keypool"
	"gemini-gateway/internal/keysync"
	"gemini-gateway/internal/proxy"
	"gemini-gateway/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	freePath := filepath.Join(dir, "free.txt")
	paidPath := filepath.Join(dir, "paid.txt")
	require.NoError(t, os.WriteFile(freePath, []byte("F1\n"), 0644))
	require.NoError(t, os.WriteFile(paidPath, []byte(""), 0644))

	gormDB, err := db.New(filepath.Join(dir, "api_keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(gormDB) })

	syncer := keysync.New(gormDB, freePath, paidPath)
	require.NoError(t, syncer.Sync())

	pool, err := keypool.NewProvider(gormDB, syncer, keypool.Config{
		CooldownSeconds: 300, RequestsPerMinute: 5, RequestsPerDay: 100, MaxFreeKeyFailures: 6,
	})
	require.NoError(t, err)

	history := chathistory.New("")
	upClient := upstream.NewClient("http://unused/", 5*time.Second)
	p := proxy.New(pool, upClient, history)
	cfg := &config.Config{Models: []string{"gemini-2.5-flash"}}

	return New(history, p, cfg)
}

func TestChat_AppendsUserTurn(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, _ := json.Marshal(chatRequest{Text: "hello"})
	c.Request = httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))

	s.Chat(c)

	assert.Equal(t, http.StatusOK, w.Code)
	snap := s.history.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "hello", snap[0].Parts[0].Text)
}

func TestChat_RejectsEmptyMessage(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, _ := json.Marshal(chatRequest{})
	c.Request = httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))

	s.Chat(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, s.history.Snapshot())
}

func TestReset_ClearsHistory(t *testing.T) {
	s := newTestServer(t)
	s.history.AppendUser(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/reset", nil)

	s.Reset(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.history.Snapshot())
}

func TestHistory_RendersSnapshot(t *testing.T) {
	s := newTestServer(t)
	s.history.AppendUser(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/history", nil)

	s.History(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var rendered []chathistory.RenderedTurn
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rendered))
	require.Len(t, rendered, 1)
}
