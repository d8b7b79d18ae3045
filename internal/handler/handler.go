// Package handler implements the gin HTTP handlers for the chat gateway's
// four-endpoint surface: /chat, /stream, /reset, /history.
package handler

import (
	"strings"

	"gemini-gateway/internal/apperrors"
	"gemini-gateway/internal/chathistory"
	"gemini-gateway/internal/config"
	"gemini-gateway/internal/models"
	"gemini-gateway/internal/proxy"
	"gemini-gateway/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server wires the chat history, streaming proxy, and static config into
// the request handlers. It carries no other state: the key pool and
// upstream client are reachable only through the proxy.
type Server struct {
	history *chathistory.History
	proxy   *proxy.Proxy
	cfg     *config.Config
}

// New constructs a Server.
func New(history *chathistory.History, p *proxy.Proxy, cfg *config.Config) *Server {
	return &Server{history: history, proxy: p, cfg: cfg}
}

// chatRequest is the /chat request body: a free-form text message and/or
// an inline base64-encoded PNG image.
type chatRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// Chat appends a user turn to the shared history. It never calls the
// upstream model; /stream does that on demand.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.ErrInvalidJSON)
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && req.Image == "" {
		response.Error(c, apperrors.ErrEmptyMessage)
		return
	}

	var parts []models.Part
	if text != "" {
		parts = append(parts, models.Part{Text: text})
	}
	if req.Image != "" {
		parts = append(parts, models.Part{InlineData: &models.InlineData{MimeType: "image/png", Data: req.Image}})
	}

	s.history.AppendUser(parts)
	response.Success(c, gin.H{"ok": true})
}

// Stream runs the proxy's retry loop and writes an SSE response directly,
// bypassing response.Success/Error: the body is not a JSON envelope.
func (s *Server) Stream(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		model = s.cfg.Models[0]
	}
	enableSearch := strings.EqualFold(c.Query("enable_search"), "true")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if err := s.proxy.Stream(c.Request.Context(), c.Writer, model, enableSearch); err != nil {
		logrus.WithError(err).Error("streaming proxy returned a fatal error")
	}
}

// Reset clears the chat history and the proxy's sticky-key hint.
func (s *Server) Reset(c *gin.Context) {
	s.history.Clear()
	s.proxy.ResetStickyKey()
	response.Success(c, gin.H{"ok": true})
}

// History returns the rendered transcript for initial page load.
func (s *Server) History(c *gin.Context) {
	c.JSON(200, chathistory.Render(s.history.Snapshot()))
}
