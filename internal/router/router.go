// Package router registers the gateway's HTTP routes.
package router

import (
	"gemini-gateway/internal/handler"
	"gemini-gateway/internal/middleware"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// New builds the gin engine with the middleware chain and the four-route
// chat surface wired in.
func New(h *handler.Server, allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(middleware.Recovery(), middleware.Logger(), middleware.CORS(allowedOrigins), middleware.SecurityHeaders())

	engine.POST("/chat", h.Chat)
	// SSE responses must stream uncompressed, one event at a time, so gzip
	// is scoped to the JSON history payload only (it can grow large with
	// base64 inline image parts).
	engine.GET("/history", gzip.Gzip(gzip.DefaultCompression), h.History)
	engine.GET("/stream", h.Stream)
	engine.POST("/reset", h.Reset)

	return engine
}
