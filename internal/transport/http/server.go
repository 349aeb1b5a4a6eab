package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studymatch/chat-server/internal/auth"
	"github.com/studymatch/chat-server/internal/config"
	"github.com/studymatch/chat-server/internal/core"
)

// NewServer builds the HTTP server: health, token issuance and the
// websocket chat endpoint.
func NewServer(cfg config.Config, authService *auth.Service, deps core.Deps, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	handlers := NewAPIHandlers(authService, logger)
	api := router.Group("/api")
	api.POST("/register", handlers.Register)
	api.POST("/login", handlers.Login)

	ws := NewWSHandler(deps, authService, logger)
	router.GET("/ws/chat/:room_id", ws.Handle)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
