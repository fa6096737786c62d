// Package http serves the channel authorization endpoint used by private,
// encrypted and presence subscriptions.
package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/config"
)

// Options holds the collaborators of the authorization server.
type Options struct {
	Signer *auth.Signer
	// JWT enables bearer token identities. Nil disables them.
	JWT        *auth.JWTConfig
	RequireJWT bool
	// RateLimit is the per-IP request budget per minute. Zero disables it.
	RateLimit int
}

// NewHandler builds the gin router with all routes.
func NewHandler(opts Options, logger *zerolog.Logger) stdhttp.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	handlers := NewAuthHandlers(opts.Signer, opts.JWT != nil, logger)
	pusher := router.Group("/pusher")
	pusher.Use(
		RateLimitMiddleware(newRateLimiter(opts.RateLimit), logger),
		IdentityMiddleware(opts.JWT, opts.RequireJWT, logger),
	)
	pusher.POST("/auth", handlers.Authorize)

	return router
}

// NewServer builds an HTTP server around NewHandler.
func NewServer(opts Options, cfg config.AuthServerConfig, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(opts, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
