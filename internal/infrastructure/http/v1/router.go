// Package v1 wires the HTTP surface: middleware chain, route groups and
// handler registration.
package v1

import (
	"github.com/gin-gonic/gin"

	"emisor/internal/infrastructure/http/v1/handlers"
	"emisor/internal/infrastructure/http/v1/middleware"
	"emisor/pkg/logger"
)

// RouterConfig collects the dependencies the router needs.
type RouterConfig struct {
	Log            *logger.Logger
	JWTSecret      string
	TenantResolver middleware.TenantResolver
	Documents      *handlers.DocumentHandler
	Health         *handlers.HealthHandler
}

// NewRouter builds the gin engine with the full middleware chain.
// Health endpoints sit outside the tenant group so probes need no token.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Trace())
	r.Use(middleware.Logger(cfg.Log))
	r.Use(middleware.ErrorHandler())

	r.GET("/health/live", cfg.Health.Live)
	r.GET("/health/ready", cfg.Health.Ready)

	api := r.Group("/api/v1")
	api.Use(middleware.Tenant(cfg.JWTSecret, cfg.TenantResolver))
	{
		docs := api.Group("/documents")
		docs.POST("", cfg.Documents.Issue)
		docs.GET("/:id", cfg.Documents.Get)
		docs.GET("/:id/transitions", cfg.Documents.History)
		docs.POST("/:id/resume", cfg.Documents.Resume)
		docs.POST("/:id/reissue", cfg.Documents.Reissue)
	}

	return r
}
