// Package http assembles the gin engine serving the page and admin APIs.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/PageBlocks/internal/http/api/admin"
	adminhandlers "github.com/router-for-me/PageBlocks/internal/http/api/admin/handlers"
	"github.com/router-for-me/PageBlocks/internal/http/api/front"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RouterDeps are everything the HTTP surface needs.
type RouterDeps struct {
	DB        *gorm.DB
	JWTSecret string
	Front     front.Deps
	Admin     admin.Deps
	// Pingers are extra dependencies checked by /healthz.
	Pingers map[string]adminhandlers.Pinger
	Logger  log.FieldLogger
}

// NewRouter builds the engine. /healthz and /metrics are public; /v0 requires a bearer token.
func NewRouter(deps RouterDeps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLogger(deps.Logger))

	health := adminhandlers.NewHealthHandler(deps.DB, deps.Pingers)
	engine.GET("/healthz", health.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("")
	authed.Use(AccessAuthMiddleware(deps.JWTSecret))
	front.RegisterFrontRoutes(authed, deps.Front)
	admin.RegisterAdminRoutes(authed, deps.Admin)
	return engine
}
