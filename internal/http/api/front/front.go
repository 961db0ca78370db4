package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/http/api/front/handlers"
	"github.com/router-for-me/PageBlocks/internal/security"
)

// Deps are the services behind the page routes.
type Deps struct {
	Generator handlers.BlockGenerator
	Bulk      handlers.BulkRunner
	Pages     handlers.PageStore
	Queue     handlers.Enqueuer
}

// RegisterFrontRoutes registers the page generation routes on an authenticated group.
func RegisterFrontRoutes(r gin.IRouter, deps Deps) {
	if r == nil || deps.Generator == nil || deps.Bulk == nil || deps.Pages == nil || deps.Queue == nil {
		return
	}

	pages := r.Group("/v0/pages/:post_id")
	pages.Use(api.RequireCapability(security.CapabilityEditPages))

	pagesHandler := handlers.NewPagesHandler(deps.Generator, deps.Bulk, deps.Pages, deps.Queue)
	pages.POST("/blocks/:block_type/generate", pagesHandler.GenerateBlock)
	pages.POST("/generate-all", pagesHandler.GenerateAll)
	pages.GET("/progress", pagesHandler.Progress)
	pages.POST("/cancel", pagesHandler.Cancel)
	pages.POST("/retry-failed", pagesHandler.RetryFailed)
	pages.POST("/queue", pagesHandler.Enqueue)
	pages.DELETE("", pagesHandler.Delete)
}
