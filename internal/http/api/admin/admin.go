package admin

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api/admin/handlers"
	"github.com/router-for-me/PageBlocks/internal/prompt"
	"github.com/router-for-me/PageBlocks/internal/queue"
	"github.com/router-for-me/PageBlocks/internal/usage"
)

// Deps are the services behind the admin routes.
type Deps struct {
	Queue      *queue.Queue
	Processor  *queue.Processor
	Tracker    *usage.Tracker
	Prompts    *prompt.Engine
	StuckAfter time.Duration
	// LogRetentionDays supplies the window used by the manual ledger cleanup.
	LogRetentionDays func() int
}

// RegisterAdminRoutes registers the admin routes on an authenticated group.
func RegisterAdminRoutes(r gin.IRouter, deps Deps) {
	if r == nil || deps.Queue == nil || deps.Processor == nil || deps.Tracker == nil || deps.Prompts == nil {
		return
	}

	admin := r.Group("/v0/admin")
	admin.Use(adminPermissionMiddleware())

	queueHandler := handlers.NewQueueHandler(deps.Queue, deps.Processor, deps.StuckAfter)
	admin.GET("/queue", queueHandler.List)
	admin.GET("/queue/status", queueHandler.Status)
	admin.POST("/queue/process-next", queueHandler.ProcessNext)
	admin.POST("/queue/clear", queueHandler.Clear)
	admin.POST("/queue/pause", queueHandler.Pause)
	admin.POST("/queue/resume", queueHandler.Resume)
	admin.POST("/queue/requeue-stuck", queueHandler.RequeueStuck)
	admin.DELETE("/queue/posts/:post_id", queueHandler.RemovePost)

	costsHandler := handlers.NewCostsHandler(deps.Tracker)
	admin.GET("/costs", costsHandler.Summary)

	logsHandler := handlers.NewAdminLogsHandler(deps.Tracker, deps.LogRetentionDays)
	admin.GET("/logs", logsHandler.List)
	admin.POST("/logs/cleanup", logsHandler.Cleanup)

	promptsHandler := handlers.NewPromptsHandler(deps.Prompts)
	admin.GET("/prompts", promptsHandler.List)
	admin.GET("/prompts/:block_type", promptsHandler.Get)
	admin.PUT("/prompts/:block_type", promptsHandler.Update)
	admin.DELETE("/prompts/:block_type", promptsHandler.Reset)

	permissionHandler := handlers.NewPermissionHandler()
	admin.GET("/permissions", permissionHandler.List)
}
