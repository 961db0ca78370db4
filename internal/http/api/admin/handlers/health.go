package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Pinger is an optional dependency checked by Healthz, such as the Redis progress store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db      *gorm.DB
	pingers map[string]Pinger
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB, pingers map[string]Pinger) *HealthHandler {
	return &HealthHandler{db: db, pingers: pingers}
}

// Healthz checks database connectivity and every extra dependency.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "failed": "database"})
		return
	}
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "failed": "database"})
		return
	}
	for name, pinger := range h.pingers {
		if pinger == nil {
			continue
		}
		if errPing := pinger.Ping(ctx); errPing != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "failed": name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
