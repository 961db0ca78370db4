package handlers

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/usage"
)

// AdminLogsHandler serves the generation ledger.
type AdminLogsHandler struct {
	tracker       *usage.Tracker
	retentionDays func() int
}

// NewAdminLogsHandler constructs an admin logs handler. retentionDays supplies the cleanup window.
func NewAdminLogsHandler(tracker *usage.Tracker, retentionDays func() int) *AdminLogsHandler {
	return &AdminLogsHandler{tracker: tracker, retentionDays: retentionDays}
}

// adminLogsListQuery defines filters for the ledger listing.
type adminLogsListQuery struct {
	Page      int    `form:"page,default=1"`   // Page number.
	Limit     int    `form:"limit,default=50"` // Page size.
	PostID    uint64 `form:"post_id"`          // Page filter.
	BlockType string `form:"block_type"`       // Block filter.
	Status    string `form:"status"`           // success or failed.
	StartDate string `form:"start_date"`       // Inclusive start date.
	EndDate   string `form:"end_date"`         // Inclusive end date.
}

// List returns ledger rows newest first with paging and filters.
func (h *AdminLogsHandler) List(c *gin.Context) {
	var q adminLogsListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid query")
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 500 {
		q.Limit = 50
	}
	status := strings.TrimSpace(q.Status)
	if status != "" && status != models.GenerationStatusSuccess && status != models.GenerationStatusFailed {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid status")
		return
	}

	filter := usage.LogFilter{
		PostID:    q.PostID,
		BlockType: q.BlockType,
		Status:    status,
		Limit:     q.Limit,
		Offset:    (q.Page - 1) * q.Limit,
	}
	if q.StartDate != "" {
		since, errParse := time.Parse("2006-01-02", q.StartDate)
		if errParse != nil {
			api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid start_date")
			return
		}
		filter.Since = &since
	}
	if q.EndDate != "" {
		until, errParse := time.Parse("2006-01-02", q.EndDate)
		if errParse != nil {
			api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid end_date")
			return
		}
		until = until.AddDate(0, 0, 1)
		filter.Until = &until
	}

	entries, total, errList := h.tracker.ListLogs(c.Request.Context(), filter)
	if errList != nil {
		api.Fail(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":        entries,
		"total":       total,
		"page":        q.Page,
		"limit":       q.Limit,
		"total_pages": int(math.Ceil(float64(total) / float64(q.Limit))),
	})
}

// Cleanup deletes ledger rows past the retention window now instead of waiting for the daily job.
func (h *AdminLogsHandler) Cleanup(c *gin.Context) {
	days := 0
	if h.retentionDays != nil {
		days = h.retentionDays()
	}
	deleted, errCleanup := h.tracker.CleanupOldLogs(c.Request.Context(), days)
	if errCleanup != nil {
		api.Fail(c, errCleanup)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "retention_days": days})
}
