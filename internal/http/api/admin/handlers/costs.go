package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/usage"
)

// CostsHandler reports monthly spend against the budget.
type CostsHandler struct {
	tracker *usage.Tracker
}

// NewCostsHandler constructs a CostsHandler.
func NewCostsHandler(tracker *usage.Tracker) *CostsHandler {
	return &CostsHandler{tracker: tracker}
}

// Summary returns the current month summary with a per-model breakdown.
func (h *CostsHandler) Summary(c *gin.Context) {
	summary, errSummary := h.tracker.MonthSummary(c.Request.Context())
	if errSummary != nil {
		api.Fail(c, errSummary)
		return
	}
	c.JSON(http.StatusOK, summary)
}
