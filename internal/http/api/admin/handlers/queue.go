package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/queue"
)

const defaultStuckAfter = 30 * time.Minute

// QueueHandler serves queue administration endpoints.
type QueueHandler struct {
	queue      *queue.Queue
	processor  *queue.Processor
	stuckAfter time.Duration
}

// NewQueueHandler constructs a QueueHandler. stuckAfter defaults to 30 minutes.
func NewQueueHandler(q *queue.Queue, processor *queue.Processor, stuckAfter time.Duration) *QueueHandler {
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	return &QueueHandler{queue: q, processor: processor, stuckAfter: stuckAfter}
}

type queueListQuery struct {
	Status string `form:"status"`
}

// List returns jobs, optionally filtered by status.
func (h *QueueHandler) List(c *gin.Context) {
	var q queueListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid query")
		return
	}
	jobs, errList := h.queue.List(c.Request.Context(), strings.TrimSpace(q.Status))
	if errList != nil {
		api.Fail(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

type queueStatusResponse struct {
	queue.Stats
	Paused              bool       `json:"paused"`
	EstimatedCompletion *time.Time `json:"estimated_completion"`
	EstimatedSeconds    *float64   `json:"estimated_seconds_remaining"`
	AverageSeconds      *float64   `json:"average_seconds"`
}

// Status returns job counts, the pause flag and the backlog estimate.
func (h *QueueHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	stats, errStats := h.queue.Stats(ctx)
	if errStats != nil {
		api.Fail(c, errStats)
		return
	}
	resp := queueStatusResponse{Stats: stats, Paused: h.queue.IsPaused()}
	estimate, errEstimate := h.queue.EstimatedCompletion(ctx)
	if errEstimate != nil {
		api.Fail(c, errEstimate)
		return
	}
	if estimate != nil {
		completesAt := estimate.CompletesAt
		remaining := estimate.Remaining.Seconds()
		average := estimate.AverageSeconds
		resp.EstimatedCompletion = &completesAt
		resp.EstimatedSeconds = &remaining
		resp.AverageSeconds = &average
	}
	c.JSON(http.StatusOK, resp)
}

// ProcessNext runs the next due job synchronously.
func (h *QueueHandler) ProcessNext(c *gin.Context) {
	outcome, errProcess := h.processor.ProcessNext(c.Request.Context())
	if errProcess != nil {
		api.Fail(c, errProcess)
		return
	}
	if outcome == nil {
		c.JSON(http.StatusOK, gin.H{"processed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": true, "outcome": outcome})
}

// Clear removes every pending job.
func (h *QueueHandler) Clear(c *gin.Context) {
	removed, errClear := h.queue.Clear(c.Request.Context())
	if errClear != nil {
		api.Fail(c, errClear)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Pause stops scheduled and manual processing.
func (h *QueueHandler) Pause(c *gin.Context) {
	if errPause := h.queue.Pause(c.Request.Context()); errPause != nil {
		api.Fail(c, errPause)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Resume re-enables processing.
func (h *QueueHandler) Resume(c *gin.Context) {
	if errResume := h.queue.Resume(c.Request.Context()); errResume != nil {
		api.Fail(c, errResume)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

type requeueStuckQuery struct {
	OlderThanMinutes int `form:"older_than_minutes"`
}

// RequeueStuck returns stale processing jobs to pending.
func (h *QueueHandler) RequeueStuck(c *gin.Context) {
	var q requeueStuckQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil || q.OlderThanMinutes < 0 {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid query")
		return
	}
	olderThan := h.stuckAfter
	if q.OlderThanMinutes > 0 {
		olderThan = time.Duration(q.OlderThanMinutes) * time.Minute
	}
	requeued, errRequeue := h.queue.RequeueStuck(c.Request.Context(), olderThan)
	if errRequeue != nil {
		api.Fail(c, errRequeue)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": requeued, "older_than_seconds": olderThan.Seconds()})
}

// RemovePost deletes every job of a page and cancels its trigger.
func (h *QueueHandler) RemovePost(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	removed, errRemove := h.queue.RemoveJob(c.Request.Context(), postID)
	if errRemove != nil {
		api.Fail(c, errRemove)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
