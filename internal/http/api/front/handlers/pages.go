package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/bulk"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/http/api"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/progress"
	log "github.com/sirupsen/logrus"
)

// BlockGenerator generates one block for a stored page.
type BlockGenerator interface {
	GeneratePageBlock(ctx context.Context, postID uint64, blockType string, userID *uint64) (*generation.BlockResult, error)
}

// BulkRunner drives whole-page runs.
type BulkRunner interface {
	Run(ctx context.Context, req bulk.Request) (*bulk.Result, error)
	Stream(ctx context.Context, req bulk.Request) (<-chan bulk.Event, error)
	RetryFailed(ctx context.Context, postID uint64, userID *uint64) (*bulk.Result, error)
	Cancel(ctx context.Context, postID uint64) (bool, error)
	Progress(ctx context.Context, postID uint64) (progress.View, error)
}

// PageStore is the page collaborator.
type PageStore interface {
	Get(ctx context.Context, postID uint64) (*models.Page, error)
	SaveBlockFields(ctx context.Context, postID uint64, blockType string, fields map[string]any) error
	Delete(ctx context.Context, postID uint64) error
}

// Enqueuer schedules deferred page runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, postID uint64, scheduledAt time.Time) (*models.QueueJob, bool, error)
}

// PagesHandler serves page generation endpoints.
type PagesHandler struct {
	generator BlockGenerator
	bulk      BulkRunner
	pages     PageStore
	queue     Enqueuer
	now       func() time.Time
}

// NewPagesHandler constructs a PagesHandler.
func NewPagesHandler(generator BlockGenerator, runner BulkRunner, pages PageStore, queue Enqueuer) *PagesHandler {
	return &PagesHandler{
		generator: generator,
		bulk:      runner,
		pages:     pages,
		queue:     queue,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type generateBlockResponse struct {
	Success bool `json:"success"`
	*generation.BlockResult
	Duration float64 `json:"duration"`
	Saved    bool    `json:"saved"`
}

// GenerateBlock generates a single block and stores its fields on the page.
func (h *PagesHandler) GenerateBlock(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	blockType := strings.TrimSpace(c.Param("block_type"))
	if !blocks.Valid(blockType) {
		api.Fail(c, generation.ErrInvalidBlockType)
		return
	}

	ctx := c.Request.Context()
	result, errGenerate := h.generator.GeneratePageBlock(ctx, postID, blockType, api.UserIDPtr(c))
	if errGenerate != nil {
		api.Fail(c, errGenerate)
		return
	}

	resp := generateBlockResponse{Success: true, BlockResult: result, Duration: result.Duration.Seconds()}
	if c.Query("save") != "false" {
		if errSave := h.pages.SaveBlockFields(context.WithoutCancel(ctx), postID, blockType, result.Fields); errSave != nil {
			log.WithError(errSave).WithFields(log.Fields{"post_id": postID, "block_type": blockType}).Warn("pages handler: save block fields failed")
		} else {
			resp.Saved = true
		}
	}
	c.JSON(http.StatusOK, resp)
}

type generateAllRequest struct {
	BlockTypes []string `json:"block_types"`
}

// GenerateAll runs every requested block. With ?stream=true progress is sent as server-sent events.
func (h *PagesHandler) GenerateAll(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	var body generateAllRequest
	if !bindOptionalJSON(c, &body) {
		return
	}
	req := bulk.Request{PostID: postID, BlockTypes: body.BlockTypes, UserID: api.UserIDPtr(c)}

	if c.Query("stream") == "true" {
		events, errStream := h.bulk.Stream(c.Request.Context(), req)
		if errStream != nil {
			api.Fail(c, errStream)
			return
		}
		// The request context ends the run when the client disconnects, which closes events.
		for event := range events {
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		}
		return
	}

	result, errRun := h.bulk.Run(c.Request.Context(), req)
	if errRun != nil {
		api.Fail(c, errRun)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Progress returns the latest run snapshot.
func (h *PagesHandler) Progress(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	view, errGet := h.bulk.Progress(c.Request.Context(), postID)
	if errGet != nil {
		api.Fail(c, errGet)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Cancel flags the active run; blocks already in flight finish.
func (h *PagesHandler) Cancel(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	cancelled, errCancel := h.bulk.Cancel(c.Request.Context(), postID)
	if errCancel != nil {
		api.Fail(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": postID, "cancelled": cancelled})
}

// RetryFailed reruns the blocks that failed in the last run.
func (h *PagesHandler) RetryFailed(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	result, errRetry := h.bulk.RetryFailed(c.Request.Context(), postID, api.UserIDPtr(c))
	if errRetry != nil {
		api.Fail(c, errRetry)
		return
	}
	c.JSON(http.StatusOK, result)
}

type enqueueRequest struct {
	ScheduledAt  *time.Time `json:"scheduled_at"`
	DelaySeconds int        `json:"delay_seconds"`
}

// Enqueue schedules the page for deferred generation.
func (h *PagesHandler) Enqueue(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	var body enqueueRequest
	if !bindOptionalJSON(c, &body) {
		return
	}
	if body.DelaySeconds < 0 {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "delay_seconds must not be negative")
		return
	}

	ctx := c.Request.Context()
	if _, errGet := h.pages.Get(ctx, postID); errGet != nil {
		api.Fail(c, errGet)
		return
	}
	scheduledAt := h.now().Add(time.Duration(body.DelaySeconds) * time.Second)
	if body.ScheduledAt != nil {
		scheduledAt = body.ScheduledAt.UTC()
	}
	job, created, errEnqueue := h.queue.Enqueue(ctx, postID, scheduledAt)
	if errEnqueue != nil {
		api.Fail(c, errEnqueue)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"job": job, "created": created})
}

// Delete removes the page and its queue jobs.
func (h *PagesHandler) Delete(c *gin.Context) {
	postID, ok := api.PostID(c)
	if !ok {
		return
	}
	if errDelete := h.pages.Delete(c.Request.Context(), postID); errDelete != nil {
		api.Fail(c, errDelete)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindOptionalJSON decodes the body into dst; an empty body keeps the zero value.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if errBind := c.ShouldBindJSON(dst); errBind != nil && !errors.Is(errBind, io.EOF) {
		api.Abort(c, http.StatusBadRequest, api.CodeInvalidRequest, "invalid body")
		return false
	}
	return true
}
