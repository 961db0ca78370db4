// Package api holds the pieces shared by the front and admin route groups.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/PageBlocks/internal/bulk"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/pages"
	"github.com/router-for-me/PageBlocks/internal/progress"
	"github.com/router-for-me/PageBlocks/internal/prompt"
	"github.com/router-for-me/PageBlocks/internal/queue"
	"github.com/router-for-me/PageBlocks/internal/usage"
	log "github.com/sirupsen/logrus"
)

// Error codes returned in the response body.
const (
	CodePostNotFound            = "post_not_found"
	CodeInvalidPostType         = "invalid_post_type"
	CodeInvalidBlockType        = "invalid_block_type"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeBudgetExceeded          = "budget_exceeded"
	CodeRateLimited             = "rate_limited"
	CodeGenerationFailed        = "generation_failed"
	CodeProgressNotFound        = "progress_not_found"
	CodeRunInProgress           = "run_in_progress"
	CodeNothingToRetry          = "nothing_to_retry"
	CodeJobNotFound             = "job_not_found"
	CodeStatusConflict          = "status_conflict"
	CodeQueuePaused             = "queue_paused"
	CodeInvalidRequest          = "invalid_request"
	CodeUnauthorized            = "unauthorized"
	CodeInternal                = "internal_error"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Abort stops the chain and writes an error body.
func Abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Code: code, Message: message})
}

// Fail writes the response matching err. Provider details stay in the logs.
func Fail(c *gin.Context, err error) {
	status, body := Classify(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("api: request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// Classify maps a domain error onto an HTTP status and body.
func Classify(err error) (int, ErrorBody) {
	var budgetErr *usage.BudgetExceededError
	switch {
	case errors.Is(err, pages.ErrNotFound):
		return http.StatusNotFound, ErrorBody{CodePostNotFound, "The page does not exist."}
	case errors.Is(err, pages.ErrInvalidPostType):
		return http.StatusBadRequest, ErrorBody{CodeInvalidPostType, "The post is not a managed page."}
	case errors.Is(err, generation.ErrInvalidBlockType), errors.Is(err, prompt.ErrUnknownBlock):
		return http.StatusBadRequest, ErrorBody{CodeInvalidBlockType, err.Error()}
	case errors.Is(err, generation.ErrInsufficientPermissions):
		return http.StatusForbidden, ErrorBody{CodeInsufficientPermissions, "You do not have permission to perform this action."}
	case errors.As(err, &budgetErr):
		return http.StatusPaymentRequired, ErrorBody{CodeBudgetExceeded, "Monthly budget exceeded (" + budgetErr.PercentageUsed().String() + "% used)."}
	case llm.IsRateLimit(err):
		return http.StatusTooManyRequests, ErrorBody{CodeRateLimited, llm.UserMessage(err)}
	case errors.Is(err, progress.ErrNotFound):
		return http.StatusNotFound, ErrorBody{CodeProgressNotFound, "No generation run found for this page."}
	case errors.Is(err, progress.ErrRunInProgress):
		return http.StatusConflict, ErrorBody{CodeRunInProgress, "A generation run is already active for this page."}
	case errors.Is(err, bulk.ErrNothingToRetry):
		return http.StatusConflict, ErrorBody{CodeNothingToRetry, "The last run has no failed blocks."}
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound, ErrorBody{CodeJobNotFound, "The queue job does not exist."}
	case errors.Is(err, queue.ErrStatusConflict):
		return http.StatusConflict, ErrorBody{CodeStatusConflict, "The queue job changed state concurrently."}
	case errors.Is(err, queue.ErrInvalidStatus):
		return http.StatusBadRequest, ErrorBody{CodeInvalidRequest, "Unknown queue status."}
	case errors.Is(err, queue.ErrPaused):
		return http.StatusConflict, ErrorBody{CodeQueuePaused, "The queue is paused."}
	default:
		return http.StatusInternalServerError, ErrorBody{CodeGenerationFailed, llm.UserMessage(err)}
	}
}
