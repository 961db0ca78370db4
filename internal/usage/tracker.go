// Package usage records generation attempts in the cost ledger and enforces the monthly budget.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/router-for-me/PageBlocks/internal/billing"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/util"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var costTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pageblocks_generation_cost_total",
		Help: "Accumulated generation cost by model.",
	},
	[]string{"model"},
)

// BudgetSource supplies the runtime budget settings.
type BudgetSource interface {
	CostTrackingEnabled() bool
	MonthlyBudget() float64
}

// Entry is one generation attempt to be written to the ledger.
type Entry struct {
	PostID       uint64
	BlockType    string
	Result       llm.GenerationResult
	Model        string
	Status       string
	ErrorMessage string
	// Err, when set on failed entries, supplies the status code and diagnostics.
	Err    error
	UserID *uint64
}

// Tracker is the ledger-backed cost tracker.
type Tracker struct {
	db     *gorm.DB
	pricer *billing.Pricer
	budget BudgetSource
	logger log.FieldLogger
	now    func() time.Time
}

// NewTracker builds a Tracker.
func NewTracker(db *gorm.DB, pricer *billing.Pricer, budget BudgetSource, logger log.FieldLogger) *Tracker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tracker{db: db, pricer: pricer, budget: budget, logger: logger, now: time.Now}
}

// RecordUsage inserts one ledger row and returns the computed cost.
func (t *Tracker) RecordUsage(ctx context.Context, entry Entry) (decimal.Decimal, error) {
	if t == nil || t.db == nil {
		return decimal.Zero, errors.New("usage: nil tracker")
	}
	model := strings.TrimSpace(entry.Result.Model)
	if model == "" {
		model = strings.TrimSpace(entry.Model)
	}
	status := entry.Status
	if status == "" {
		status = models.GenerationStatusSuccess
	}

	prompt := int64(entry.Result.PromptTokens)
	completion := int64(entry.Result.CompletionTokens)
	cost := decimal.Zero
	if prompt > 0 || completion > 0 {
		rate, ok, errRate := t.pricer.Resolve(ctx, model)
		switch {
		case errRate != nil:
			t.logger.WithError(errRate).WithField("model", model).Warn("usage: price lookup failed, recording zero cost")
		case !ok:
			t.logger.WithField("model", model).Warn("usage: no price configured for model, recording zero cost")
		default:
			cost = rate.Cost(prompt, completion)
		}
	}

	row := models.GenerationLog{
		PostID:           entry.PostID,
		BlockType:        entry.BlockType,
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		CostMicros:       billing.ToMicros(cost),
		Status:           status,
		ErrorMessage:     util.Truncate(strings.TrimSpace(entry.ErrorMessage), 2000),
		UserID:           entry.UserID,
		CreatedAt:        t.now().UTC(),
	}
	if status == models.GenerationStatusFailed {
		row.ErrorStatusCode, row.ErrorDetail = buildErrorDetail(entry.Err, row.ErrorMessage)
	}

	if errCreate := t.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return decimal.Zero, fmt.Errorf("usage: record: %w", errCreate)
	}
	if cost.IsPositive() {
		costTotal.WithLabelValues(model).Add(cost.InexactFloat64())
	}
	return cost, nil
}

// EstimateCost prices a call with promptTokens and the worst-case completion length.
func (t *Tracker) EstimateCost(ctx context.Context, model string, promptTokens, maxCompletionTokens int) decimal.Decimal {
	rate, ok, errRate := t.pricer.Resolve(ctx, model)
	if errRate != nil || !ok {
		return decimal.Zero
	}
	return rate.Cost(int64(promptTokens), int64(maxCompletionTokens))
}

// CurrentMonthCost sums ledger cost for the current calendar month (UTC).
func (t *Tracker) CurrentMonthCost(ctx context.Context) (decimal.Decimal, error) {
	start, end := monthBounds(t.now())
	var sum int64
	if errScan := t.db.WithContext(ctx).Model(&models.GenerationLog{}).
		Select("COALESCE(SUM(cost_micros), 0)").
		Where("created_at >= ? AND created_at < ?", start, end).
		Row().Scan(&sum); errScan != nil {
		return decimal.Zero, fmt.Errorf("usage: sum month cost: %w", errScan)
	}
	return billing.FromMicros(sum), nil
}

// CheckBudget is the pre-flight gate for paid calls. It returns *BudgetExceededError when
// the month total already reached the budget or would pass it with estimate added.
// It is a no-op when cost tracking is disabled or no budget is set.
func (t *Tracker) CheckBudget(ctx context.Context, estimate decimal.Decimal) error {
	if t.budget == nil || !t.budget.CostTrackingEnabled() {
		return nil
	}
	limit := decimal.NewFromFloat(t.budget.MonthlyBudget())
	if !limit.IsPositive() {
		return nil
	}
	current, errCost := t.CurrentMonthCost(ctx)
	if errCost != nil {
		return errCost
	}
	if current.GreaterThanOrEqual(limit) || current.Add(estimate).GreaterThan(limit) {
		return &BudgetExceededError{CurrentCost: current, BudgetLimit: limit, Estimate: estimate}
	}
	return nil
}

func monthBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

type errorDetail struct {
	StatusCode        int    `json:"status_code,omitempty"`
	Message           string `json:"message"`
	Kind              string `json:"kind,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	ResponseBody      any    `json:"response_body,omitempty"`
}

// buildErrorDetail keeps provider diagnostics for operators.
func buildErrorDetail(err error, message string) (*int, datatypes.JSON) {
	if err == nil && message == "" {
		return nil, nil
	}
	detail := errorDetail{Message: message}
	var statusCode *int

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode > 0 {
			code := apiErr.StatusCode
			statusCode = &code
			detail.StatusCode = code
			if detail.Message == "" {
				detail.Message = strings.TrimSpace(http.StatusText(code))
			}
		}
		if body := strings.TrimSpace(apiErr.ResponseBody); body != "" {
			body = util.Truncate(body, 8000)
			if json.Valid([]byte(body)) {
				detail.ResponseBody = json.RawMessage(body)
			} else {
				detail.ResponseBody = body
			}
		}
	}
	var rateErr *llm.RateLimitError
	if errors.As(err, &rateErr) {
		detail.RetryAfterSeconds = int(rateErr.RetryAfter / time.Second)
	}
	detail.Kind = errorKind(err)
	if detail.Message == "" && err != nil {
		detail.Message = err.Error()
	}

	payload, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		return statusCode, nil
	}
	return statusCode, datatypes.JSON(payload)
}

func errorKind(err error) string {
	var (
		rateErr    *llm.RateLimitError
		timeoutErr *llm.TimeoutError
		netErr     *llm.NetworkError
		invalidErr *llm.InvalidResponseError
		apiErr     *llm.APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &invalidErr):
		return "invalid_response"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}
