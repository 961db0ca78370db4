package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/PageBlocks/internal/billing"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ModelCost is the month aggregate for one model.
type ModelCost struct {
	Model       string          `json:"model"`
	Calls       int64           `json:"calls"`
	FailedCalls int64           `json:"failed_calls"`
	TotalTokens int64           `json:"total_tokens"`
	Cost        decimal.Decimal `json:"cost"`
}

// MonthSummary reports spend against the budget for the current month.
type MonthSummary struct {
	Month               string          `json:"month"`
	CostTrackingEnabled bool            `json:"cost_tracking_enabled"`
	CurrentCost         decimal.Decimal `json:"current_cost"`
	BudgetLimit         decimal.Decimal `json:"budget_limit"`
	Remaining           decimal.Decimal `json:"remaining"`
	PercentageUsed      decimal.Decimal `json:"percentage_used"`
	Calls               int64           `json:"calls"`
	FailedCalls         int64           `json:"failed_calls"`
	TotalTokens         int64           `json:"total_tokens"`
	ByModel             []ModelCost     `json:"by_model"`
}

// MonthSummary aggregates the current month of the ledger.
func (t *Tracker) MonthSummary(ctx context.Context) (MonthSummary, error) {
	start, end := monthBounds(t.now())

	var rows []struct {
		Model       string
		Calls       int64
		FailedCalls int64
		TotalTokens int64
		CostMicros  int64
	}
	if errScan := t.db.WithContext(ctx).Model(&models.GenerationLog{}).
		Select("model, COUNT(*) AS calls, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed_calls, "+
			"COALESCE(SUM(total_tokens), 0) AS total_tokens, "+
			"COALESCE(SUM(cost_micros), 0) AS cost_micros", models.GenerationStatusFailed).
		Where("created_at >= ? AND created_at < ?", start, end).
		Group("model").
		Order("cost_micros DESC, model ASC").
		Scan(&rows).Error; errScan != nil {
		return MonthSummary{}, fmt.Errorf("usage: month summary: %w", errScan)
	}

	summary := MonthSummary{
		Month:   start.Format("2006-01"),
		ByModel: make([]ModelCost, 0, len(rows)),
	}
	totalMicros := int64(0)
	for _, row := range rows {
		summary.Calls += row.Calls
		summary.FailedCalls += row.FailedCalls
		summary.TotalTokens += row.TotalTokens
		totalMicros += row.CostMicros
		summary.ByModel = append(summary.ByModel, ModelCost{
			Model:       row.Model,
			Calls:       row.Calls,
			FailedCalls: row.FailedCalls,
			TotalTokens: row.TotalTokens,
			Cost:        billing.FromMicros(row.CostMicros),
		})
	}
	summary.CurrentCost = billing.FromMicros(totalMicros)
	if t.budget != nil {
		summary.CostTrackingEnabled = t.budget.CostTrackingEnabled()
		summary.BudgetLimit = decimal.NewFromFloat(t.budget.MonthlyBudget())
	}
	summary.PercentageUsed = percentage(summary.CurrentCost, summary.BudgetLimit)
	if summary.BudgetLimit.IsPositive() {
		summary.Remaining = decimal.Max(decimal.Zero, summary.BudgetLimit.Sub(summary.CurrentCost))
	}
	return summary, nil
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	PostID    uint64
	BlockType string
	Status    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// LogEntry is a ledger row with cost as a decimal.
type LogEntry struct {
	ID               uint64          `json:"id"`
	PostID           uint64          `json:"post_id"`
	BlockType        string          `json:"block_type"`
	Model            string          `json:"model"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorStatusCode  *int            `json:"error_status_code,omitempty"`
	ErrorDetail      datatypes.JSON  `json:"error_detail,omitempty"`
	UserID           *uint64         `json:"user_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ListLogs returns ledger rows newest first and the total matching count.
func (t *Tracker) ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, int64, error) {
	q := t.db.WithContext(ctx).Model(&models.GenerationLog{})
	if filter.PostID != 0 {
		q = q.Where("post_id = ?", filter.PostID)
	}
	if bt := strings.TrimSpace(filter.BlockType); bt != "" {
		q = q.Where("block_type = ?", bt)
	}
	if st := strings.TrimSpace(filter.Status); st != "" {
		q = q.Where("status = ?", st)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		q = q.Where("created_at < ?", filter.Until.UTC())
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("usage: count logs: %w", errCount)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []models.GenerationLog
	if errFind := q.Order("created_at DESC, id DESC").Limit(limit).Offset(max(filter.Offset, 0)).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("usage: list logs: %w", errFind)
	}

	out := make([]LogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, LogEntry{
			ID:               row.ID,
			PostID:           row.PostID,
			BlockType:        row.BlockType,
			Model:            row.Model,
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
			Cost:             billing.FromMicros(row.CostMicros),
			Status:           row.Status,
			ErrorMessage:     row.ErrorMessage,
			ErrorStatusCode:  row.ErrorStatusCode,
			ErrorDetail:      row.ErrorDetail,
			UserID:           row.UserID,
			CreatedAt:        row.CreatedAt,
		})
	}
	return out, total, nil
}
