// Package billing resolves per-model token prices and converts costs between decimal and micros.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	million = decimal.NewFromInt(1_000_000)
	micros  = decimal.NewFromInt(1_000_000)
)

// Rate is a price pair per one million tokens.
type Rate struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Cost returns the price of the given token counts.
func (r Rate) Cost(promptTokens, completionTokens int64) decimal.Decimal {
	in := r.InputPerMillion.Mul(decimal.NewFromInt(promptTokens))
	out := r.OutputPerMillion.Mul(decimal.NewFromInt(completionTokens))
	return in.Add(out).Div(million)
}

// RateSource supplies configured rates keyed by model name.
type RateSource func() map[string]Rate

// Pricer resolves a Rate for a model from model_prices rows, then the configured table.
type Pricer struct {
	db     *gorm.DB
	config RateSource
}

// NewPricer builds a Pricer. db may be nil.
func NewPricer(db *gorm.DB, config RateSource) *Pricer {
	return &Pricer{db: db, config: config}
}

// Resolve returns the rate for model and whether one was found.
//
// Priority, highest first:
// 1) enabled model_prices row with the exact model
// 2) configured rate with the exact model
// 3) longest enabled model_prices prefix (dated snapshots such as gpt-4o-2024-08-06)
// 4) longest configured prefix
func (p *Pricer) Resolve(ctx context.Context, model string) (Rate, bool, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Rate{}, false, nil
	}

	stored := map[string]Rate{}
	if p.db != nil {
		var rows []models.ModelPrice
		if errFind := p.db.WithContext(ctx).Where("is_enabled = ?", true).Find(&rows).Error; errFind != nil {
			return Rate{}, false, fmt.Errorf("billing: load model prices: %w", errFind)
		}
		for _, row := range rows {
			stored[strings.TrimSpace(row.Model)] = Rate{
				InputPerMillion:  decimal.NewFromFloat(row.InputPricePerMillion),
				OutputPerMillion: decimal.NewFromFloat(row.OutputPricePerMillion),
			}
		}
	}
	configured := map[string]Rate{}
	if p.config != nil {
		configured = p.config()
	}

	if rate, ok := stored[model]; ok {
		return rate, true, nil
	}
	if rate, ok := configured[model]; ok {
		return rate, true, nil
	}
	if rate, ok := longestPrefix(stored, model); ok {
		return rate, true, nil
	}
	if rate, ok := longestPrefix(configured, model); ok {
		return rate, true, nil
	}
	return Rate{}, false, nil
}

// SetPrice upserts a model_prices row.
func (p *Pricer) SetPrice(ctx context.Context, model string, input, output float64) error {
	if p.db == nil {
		return fmt.Errorf("billing: no price store configured")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("billing: empty model")
	}
	now := time.Now().UTC()
	res := p.db.WithContext(ctx).Model(&models.ModelPrice{}).Where("model = ?", model).Updates(map[string]any{
		"input_price_per_million":  input,
		"output_price_per_million": output,
		"is_enabled":               true,
		"updated_at":               now,
	})
	if res.Error != nil {
		return fmt.Errorf("billing: update price: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	row := models.ModelPrice{Model: model, InputPricePerMillion: input, OutputPricePerMillion: output, IsEnabled: true}
	if errCreate := p.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("billing: create price: %w", errCreate)
	}
	return nil
}

func longestPrefix(rates map[string]Rate, model string) (Rate, bool) {
	bestLen := 0
	var best Rate
	for name, rate := range rates {
		if name == "" || !strings.HasPrefix(model, name) {
			continue
		}
		if len(name) > bestLen {
			bestLen = len(name)
			best = rate
		}
	}
	return best, bestLen > 0
}

// ToMicros converts a decimal amount to integer micros, rounding half away from zero.
func ToMicros(amount decimal.Decimal) int64 {
	return amount.Mul(micros).Round(0).IntPart()
}

// FromMicros converts integer micros back to a decimal amount.
func FromMicros(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(micros)
}
