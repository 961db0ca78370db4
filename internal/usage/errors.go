package usage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BudgetExceededError is returned by CheckBudget when a paid call would cross the monthly budget.
type BudgetExceededError struct {
	CurrentCost decimal.Decimal
	BudgetLimit decimal.Decimal
	// Estimate is the projected cost of the call that was refused.
	Estimate decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("usage: monthly budget exceeded: %s of %s used (%s%%)",
		e.CurrentCost.StringFixed(2), e.BudgetLimit.StringFixed(2), e.PercentageUsed().String())
}

// PercentageUsed returns current/limit*100 rounded to two decimals.
func (e *BudgetExceededError) PercentageUsed() decimal.Decimal {
	return percentage(e.CurrentCost, e.BudgetLimit)
}

func percentage(current, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.Zero
	}
	return current.Div(limit).Mul(hundred).Round(2)
}
