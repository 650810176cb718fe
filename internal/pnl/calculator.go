// Package pnl holds the pure metric functions: snapshot totals, day-over-day
// profit/loss and distance to KPI targets. Nothing here performs I/O.
//
// All results are rounded to two decimals, half away from zero.
package pnl

import (
	"github.com/pnl-tracker/internal/models"
	"github.com/shopspring/decimal"
)

// Places is the number of decimals kept on every derived amount
const Places = 2

var hundred = decimal.NewFromInt(100)

// Result is a PnL amount and percentage pair
type Result struct {
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Flat is the PnL of a snapshot with no usable predecessor
var Flat = Result{Amount: decimal.Zero, Percentage: decimal.Zero}

// Round2 rounds to two decimals, half away from zero
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Total sums component balances. The sum is exact and is not rounded.
func Total(components []models.ComponentBalance) decimal.Decimal {
	total := decimal.Zero
	for _, c := range components {
		total = total.Add(c.Amount)
	}
	return total
}

// PnL computes the change from previous to current.
// Both values are rounded from the exact difference; a zero previous total yields Flat.
func PnL(current, previous decimal.Decimal) Result {
	if previous.IsZero() {
		return Flat
	}
	diff := current.Sub(previous)
	return Result{
		Amount:     Round2(diff),
		Percentage: Round2(diff.Div(previous).Mul(hundred)),
	}
}

// KPIProgress returns total - target_amount for every active target, in target order
func KPIProgress(total decimal.Decimal, targets []models.KPITarget) []models.KPIProgress {
	out := make([]models.KPIProgress, 0, len(targets))
	for _, t := range targets {
		if !t.IsActive {
			continue
		}
		out = append(out, models.KPIProgress{
			TargetID: t.ID,
			Progress: Round2(total.Sub(t.TargetAmount)),
		})
	}
	return out
}

// Average returns the rounded mean of the non-zero values, or zero when there are none
func Average(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	n := 0
	for _, v := range values {
		if v.IsZero() {
			continue
		}
		sum = sum.Add(v)
		n++
	}
	if n == 0 {
		return decimal.Zero
	}
	return Round2(sum.Div(decimal.NewFromInt(int64(n))))
}
