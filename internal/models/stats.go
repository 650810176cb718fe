package models

import (
	"github.com/pnl-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// PortfolioStats summarizes an owner's snapshot history
type PortfolioStats struct {
	TotalEntries         int             `json:"total_entries"`
	LatestDate           *types.Date     `json:"latest_date,omitempty"`
	LatestTotal          decimal.Decimal `json:"latest_total"`
	LatestPnLAmount      decimal.Decimal `json:"latest_pnl_amount"`
	LatestPnLPercentage  decimal.Decimal `json:"latest_pnl_percentage"`
	AveragePnLAmount     decimal.Decimal `json:"average_pnl_amount"`
	AveragePnLPercentage decimal.Decimal `json:"average_pnl_percentage"`
	KPIProgress          []KPIProgress   `json:"kpi_progress"`
}
