package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// KPITarget represents a named monetary goal for an owner
type KPITarget struct {
	ID           string          `json:"id" db:"id"`
	OwnerID      string          `json:"owner_id" db:"owner_id"`
	Name         string          `json:"name" db:"name"`
	TargetAmount decimal.Decimal `json:"target_amount" db:"target_amount"`
	Color        string          `json:"color" db:"color"`
	IsActive     bool            `json:"is_active" db:"is_active"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
