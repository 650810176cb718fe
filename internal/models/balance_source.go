package models

import (
	"strings"
	"time"
)

// BalanceSource represents a named origin of a component balance (an exchange or wallet)
type BalanceSource struct {
	ID          string    `json:"id" db:"id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Color       string    `json:"color" db:"color"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizeSourceName returns the lowercase lookup key for a source name
func NormalizeSourceName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
