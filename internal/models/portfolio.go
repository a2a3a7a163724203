package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Portfolio is the per-user account valuation written by the external
// portfolio-sync collaborator. The risk gate reads TotalValue for the
// concentration check and fails closed when the row is missing or empty.
type Portfolio struct {
	gorm.Model
	UserID      uint            `gorm:"uniqueIndex;not null" json:"user_id"`
	Provider    string          `json:"provider"`
	TotalValue  decimal.Decimal `gorm:"type:decimal(24,8)" json:"total_value"`
	CashBalance decimal.Decimal `gorm:"type:decimal(24,8)" json:"cash_balance"`
}
