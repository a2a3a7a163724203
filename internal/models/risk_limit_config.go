package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RiskLimitConfig holds per-user trading limits. The risk gate re-reads it on
// every evaluation and seeds it from configured defaults for first-time users.
type RiskLimitConfig struct {
	gorm.Model
	UserID              uint            `gorm:"uniqueIndex;not null" json:"user_id"`
	MaxPositionValue    decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"max_position_value"`
	MaxConcentrationPct decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"max_concentration_pct"`
	MaxDailyTrades      int             `gorm:"not null" json:"max_daily_trades"`
	EnforceMarketHours  bool            `gorm:"not null" json:"enforce_market_hours"`
	SimulationOnly      bool            `gorm:"not null" json:"simulation_only"`
}
