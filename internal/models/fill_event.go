package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FillEvent is the durable record of one applied broker execution report.
// The (trade_id, execution_id) unique index is what makes fill application
// idempotent: a report carrying a previously-seen execution id is ignored.
type FillEvent struct {
	gorm.Model
	TradeID     uint            `gorm:"not null;uniqueIndex:idx_trade_execution" json:"trade_id"`
	ExecutionID string          `gorm:"not null;uniqueIndex:idx_trade_execution" json:"execution_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"price"`
	Sequence    int64           `gorm:"not null" json:"sequence"`
	ReportedAt  time.Time       `json:"reported_at"`
}
