package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StopLossOrder statuses. An order is armed when the parent position first
// fills, transitions to triggered exactly once (only by the sentinel), and is
// cancelled if the position closes by any other path.
const (
	StopLossArmed     = "armed"
	StopLossTriggered = "triggered"
	StopLossCancelled = "cancelled"
)

// StopLossOrder is the protective exit linked to one Trade.
type StopLossOrder struct {
	gorm.Model
	TradeID   uint            `gorm:"uniqueIndex;not null" json:"trade_id"`
	StopPrice decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"stop_price"`
	Status    string          `gorm:"index;not null;default:armed" json:"status"`

	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	TriggerKind string     `json:"trigger_kind,omitempty"` // stop_loss or take_profit

	// CloseTradeID references the market order that flattened the position.
	// Nil while the force-close has not yet been accepted by the broker.
	CloseTradeID *uint `json:"close_trade_id,omitempty"`

	// CloseAttempts counts failed force-close placements. Once it reaches the
	// escalation ceiling the order is flagged for an operator instead of being
	// retried forever.
	CloseAttempts int  `gorm:"not null;default:0" json:"close_attempts"`
	Escalated     bool `gorm:"not null;default:false" json:"escalated"`
}
