package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade statuses. A trade is created as pending, moves to submitted once the
// broker accepts it, accumulates fills into partially_filled/executed, and
// ends in exactly one terminal status.
const (
	StatusPending         = "pending"
	StatusSubmitted       = "submitted"
	StatusPartiallyFilled = "partially_filled"
	StatusExecuted        = "executed"
	StatusClosed          = "closed"
	StatusCancelled       = "cancelled"
	StatusFailed          = "failed"
	StatusDenied          = "denied"
)

// Trade sides and order types.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"

	AssetClassEquity = "equity"
	AssetClassCrypto = "crypto"
)

// Trade represents one user order mapped to at most one broker order.
// Quantities and the average fill price are exclusively mutated by the
// lifecycle/fill code in internal/trader; everything else reads snapshots.
type Trade struct {
	gorm.Model
	UserID     uint   `gorm:"index;not null" json:"user_id"`
	Provider   string `gorm:"not null" json:"provider"`
	Symbol     string `gorm:"index;not null" json:"symbol"`
	Side       string `gorm:"not null" json:"side"`
	AssetClass string `gorm:"not null;default:equity" json:"asset_class"`
	OrderType  string `gorm:"not null;default:market" json:"order_type"`

	RequestedQuantity decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"requested_quantity"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(24,8)" json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(24,8)" json:"remaining_quantity"`
	AverageFillPrice  decimal.Decimal `gorm:"type:decimal(24,8)" json:"average_fill_price"`
	RequestedPrice    decimal.Decimal `gorm:"type:decimal(24,8)" json:"requested_price"`
	Fees              decimal.Decimal `gorm:"type:decimal(24,8)" json:"fees"`
	RealizedPnL       decimal.Decimal `gorm:"type:decimal(24,8)" json:"realized_pnl"`

	Status        string `gorm:"index;not null;default:pending" json:"status"`
	BrokerOrderID string `gorm:"index" json:"broker_order_id"`
	ClientOrderID string `gorm:"uniqueIndex" json:"client_order_id"`
	AccountHash   string `json:"account_hash"`

	StopLossPrice   decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"take_profit_price"`

	IsSimulation bool   `json:"is_simulation"`
	LastError    string `json:"last_error,omitempty"`
	Notes        string `json:"notes,omitempty"`

	// LockVersion guards concurrent mutation (user cancel vs. sentinel).
	LockVersion int64 `gorm:"not null;default:0" json:"-"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// IsTerminal reports whether the trade's status permits no further transition.
func (t *Trade) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// IsOpenPosition reports whether the trade represents a live position the
// sentinel should watch.
func (t *Trade) IsOpenPosition() bool {
	return t.Status == StatusExecuted || t.Status == StatusPartiallyFilled
}

// IsTerminalStatus reports whether a status is terminal.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusClosed, StatusCancelled, StatusFailed, StatusDenied:
		return true
	}
	return false
}
