package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a point-in-time price observation for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Provider supplies current prices. Implementations must return
// errs.ErrDataNotAvailable when no quote exists and a StaleDataError when the
// quote is too old to act on; callers never treat a missing price as zero.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}
