package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SnapshotPortfolio derives the user's current exposure from durable state:
// total value from the synced Portfolio row, per-symbol exposure as the net
// of all non-terminal trades. Computed at evaluation time so the
// concentration check never runs against a stale cache.
func SnapshotPortfolio(ctx context.Context, db *gorm.DB, userID uint) (*PortfolioSnapshot, error) {
	var portfolio models.Portfolio
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&portfolio).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no portfolio valuation for user %d", userID)
		}
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	var trades []models.Trade
	err := db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{
			models.StatusPending,
			models.StatusSubmitted,
			models.StatusPartiallyFilled,
			models.StatusExecuted,
		}).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}

	exposure := make(map[string]decimal.Decimal, len(trades))
	for _, t := range trades {
		value := tradeExposure(&t)
		if t.Side == models.SideSell {
			value = value.Neg()
		}
		exposure[t.Symbol] = exposure[t.Symbol].Add(value)
	}
	// A net short in one symbol does not offset risk elsewhere; clamp at zero.
	for symbol, value := range exposure {
		if value.IsNegative() {
			exposure[symbol] = decimal.Zero
		}
	}

	return &PortfolioSnapshot{
		TotalValue:     portfolio.TotalValue,
		SymbolExposure: exposure,
		AsOf:           time.Now(),
	}, nil
}

// tradeExposure values one trade: filled quantity at the average fill price
// plus the unfilled remainder at the requested reference price.
func tradeExposure(t *models.Trade) decimal.Decimal {
	filled := t.FilledQuantity.Mul(t.AverageFillPrice)
	remaining := t.RemainingQuantity
	if t.Status == models.StatusPending || t.Status == models.StatusSubmitted {
		remaining = t.RequestedQuantity
	}
	return filled.Add(remaining.Mul(t.RequestedPrice))
}
