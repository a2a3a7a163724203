package trader

import (
	"testing"
	"time"

	"arbion-trader-go/internal/broker"
	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func newSubmittedTrade(t *testing.T, db *gorm.DB, requested string) *models.Trade {
	trade := &models.Trade{
		UserID:            1,
		Provider:          "schwab",
		Symbol:            "ACME",
		Side:              models.SideBuy,
		AssetClass:        models.AssetClassEquity,
		OrderType:         models.OrderTypeMarket,
		RequestedQuantity: dec(requested),
		RemainingQuantity: dec(requested),
		RequestedPrice:    dec("10"),
		Status:            models.StatusSubmitted,
		BrokerOrderID:     "BRK-1",
		ClientOrderID:     "c-fill-1",
	}
	assert.NoError(t, db.Create(trade).Error)
	return trade
}

func report(id string, qty, price string, seq int64) broker.ExecutionReport {
	return broker.ExecutionReport{
		ExecutionID: id,
		Quantity:    dec(qty),
		Price:       dec(price),
		Sequence:    seq,
		Time:        time.Now(),
	}
}

func TestApplyExecution_WeightedAverage(t *testing.T) {
	// Arrange
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")

	// Act: 60 @ 10.00, then 40 @ 10.50.
	applied, err := applyExecution(db, trade, report("E1", "60", "10.00", 1))
	assert.NoError(t, err)
	assert.True(t, applied)

	// Assert intermediate state
	assert.Equal(t, models.StatusPartiallyFilled, trade.Status)
	assert.True(t, trade.FilledQuantity.Equal(dec("60")))
	assert.True(t, trade.RemainingQuantity.Equal(dec("40")))
	assert.True(t, trade.AverageFillPrice.Equal(dec("10.00")))

	applied, err = applyExecution(db, trade, report("E2", "40", "10.50", 2))
	assert.NoError(t, err)
	assert.True(t, applied)

	// Assert final state: fully filled at the quantity-weighted mean.
	assert.Equal(t, models.StatusExecuted, trade.Status)
	assert.True(t, trade.FilledQuantity.Equal(dec("100")))
	assert.True(t, trade.RemainingQuantity.IsZero())
	assert.True(t, trade.AverageFillPrice.Equal(dec("10.20")))
	assert.NotNil(t, trade.ExecutedAt)

	// filled + remaining == requested holds throughout.
	assert.True(t, trade.FilledQuantity.Add(trade.RemainingQuantity).Equal(trade.RequestedQuantity))
}

func TestApplyExecution_DuplicateIgnored(t *testing.T) {
	// Arrange
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")

	applied, err := applyExecution(db, trade, report("E1", "60", "10.00", 1))
	assert.NoError(t, err)
	assert.True(t, applied)

	// Act: the broker redelivers the same execution.
	applied, err = applyExecution(db, trade, report("E1", "60", "10.00", 1))

	// Assert: idempotently ignored, no double-count.
	assert.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, trade.FilledQuantity.Equal(dec("60")))

	var count int64
	db.Model(&models.FillEvent{}).Where("trade_id = ?", trade.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestApplyExecution_OutOfOrderRejected(t *testing.T) {
	// Arrange
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")

	_, err := applyExecution(db, trade, report("E2", "40", "10.50", 2))
	assert.NoError(t, err)

	// Act: a lower sequence arrives after a higher one.
	_, err = applyExecution(db, trade, report("E1", "60", "10.00", 1))

	// Assert
	var iv *errs.InvariantViolation
	assert.ErrorAs(t, err, &iv)
	assert.Contains(t, iv.Reason, "out-of-order")
	// The earlier fill stays applied.
	assert.True(t, trade.FilledQuantity.Equal(dec("40")))
}

func TestApplyExecution_OverfillRejected(t *testing.T) {
	// Arrange
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")

	// Act
	_, err := applyExecution(db, trade, report("E1", "150", "10.00", 1))

	// Assert: the trade is untouched for manual review.
	var iv *errs.InvariantViolation
	assert.ErrorAs(t, err, &iv)
	assert.Contains(t, iv.Reason, "overfill")
	assert.True(t, trade.FilledQuantity.IsZero())
	assert.Equal(t, models.StatusSubmitted, trade.Status)
}

func TestApplyExecution_NonPositiveQuantityRejected(t *testing.T) {
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")

	_, err := applyExecution(db, trade, report("E1", "0", "10.00", 1))

	var iv *errs.InvariantViolation
	assert.ErrorAs(t, err, &iv)
}

func TestApplyExecution_TerminalTradeRejected(t *testing.T) {
	// Arrange
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")
	trade.Status = models.StatusCancelled
	assert.NoError(t, db.Save(trade).Error)

	// Act
	_, err := applyExecution(db, trade, report("E1", "60", "10.00", 1))

	// Assert
	var iv *errs.InvariantViolation
	assert.ErrorAs(t, err, &iv)
	assert.Contains(t, iv.Reason, "terminal")
}

func TestApplyExecution_ArmsStopLossOnFirstFill(t *testing.T) {
	// Arrange
	_, db, _, _ := setupTest(t)
	trade := newSubmittedTrade(t, db, "100")
	trade.StopLossPrice = decimal.NewNullDecimal(dec("9.50"))
	assert.NoError(t, db.Save(trade).Error)

	// Act: two fills; arming must happen once.
	_, err := applyExecution(db, trade, report("E1", "60", "10.00", 1))
	assert.NoError(t, err)
	_, err = applyExecution(db, trade, report("E2", "40", "10.50", 2))
	assert.NoError(t, err)

	// Assert
	var slos []models.StopLossOrder
	assert.NoError(t, db.Where("trade_id = ?", trade.ID).Find(&slos).Error)
	assert.Len(t, slos, 1)
	assert.Equal(t, models.StopLossArmed, slos[0].Status)
	assert.True(t, slos[0].StopPrice.Equal(dec("9.50")))
}
