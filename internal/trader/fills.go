package trader

import (
	"errors"
	"fmt"
	"time"

	"arbion-trader-go/internal/broker"
	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"gorm.io/gorm"
)

// applyExecution applies one broker execution report to a trade inside the
// caller's transaction. Returns false when the report was a duplicate and was
// idempotently ignored.
//
// Invariants enforced here, violations are fatal for the trade:
//   - filled + remaining == requested after every applied event
//   - average fill price is the quantity-weighted mean of applied events
//   - events apply strictly in increasing broker sequence
//   - an event never fills more than the remaining quantity
func applyExecution(tx *gorm.DB, trade *models.Trade, report broker.ExecutionReport) (bool, error) {
	if trade.IsTerminal() {
		return false, &errs.InvariantViolation{
			TradeID: trade.ID,
			Reason:  fmt.Sprintf("execution report received in terminal status %s", trade.Status),
		}
	}

	// Dedup by broker execution id.
	var existing models.FillEvent
	err := tx.Where("trade_id = ? AND execution_id = ?", trade.ID, report.ExecutionID).
		First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("fill dedup lookup failed: %w", err)
	}

	// Broker-reported ordering.
	var lastSeq int64
	row := tx.Model(&models.FillEvent{}).
		Where("trade_id = ?", trade.ID).
		Select("COALESCE(MAX(sequence), 0)").
		Row()
	if err := row.Scan(&lastSeq); err != nil {
		return false, fmt.Errorf("fill sequence lookup failed: %w", err)
	}
	if report.Sequence <= lastSeq {
		return false, &errs.InvariantViolation{
			TradeID: trade.ID,
			Reason:  fmt.Sprintf("out-of-order fill: sequence %d after %d", report.Sequence, lastSeq),
		}
	}

	if !report.Quantity.IsPositive() {
		return false, &errs.InvariantViolation{
			TradeID: trade.ID,
			Reason:  "fill with non-positive quantity " + report.Quantity.String(),
		}
	}
	if report.Quantity.GreaterThan(trade.RemainingQuantity) {
		return false, &errs.InvariantViolation{
			TradeID: trade.ID,
			Reason: fmt.Sprintf("overfill: %s reported against %s remaining",
				report.Quantity.String(), trade.RemainingQuantity.String()),
		}
	}

	// New average = (old_filled*old_avg + qty*price) / (old_filled + qty).
	oldNotional := trade.FilledQuantity.Mul(trade.AverageFillPrice)
	fillNotional := report.Quantity.Mul(report.Price)
	newFilled := trade.FilledQuantity.Add(report.Quantity)
	trade.AverageFillPrice = oldNotional.Add(fillNotional).Div(newFilled)
	trade.FilledQuantity = newFilled
	trade.RemainingQuantity = trade.RequestedQuantity.Sub(newFilled)

	target := models.StatusPartiallyFilled
	if trade.RemainingQuantity.IsZero() {
		target = models.StatusExecuted
	}
	if err := transition(trade, target, time.Now()); err != nil {
		return false, err
	}

	event := models.FillEvent{
		TradeID:     trade.ID,
		ExecutionID: report.ExecutionID,
		Quantity:    report.Quantity,
		Price:       report.Price,
		Sequence:    report.Sequence,
		ReportedAt:  report.Time,
	}
	if err := tx.Create(&event).Error; err != nil {
		return false, fmt.Errorf("failed to record fill event: %w", err)
	}

	// The position now exists; arm the protective exit if one was requested.
	if trade.StopLossPrice.Valid {
		if err := armStopLoss(tx, trade); err != nil {
			return false, err
		}
	}

	return true, nil
}

// armStopLoss creates the armed StopLossOrder for a trade on its first fill.
// Idempotent: later fills find the existing row.
func armStopLoss(tx *gorm.DB, trade *models.Trade) error {
	slo := models.StopLossOrder{
		TradeID:   trade.ID,
		StopPrice: trade.StopLossPrice.Decimal,
		Status:    models.StopLossArmed,
	}
	err := tx.Where(models.StopLossOrder{TradeID: trade.ID}).FirstOrCreate(&slo).Error
	if err != nil {
		return fmt.Errorf("failed to arm stop-loss for trade %d: %w", trade.ID, err)
	}
	return nil
}
