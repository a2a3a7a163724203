package trader

import (
	"fmt"
	"time"

	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
)

// validTransitions is the canonical trade lifecycle:
//
//	pending → submitted → {partially_filled ↔ more fills | executed} → closed
//
// with failure/cancellation exits. Terminal states (closed, cancelled,
// failed, denied) have no outgoing edges; status is monotonic.
var validTransitions = map[string][]string{
	models.StatusPending: {
		models.StatusSubmitted,
		models.StatusDenied,
		models.StatusFailed,
		models.StatusCancelled,
	},
	models.StatusSubmitted: {
		models.StatusPartiallyFilled,
		models.StatusExecuted,
		models.StatusFailed,
		models.StatusCancelled,
	},
	models.StatusPartiallyFilled: {
		models.StatusPartiallyFilled, // further fills
		models.StatusExecuted,
		models.StatusCancelled,
		models.StatusClosed,
	},
	models.StatusExecuted: {
		models.StatusClosed,
	},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves a trade to a new status, stamping lifecycle timestamps.
// An illegal edge is an invariant violation: the trade is left untouched for
// manual review, never "corrected".
func transition(trade *models.Trade, to string, now time.Time) error {
	if !CanTransition(trade.Status, to) {
		return &errs.InvariantViolation{
			TradeID: trade.ID,
			Reason:  fmt.Sprintf("illegal transition %s -> %s", trade.Status, to),
		}
	}

	trade.Status = to
	switch to {
	case models.StatusSubmitted:
		trade.SubmittedAt = &now
	case models.StatusExecuted:
		trade.ExecutedAt = &now
	case models.StatusClosed, models.StatusCancelled:
		trade.ClosedAt = &now
	}
	return nil
}
