package trader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/marketdata"
	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TickResult summarizes one sentinel sweep.
type TickResult struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}

// Sentinel is the recurring process that re-checks open, protected positions
// against their exit prices and forces liquidation on breach. It runs
// decoupled from any request and may execute concurrently with user-initiated
// cancels against the same trades.
type Sentinel struct {
	logger  *zap.Logger
	cfg     *config.Config
	db      *gorm.DB
	service *Service
	quotes  marketdata.Provider

	// running guarantees at most one concurrent sweep even if the external
	// scheduler double-fires.
	running atomic.Bool
	ceiling int
}

// NewSentinel creates the stop-loss sentinel.
func NewSentinel(logger *zap.Logger, cfg *config.Config, db *gorm.DB, service *Service, quotes marketdata.Provider) *Sentinel {
	ceiling := cfg.Monitor.EscalationCeiling
	if ceiling <= 0 {
		ceiling = 5
	}
	return &Sentinel{
		logger:  logger.Named("sentinel"),
		cfg:     cfg,
		db:      db,
		service: service,
		quotes:  quotes,
		ceiling: ceiling,
	}
}

// Run starts the sentinel's recurring loop.
func (s *Sentinel) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Monitor.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting stop-loss sentinel", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping stop-loss sentinel...")
			return
		case <-ticker.C:
			result, err := s.MonitorTick(ctx)
			if err != nil {
				s.logger.Error("Sentinel sweep failed", zap.Error(err))
				continue
			}
			s.logger.Info("Sentinel sweep complete",
				zap.Int("checked", result.Checked),
				zap.Int("triggered", result.Triggered),
				zap.Int("failed", result.Failed),
			)
		}
	}
}

// MonitorTick performs one sweep: pull fills for orders still working at the
// broker, load protected open positions, compare against fresh quotes,
// trigger breached exits exactly once, and retry any force-close still
// outstanding from earlier ticks. A tick overlapping a running sweep returns
// immediately.
func (s *Sentinel) MonitorTick(ctx context.Context) (TickResult, error) {
	var result TickResult
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Sweep already in progress, skipping tick")
		return result, nil
	}
	defer s.running.Store(false)
	defer mtxSentinelTicks.Inc()

	s.refreshOpenOrders(ctx, &result)

	var orders []models.StopLossOrder
	err := s.db.WithContext(ctx).
		Where("status IN ? AND escalated = ?", []string{models.StopLossArmed, models.StopLossTriggered}, false).
		Find(&orders).Error
	if err != nil {
		return result, fmt.Errorf("failed to load protected positions: %w", err)
	}

	for _, slo := range orders {
		trade, terr := s.service.GetTrade(ctx, slo.TradeID)
		if terr != nil {
			s.logger.Error("Failed to load trade for stop-loss order",
				zap.Uint("stop_loss_id", slo.ID), zap.Error(terr))
			result.Failed++
			continue
		}

		switch slo.Status {
		case models.StopLossTriggered:
			switch {
			case slo.CloseTradeID == nil:
				// A force-close from an earlier tick is still outstanding.
				result.Checked++
				if !s.attemptClose(ctx, &slo, trade, trade.RequestedPrice) {
					result.Failed++
				}
			case !trade.IsTerminal():
				// The flattening order went out but the parent close never
				// committed; finish it.
				result.Checked++
				if !s.finishParentClose(ctx, &slo, trade) {
					result.Failed++
				}
			}
		case models.StopLossArmed:
			if !trade.IsOpenPosition() {
				continue
			}
			result.Checked++

			quote, qerr := s.quotes.GetQuote(ctx, trade.Symbol)
			if qerr != nil {
				// No price, no decision. Retry next cycle; never crash, never
				// guess.
				s.logger.Warn("Quote unavailable, skipping position this cycle",
					zap.String("symbol", trade.Symbol), zap.Error(qerr))
				continue
			}

			kind := breachKind(trade, &slo, quote.Price)
			if kind == "" {
				continue
			}

			if !s.trigger(ctx, &slo, kind) {
				continue // another sweep won the race
			}
			mtxStopTriggers.WithLabelValues(kind).Inc()
			result.Triggered++
			s.logger.Warn("Protective exit triggered",
				zap.Uint("trade_id", trade.ID),
				zap.String("symbol", trade.Symbol),
				zap.String("kind", kind),
				zap.String("price", quote.Price.String()),
				zap.String("stop_price", slo.StopPrice.String()),
			)

			if !s.attemptClose(ctx, &slo, trade, quote.Price) {
				result.Failed++
			}
		}
	}

	return result, nil
}

// refreshOpenOrders pulls execution reports for live orders that still have
// quantity working at the broker, so fills (and the stop-loss arming they
// carry) land without waiting for an inbound request.
func (s *Sentinel) refreshOpenOrders(ctx context.Context, result *TickResult) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("status IN ? AND broker_order_id <> '' AND is_simulation = ?",
			[]string{models.StatusSubmitted, models.StatusPartiallyFilled}, false).
		Find(&trades).Error
	if err != nil {
		s.logger.Error("Failed to load working orders for fill refresh", zap.Error(err))
		return
	}

	for _, trade := range trades {
		if _, err := s.service.RefreshFills(ctx, trade.ID); err != nil {
			s.logger.Error("Fill refresh failed",
				zap.Uint("trade_id", trade.ID), zap.Error(err))
			result.Failed++
		}
	}
}

// trigger flips an armed stop-loss order to triggered with a conditional
// update, so two overlapping sweeps cannot both claim the same breach.
func (s *Sentinel) trigger(ctx context.Context, slo *models.StopLossOrder, kind string) bool {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.StopLossOrder{}).
		Where("id = ? AND status = ?", slo.ID, models.StopLossArmed).
		Updates(map[string]interface{}{
			"status":       models.StopLossTriggered,
			"triggered_at": now,
			"trigger_kind": kind,
		})
	if res.Error != nil {
		s.logger.Error("Failed to trigger stop-loss order",
			zap.Uint("stop_loss_id", slo.ID), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	slo.Status = models.StopLossTriggered
	slo.TriggeredAt = &now
	slo.TriggerKind = kind
	return true
}

// attemptClose places the market order that flattens the position. On
// failure the stop-loss order stays triggered and the close is retried on
// the next tick, up to the escalation ceiling; after that an operator takes
// over and no further automatic placement happens.
func (s *Sentinel) attemptClose(ctx context.Context, slo *models.StopLossOrder, trade *models.Trade, refPrice decimal.Decimal) bool {
	if slo.CloseAttempts >= s.ceiling {
		s.escalate(ctx, slo, trade)
		return false
	}

	// A partially filled parent still has quantity working at the broker.
	// Cancel that remainder first, so it cannot keep filling after the trade
	// is closed.
	if trade.Status == models.StatusPartiallyFilled {
		halted, herr := s.service.HaltRemainder(ctx, trade.ID)
		if herr != nil {
			s.recordCloseFailure(ctx, slo, trade, herr)
			return false
		}
		trade = halted
	}

	reason := slo.TriggerKind
	if reason == "" {
		reason = "stop_loss"
	}
	closing, err := s.service.PlaceClosingOrder(ctx, trade, refPrice, reason)
	if err != nil {
		s.recordCloseFailure(ctx, slo, trade, err)
		return false
	}

	if uerr := s.db.WithContext(ctx).Model(slo).
		Update("close_trade_id", closing.ID).Error; uerr != nil {
		s.logger.Error("Failed to link close trade to stop-loss order", zap.Error(uerr))
	}

	if _, cerr := s.service.CloseParent(ctx, trade.ID, refPrice); cerr != nil {
		s.logger.Error("Failed to close parent trade after force-close",
			zap.Uint("trade_id", trade.ID), zap.Error(cerr))
		return false
	}

	s.logger.Info("Position flattened",
		zap.Uint("trade_id", trade.ID),
		zap.Uint("close_trade_id", closing.ID),
		zap.String("quantity", trade.FilledQuantity.String()),
	)
	return true
}

// finishParentClose settles a parent whose flattening order already went out
// but whose close never committed. Uses the closing trade's actual fill price
// when one is available.
func (s *Sentinel) finishParentClose(ctx context.Context, slo *models.StopLossOrder, trade *models.Trade) bool {
	refPrice := trade.RequestedPrice
	if closing, cerr := s.service.GetTrade(ctx, *slo.CloseTradeID); cerr == nil &&
		closing.AverageFillPrice.IsPositive() {
		refPrice = closing.AverageFillPrice
	}

	if _, err := s.service.CloseParent(ctx, trade.ID, refPrice); err != nil {
		s.logger.Error("Failed to close parent trade after force-close",
			zap.Uint("trade_id", trade.ID), zap.Error(err))
		return false
	}
	s.logger.Info("Parent close settled",
		zap.Uint("trade_id", trade.ID),
		zap.Uint("close_trade_id", *slo.CloseTradeID),
	)
	return true
}

// recordCloseFailure persists one failed close attempt against the ceiling.
func (s *Sentinel) recordCloseFailure(ctx context.Context, slo *models.StopLossOrder, trade *models.Trade, cause error) {
	mtxForceCloseFailures.Inc()
	slo.CloseAttempts++
	if uerr := s.db.WithContext(ctx).Model(slo).
		Update("close_attempts", slo.CloseAttempts).Error; uerr != nil {
		s.logger.Error("Failed to record close attempt", zap.Error(uerr))
	}
	s.logger.Error("CRITICAL: force-close failed, will retry next cycle",
		zap.Uint("trade_id", trade.ID),
		zap.Int("attempt", slo.CloseAttempts),
		zap.Int("ceiling", s.ceiling),
		zap.Error(cause),
	)
}

// escalate hands a repeatedly failing force-close to an operator.
func (s *Sentinel) escalate(ctx context.Context, slo *models.StopLossOrder, trade *models.Trade) {
	if slo.Escalated {
		return
	}
	slo.Escalated = true
	if err := s.db.WithContext(ctx).Model(slo).Update("escalated", true).Error; err != nil {
		s.logger.Error("Failed to flag escalation", zap.Error(err))
		return
	}
	mtxEscalations.Inc()
	s.logger.Error("CRITICAL: force-close exhausted retries, operator intervention required",
		zap.Uint("trade_id", trade.ID),
		zap.Uint("stop_loss_id", slo.ID),
		zap.Int("attempts", slo.CloseAttempts),
	)
}

// breachKind reports which protective exit a price crosses, if any. Adverse
// move against the position triggers the stop; a favorable cross of the
// take-profit target also flattens.
func breachKind(trade *models.Trade, slo *models.StopLossOrder, price decimal.Decimal) string {
	long := trade.Side == models.SideBuy
	if long {
		if price.LessThanOrEqual(slo.StopPrice) {
			return "stop_loss"
		}
		if trade.TakeProfitPrice.Valid && price.GreaterThanOrEqual(trade.TakeProfitPrice.Decimal) {
			return "take_profit"
		}
		return ""
	}
	if price.GreaterThanOrEqual(slo.StopPrice) {
		return "stop_loss"
	}
	if trade.TakeProfitPrice.Valid && price.LessThanOrEqual(trade.TakeProfitPrice.Decimal) {
		return "take_profit"
	}
	return ""
}
