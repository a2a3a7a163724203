package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"arbion-trader-go/internal/broker"
	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/marketdata"
	"arbion-trader-go/internal/models"
	"arbion-trader-go/internal/risk"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns the trade lifecycle: it validates a proposed order against the
// risk gate, places it at the broker, tracks fills, and handles cancellation.
// All trade mutation goes through a per-trade mutex plus an optimistic
// version check, so a user cancel racing the sentinel cannot corrupt state.
type Service struct {
	logger  *zap.Logger
	cfg     *config.Config
	db      *gorm.DB
	gateway broker.Gateway
	gate    *risk.Gate
	quotes  marketdata.Provider
	locks   sync.Map // trade id -> *sync.Mutex
}

// NewService creates the trading service.
func NewService(logger *zap.Logger, cfg *config.Config, db *gorm.DB, gateway broker.Gateway, gate *risk.Gate, quotes marketdata.Provider) *Service {
	return &Service{
		logger:  logger.Named("trader"),
		cfg:     cfg,
		db:      db,
		gateway: gateway,
		gate:    gate,
		quotes:  quotes,
	}
}

// OrderSubmission is the inbound order request from strategy or command
// collaborators.
type OrderSubmission struct {
	UserID          uint                `json:"user_id"`
	Provider        string              `json:"provider"`
	AccountHash     string              `json:"account_hash"`
	Symbol          string              `json:"symbol"`
	Side            string              `json:"side"`
	AssetClass      string              `json:"asset_class"`
	OrderType       string              `json:"order_type"`
	Quantity        decimal.Decimal     `json:"quantity"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	StopLossPrice   decimal.NullDecimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.NullDecimal `json:"take_profit_price"`
	Simulate        bool                `json:"simulate"`
}

// SubmitOrder is the sole entrypoint for new orders. The request is
// validated, priced, evaluated by the risk gate (fail-closed), persisted,
// and then placed at the broker. The returned trade is pending/submitted on
// success or denied/failed with the reason preserved.
func (s *Service) SubmitOrder(ctx context.Context, sub OrderSubmission) (*models.Trade, error) {
	req := broker.OrderRequest{
		UserID:        sub.UserID,
		AccountHash:   defaultStr(sub.AccountHash, s.cfg.Broker.AccountHash),
		ClientOrderID: uuid.NewString(),
		Symbol:        sub.Symbol,
		Side:          sub.Side,
		Quantity:      sub.Quantity,
		OrderType:     defaultStr(sub.OrderType, models.OrderTypeMarket),
		LimitPrice:    sub.LimitPrice,
		AssetClass:    defaultStr(sub.AssetClass, models.AssetClassEquity),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	refPrice, priceErr := s.referencePrice(ctx, req)

	// Snapshot before the new row exists so the proposed notional is not
	// counted twice by the concentration check.
	var snap *risk.PortfolioSnapshot
	if priceErr == nil {
		var snapErr error
		snap, snapErr = risk.SnapshotPortfolio(ctx, s.db, sub.UserID)
		if snapErr != nil {
			s.logger.Warn("Portfolio snapshot unavailable, risk gate will fail closed",
				zap.Uint("user_id", sub.UserID), zap.Error(snapErr))
			snap = nil
		}
	}

	trade := &models.Trade{
		UserID:            sub.UserID,
		Provider:          defaultStr(sub.Provider, s.cfg.Broker.Provider),
		Symbol:            req.Symbol,
		Side:              req.Side,
		AssetClass:        req.AssetClass,
		OrderType:         req.OrderType,
		RequestedQuantity: req.Quantity,
		RemainingQuantity: req.Quantity,
		RequestedPrice:    refPrice,
		Status:            models.StatusPending,
		ClientOrderID:     req.ClientOrderID,
		AccountHash:       req.AccountHash,
		StopLossPrice:     sub.StopLossPrice,
		TakeProfitPrice:   sub.TakeProfitPrice,
	}
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return nil, fmt.Errorf("failed to persist order request: %w", err)
	}

	if priceErr != nil {
		// Without a fresh price neither notional nor exposure is verifiable.
		rerr := &errs.RiskError{
			LimitType: errs.LimitUnverifiable,
			Detail:    "no fresh price for notional: " + priceErr.Error(),
		}
		return s.denyTrade(ctx, trade.ID, rerr)
	}

	notional := req.Quantity.Mul(refPrice)
	decision := s.gate.Evaluate(ctx, req, notional, snap)
	if !decision.Allowed {
		mtxRiskDenials.WithLabelValues(decision.Reason).Inc()
		mtxOrders.WithLabelValues(req.Side, "denied").Inc()
		return s.denyTrade(ctx, trade.ID, decision.Err)
	}

	if sub.Simulate || decision.ForceSimulation || s.cfg.Trading.DryRun {
		return s.submitSimulated(ctx, trade.ID, refPrice)
	}
	return s.placeAtBroker(ctx, trade.ID, req)
}

// CancelOrder cancels a non-terminal trade. Cancelling a terminal or fully
// executed trade is a no-op returning the unchanged trade: fills that
// happened are never "lost" to a late cancel.
func (s *Service) CancelOrder(ctx context.Context, tradeID uint) (*models.Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.IsTerminal() || trade.Status == models.StatusExecuted {
		return trade, nil
	}

	if trade.BrokerOrderID != "" && !trade.IsSimulation {
		if err := s.gateway.CancelOrder(ctx, trade.UserID, trade.AccountHash, trade.BrokerOrderID); err != nil {
			var be *errs.BrokerError
			if !(errors.As(err, &be) && be.Kind == errs.BrokerOrderNotFound) {
				return trade, fmt.Errorf("broker cancel failed: %w", err)
			}
			// Order unknown at the broker: nothing left to cancel there.
		}
		// Sweep executions once more so fills that landed before the cancel
		// are retained on the record.
		if reports, rerr := s.gateway.GetExecutions(ctx, trade.UserID, trade.AccountHash, trade.BrokerOrderID); rerr == nil {
			if aerr := s.applyReportsLocked(ctx, trade, reports); aerr != nil {
				return trade, aerr
			}
		} else {
			s.logger.Warn("Final execution sweep before cancel failed",
				zap.Uint("trade_id", trade.ID), zap.Error(rerr))
		}
		if trade.Status == models.StatusExecuted {
			return trade, nil // fully filled before the cancel landed
		}
	}

	// A concurrent mutation (a fill landing, a sentinel sweep) can bump the
	// version between the broker call and the commit; reload and retry rather
	// than surfacing the lost race.
	for attempt := 0; ; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if terr := transition(trade, models.StatusCancelled, time.Now()); terr != nil {
				return terr
			}
			if uerr := optimisticUpdate(tx, trade); uerr != nil {
				return uerr
			}
			// The position is gone; disarm any protective exit.
			return tx.Model(&models.StopLossOrder{}).
				Where("trade_id = ? AND status = ?", trade.ID, models.StopLossArmed).
				Update("status", models.StopLossCancelled).Error
		})
		if !errors.Is(err, errs.ErrVersionConflict) {
			break
		}
		if attempt >= 2 {
			return trade, err
		}
		if trade, err = s.loadTrade(ctx, tradeID); err != nil {
			return nil, err
		}
		if trade.IsTerminal() || trade.Status == models.StatusExecuted {
			return trade, nil
		}
	}
	if err != nil {
		return trade, err
	}

	s.logger.Info("Trade cancelled",
		zap.Uint("trade_id", trade.ID),
		zap.String("filled", trade.FilledQuantity.String()),
	)
	return trade, nil
}

// GetTrade returns a snapshot of a trade for reporting collaborators.
func (s *Service) GetTrade(ctx context.Context, tradeID uint) (*models.Trade, error) {
	return s.loadTrade(ctx, tradeID)
}

// RefreshFills pulls the broker's execution reports for a trade and applies
// them in broker-reported order. Duplicates are idempotently ignored.
func (s *Service) RefreshFills(ctx context.Context, tradeID uint) (*models.Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.BrokerOrderID == "" || trade.IsSimulation || trade.IsTerminal() {
		return trade, nil
	}

	reports, err := s.gateway.GetExecutions(ctx, trade.UserID, trade.AccountHash, trade.BrokerOrderID)
	if err != nil {
		return trade, err
	}
	if err := s.applyReportsLocked(ctx, trade, reports); err != nil {
		return trade, err
	}
	return trade, nil
}

// HaltRemainder cancels whatever quantity of a trade is still resting at the
// broker and sweeps its final executions, without touching the filled portion.
// The sentinel calls this on a partially filled parent before flattening, so
// the resting remainder cannot keep filling once the position is closed.
func (s *Service) HaltRemainder(ctx context.Context, tradeID uint) (*models.Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.BrokerOrderID == "" || trade.IsSimulation ||
		trade.IsTerminal() || trade.Status == models.StatusExecuted {
		return trade, nil
	}

	if err := s.gateway.CancelOrder(ctx, trade.UserID, trade.AccountHash, trade.BrokerOrderID); err != nil {
		var be *errs.BrokerError
		if !(errors.As(err, &be) && be.Kind == errs.BrokerOrderNotFound) {
			return trade, fmt.Errorf("failed to halt resting remainder: %w", err)
		}
	}

	reports, rerr := s.gateway.GetExecutions(ctx, trade.UserID, trade.AccountHash, trade.BrokerOrderID)
	if rerr != nil {
		s.logger.Warn("Final execution sweep after halt failed",
			zap.Uint("trade_id", trade.ID), zap.Error(rerr))
		return trade, nil
	}
	if aerr := s.applyReportsLocked(ctx, trade, reports); aerr != nil {
		return trade, aerr
	}

	s.logger.Info("Resting remainder halted",
		zap.Uint("trade_id", trade.ID),
		zap.String("filled", trade.FilledQuantity.String()),
		zap.String("remaining", trade.RemainingQuantity.String()),
	)
	return trade, nil
}

// PlaceClosingOrder issues the market order that flattens a position. Used by
// the sentinel after a stop-loss or take-profit trigger; closing risk is
// always permitted, so the risk gate is bypassed, but the order still goes
// through the broker gateway.
func (s *Service) PlaceClosingOrder(ctx context.Context, parent *models.Trade, refPrice decimal.Decimal, reason string) (*models.Trade, error) {
	req := broker.OrderRequest{
		UserID:        parent.UserID,
		AccountHash:   parent.AccountHash,
		ClientOrderID: uuid.NewString(),
		Symbol:        parent.Symbol,
		Side:          oppositeSide(parent.Side),
		Quantity:      parent.FilledQuantity,
		OrderType:     models.OrderTypeMarket,
		AssetClass:    parent.AssetClass,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	closing := &models.Trade{
		UserID:            parent.UserID,
		Provider:          parent.Provider,
		Symbol:            req.Symbol,
		Side:              req.Side,
		AssetClass:        req.AssetClass,
		OrderType:         req.OrderType,
		RequestedQuantity: req.Quantity,
		RemainingQuantity: req.Quantity,
		RequestedPrice:    refPrice,
		Status:            models.StatusPending,
		ClientOrderID:     req.ClientOrderID,
		AccountHash:       req.AccountHash,
		IsSimulation:      parent.IsSimulation,
		Notes:             fmt.Sprintf("force close of trade %d (%s)", parent.ID, reason),
	}
	if err := s.db.WithContext(ctx).Create(closing).Error; err != nil {
		return nil, fmt.Errorf("failed to persist closing order: %w", err)
	}

	if closing.IsSimulation {
		return s.submitSimulated(ctx, closing.ID, refPrice)
	}
	return s.placeAtBroker(ctx, closing.ID, req)
}

// CloseParent marks the parent trade closed after its position was flattened
// and records the realized P&L against the close price.
func (s *Service) CloseParent(ctx context.Context, parentID uint, closePrice decimal.Decimal) (*models.Trade, error) {
	return s.mutateTrade(ctx, parentID, func(_ *gorm.DB, trade *models.Trade) error {
		pnl := closePrice.Sub(trade.AverageFillPrice).Mul(trade.FilledQuantity)
		if trade.Side == models.SideSell {
			pnl = pnl.Neg()
		}
		trade.RealizedPnL = pnl.Sub(trade.Fees)
		return transition(trade, models.StatusClosed, time.Now())
	})
}

// referencePrice resolves the price the notional is computed against: the
// limit price when given, otherwise a fresh quote.
func (s *Service) referencePrice(ctx context.Context, req broker.OrderRequest) (decimal.Decimal, error) {
	if req.LimitPrice.Valid {
		return req.LimitPrice.Decimal, nil
	}
	quote, err := s.quotes.GetQuote(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.Price, nil
}

// placeAtBroker submits the order. Idempotent at the trade layer: a trade
// already holding a broker order id is never resubmitted. Any placement
// failure surviving the gateway's bounded retries is terminal for the trade,
// with the last error preserved.
func (s *Service) placeAtBroker(ctx context.Context, tradeID uint, req broker.OrderRequest) (*models.Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.loadTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.BrokerOrderID != "" {
		return trade, nil
	}

	resp, perr := s.gateway.PlaceOrder(ctx, req)
	if perr != nil {
		mtxOrders.WithLabelValues(req.Side, "failed").Inc()
		trade.LastError = perr.Error()
		if terr := transition(trade, models.StatusFailed, time.Now()); terr != nil {
			return trade, terr
		}
		if uerr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return optimisticUpdate(tx, trade)
		}); uerr != nil {
			return trade, uerr
		}
		s.logger.Error("Order placement failed, trade marked failed",
			zap.Uint("trade_id", trade.ID), zap.Error(perr))
		return trade, perr
	}

	trade.BrokerOrderID = resp.OrderID
	if terr := transition(trade, models.StatusSubmitted, time.Now()); terr != nil {
		return trade, terr
	}
	if uerr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return optimisticUpdate(tx, trade)
	}); uerr != nil {
		return trade, uerr
	}

	mtxOrders.WithLabelValues(req.Side, "submitted").Inc()
	s.logger.Info("Order submitted",
		zap.Uint("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("broker_order_id", trade.BrokerOrderID),
	)
	return trade, nil
}

// submitSimulated runs the lifecycle without a broker: the order is accepted
// and immediately filled in full at the reference price, so every downstream
// component (fill tracking, stop-loss arming, the sentinel) sees a real
// trade.
func (s *Service) submitSimulated(ctx context.Context, tradeID uint, refPrice decimal.Decimal) (*models.Trade, error) {
	trade, err := s.mutateTrade(ctx, tradeID, func(tx *gorm.DB, trade *models.Trade) error {
		trade.IsSimulation = true
		trade.BrokerOrderID = "sim-" + trade.ClientOrderID
		if terr := transition(trade, models.StatusSubmitted, time.Now()); terr != nil {
			return terr
		}
		report := broker.ExecutionReport{
			ExecutionID: "sim-fill-" + trade.ClientOrderID,
			Quantity:    trade.RequestedQuantity,
			Price:       refPrice,
			Sequence:    1,
			Time:        time.Now(),
		}
		applied, aerr := applyExecution(tx, trade, report)
		if aerr != nil {
			return aerr
		}
		if applied {
			mtxFills.Inc()
		}
		return nil
	})
	if err != nil {
		return trade, err
	}
	mtxOrders.WithLabelValues(trade.Side, "simulated").Inc()
	return trade, nil
}

// applyReportsLocked applies execution reports in order. Caller holds the
// trade lock. Stops at the first invariant violation; applied fills stay
// applied.
func (s *Service) applyReportsLocked(ctx context.Context, trade *models.Trade, reports []broker.ExecutionReport) error {
	for _, report := range reports {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			applied, aerr := applyExecution(tx, trade, report)
			if aerr != nil {
				return aerr
			}
			if !applied {
				return nil
			}
			mtxFills.Inc()
			return optimisticUpdate(tx, trade)
		})
		if err != nil {
			var iv *errs.InvariantViolation
			if errors.As(err, &iv) {
				s.logger.Error("Fill application halted for manual review",
					zap.Uint("trade_id", trade.ID), zap.Error(iv))
			}
			return err
		}
	}
	return nil
}

// denyTrade finalizes a risk-denied order.
func (s *Service) denyTrade(ctx context.Context, tradeID uint, cause error) (*models.Trade, error) {
	trade, err := s.mutateTrade(ctx, tradeID, func(_ *gorm.DB, trade *models.Trade) error {
		trade.LastError = cause.Error()
		return transition(trade, models.StatusDenied, time.Now())
	})
	if err != nil {
		return trade, err
	}
	return trade, cause
}

// mutateTrade runs fn against a freshly loaded trade under the per-trade
// lock, persisting with an optimistic version check and retrying a lost race
// against a concurrent process.
func (s *Service) mutateTrade(ctx context.Context, tradeID uint, fn func(tx *gorm.DB, trade *models.Trade) error) (*models.Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		trade, err := s.loadTrade(ctx, tradeID)
		if err != nil {
			return nil, err
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if ferr := fn(tx, trade); ferr != nil {
				return ferr
			}
			return optimisticUpdate(tx, trade)
		})
		if errors.Is(err, errs.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return trade, err
		}
		return trade, nil
	}
	return nil, errs.ErrVersionConflict
}

func (s *Service) loadTrade(ctx context.Context, tradeID uint) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.WithContext(ctx).First(&trade, tradeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to load trade %d: %w", tradeID, err)
	}
	return &trade, nil
}

// lockTrade acquires the per-trade mutex and returns the unlock func.
func (s *Service) lockTrade(tradeID uint) func() {
	v, _ := s.locks.LoadOrStore(tradeID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// optimisticUpdate persists all trade fields guarded by the version column.
func optimisticUpdate(tx *gorm.DB, trade *models.Trade) error {
	prev := trade.LockVersion
	trade.LockVersion = prev + 1
	res := tx.Model(&models.Trade{}).
		Where("id = ? AND lock_version = ?", trade.ID, prev).
		Select("*").
		Omit("id", "created_at").
		Updates(trade)
	if res.Error != nil {
		trade.LockVersion = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		trade.LockVersion = prev
		return errs.ErrVersionConflict
	}
	return nil
}

func oppositeSide(side string) string {
	if side == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}

func defaultStr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
