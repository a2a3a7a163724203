package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbion-trader-go/internal/broker"
	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Decision is the outcome of one risk evaluation. When Allowed is false, Err
// carries the structured RiskError naming the breached limit.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error

	// ForceSimulation is set when the user's risk config pins them to
	// simulation mode; the caller must not route the order to a live broker.
	ForceSimulation bool
}

// PortfolioSnapshot is the exposure view the concentration check runs
// against. Derived on demand, never cached across evaluations.
type PortfolioSnapshot struct {
	TotalValue     decimal.Decimal
	SymbolExposure map[string]decimal.Decimal
	AsOf           time.Time
}

// Gate evaluates proposed orders against per-user limits before anything
// reaches a broker. It has no side effects beyond the audit record and is
// fail-closed: any failure to obtain limits or exposure yields Deny.
type Gate struct {
	db       *gorm.DB
	defaults *config.Risk
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates a risk gate. When defaults is non-nil, a user trading for
// the first time gets a limit row seeded from it; with nil defaults an
// unconfigured user is denied outright.
func NewGate(db *gorm.DB, defaults *config.Risk, logger *zap.Logger) *Gate {
	return &Gate{db: db, defaults: defaults, logger: logger.Named("risk"), now: time.Now}
}

var hundred = decimal.NewFromInt(100)

// Evaluate runs the limit checks in order, short-circuiting on the first
// failure: position size, concentration, rolling 24h trade count, market
// state. The 24h count is a windowed query over durable trade rows executed
// at evaluation time.
func (g *Gate) Evaluate(ctx context.Context, req broker.OrderRequest, notional decimal.Decimal, snap *PortfolioSnapshot) Decision {
	var cfg models.RiskLimitConfig
	err := g.db.WithContext(ctx).Where("user_id = ?", req.UserID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) && g.defaults != nil {
		cfg, err = g.seedDefaults(ctx, req.UserID)
	}
	if err != nil {
		// No config means no verified limits. Never allow.
		reason := "risk configuration unavailable"
		if errors.Is(err, gorm.ErrRecordNotFound) {
			reason = "no risk configuration for user"
		}
		return g.deny(ctx, req, notional, &errs.RiskError{LimitType: errs.LimitUnverifiable, Detail: reason})
	}

	// 1. Position size.
	if notional.GreaterThan(cfg.MaxPositionValue) {
		return g.deny(ctx, req, notional, &errs.RiskError{
			LimitType: errs.LimitPositionSize,
			Current:   notional,
			Limit:     cfg.MaxPositionValue,
		})
	}

	// 2. Concentration. A missing or empty snapshot is unverifiable exposure.
	if snap == nil || !snap.TotalValue.IsPositive() {
		return g.deny(ctx, req, notional, &errs.RiskError{
			LimitType: errs.LimitUnverifiable,
			Detail:    "portfolio snapshot unavailable",
		})
	}
	exposure := snap.SymbolExposure[req.Symbol].Add(notional)
	concentrationPct := exposure.Div(snap.TotalValue).Mul(hundred)
	if concentrationPct.GreaterThan(cfg.MaxConcentrationPct) {
		return g.deny(ctx, req, notional, &errs.RiskError{
			LimitType: errs.LimitConcentration,
			Current:   concentrationPct,
			Limit:     cfg.MaxConcentrationPct,
		})
	}

	// 3. Rolling 24h trade count, a windowed query over durable trade rows.
	// The proposed order's own pending row is already in the count. Denied
	// orders never reached a broker and failed orders hold no position;
	// neither consumes the budget.
	windowStart := g.now().Add(-24 * time.Hour)
	var count int64
	err = g.db.WithContext(ctx).Model(&models.Trade{}).
		Where("user_id = ? AND created_at >= ? AND status NOT IN ?",
			req.UserID, windowStart, []string{models.StatusDenied, models.StatusFailed}).
		Count(&count).Error
	if err != nil {
		return g.deny(ctx, req, notional, &errs.RiskError{
			LimitType: errs.LimitUnverifiable,
			Detail:    fmt.Sprintf("daily trade count unavailable: %v", err),
		})
	}
	if count > int64(cfg.MaxDailyTrades) {
		return g.deny(ctx, req, notional, &errs.RiskError{
			LimitType: errs.LimitDailyTrades,
			Current:   decimal.NewFromInt(count),
			Limit:     decimal.NewFromInt(int64(cfg.MaxDailyTrades)),
		})
	}

	// 4. Market state. Crypto trades around the clock.
	if cfg.EnforceMarketHours && req.AssetClass == models.AssetClassEquity && !marketOpen(g.now()) {
		return g.deny(ctx, req, notional, &errs.RiskError{
			LimitType: errs.LimitMarketClosed,
			Detail:    "outside equity trading hours",
		})
	}

	g.audit(ctx, req, notional, models.DecisionAllow, "")
	return Decision{Allowed: true, ForceSimulation: cfg.SimulationOnly}
}

// seedDefaults provisions the conservative fallback limits for a user with no
// configured row. FirstOrCreate keeps a concurrent first order from writing
// two rows; whichever row lands is the one both evaluations read.
func (g *Gate) seedDefaults(ctx context.Context, userID uint) (models.RiskLimitConfig, error) {
	cfg := models.RiskLimitConfig{
		UserID:              userID,
		MaxPositionValue:    decimal.NewFromFloat(g.defaults.DefaultMaxPositionValue),
		MaxConcentrationPct: decimal.NewFromFloat(g.defaults.DefaultMaxConcentrationPct),
		MaxDailyTrades:      g.defaults.DefaultMaxDailyTrades,
		EnforceMarketHours:  true,
	}
	err := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Attrs(cfg).
		FirstOrCreate(&cfg).Error
	if err != nil {
		return cfg, fmt.Errorf("failed to seed default risk limits: %w", err)
	}
	g.logger.Info("Seeded default risk limits for new user",
		zap.Uint("user_id", userID),
		zap.String("max_position_value", cfg.MaxPositionValue.String()),
	)
	return cfg, nil
}

func (g *Gate) deny(ctx context.Context, req broker.OrderRequest, notional decimal.Decimal, rerr *errs.RiskError) Decision {
	g.logger.Warn("Order denied by risk gate",
		zap.Uint("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("limit_type", rerr.LimitType),
		zap.Error(rerr),
	)
	g.audit(ctx, req, notional, models.DecisionDeny, rerr.Error())
	return Decision{Allowed: false, Reason: rerr.LimitType, Err: rerr}
}

func (g *Gate) audit(ctx context.Context, req broker.OrderRequest, notional decimal.Decimal, decision, reason string) {
	record := models.RiskAudit{
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Notional: notional,
		Decision: decision,
		Reason:   reason,
	}
	if err := g.db.WithContext(ctx).Create(&record).Error; err != nil {
		// The audit record is best-effort; the decision itself already stands.
		g.logger.Error("Failed to write risk audit record", zap.Error(err))
	}
}

// nyse is resolved once; equities in scope trade on US exchanges.
var nyse = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// marketOpen reports whether t falls inside regular US equity trading hours.
func marketOpen(t time.Time) bool {
	et := t.In(nyse)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
