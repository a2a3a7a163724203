package broker

import (
	"strings"
	"time"

	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
)

// OrderRequest is the closed variant type carried between the trading core
// and the gateway. The asset class selects the per-integration wire payload;
// no untyped maps cross layer boundaries.
type OrderRequest struct {
	UserID        uint
	AccountHash   string
	ClientOrderID string
	Symbol        string
	Side          string // models.SideBuy or models.SideSell
	Quantity      decimal.Decimal
	OrderType     string // models.OrderTypeMarket or models.OrderTypeLimit
	LimitPrice    decimal.NullDecimal
	AssetClass    string // models.AssetClassEquity or models.AssetClassCrypto
}

// PlaceOrderResponse is the broker's acknowledgement of a new or replaced order.
type PlaceOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// ExecutionReport is one broker-reported fill. Sequence is the broker's own
// ordering; reports must be applied to a trade in increasing sequence.
type ExecutionReport struct {
	ExecutionID string          `json:"execution_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Sequence    int64           `json:"sequence"`
	Time        time.Time       `json:"time"`
}

// equityOrderPayload is the equity integration's order shape
// (leg-collection style, as used by the Schwab trader API).
type equityOrderPayload struct {
	ClientOrderID     string           `json:"clientOrderId"`
	OrderType         string           `json:"orderType"`
	Session           string           `json:"session"`
	Duration          string           `json:"duration"`
	OrderStrategyType string           `json:"orderStrategyType"`
	Price             string           `json:"price,omitempty"`
	OrderLegs         []equityOrderLeg `json:"orderLegCollection"`
}

type equityOrderLeg struct {
	Instruction string           `json:"instruction"`
	Quantity    string           `json:"quantity"`
	Instrument  equityInstrument `json:"instrument"`
}

type equityInstrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

// cryptoOrderPayload is the crypto integration's flat order shape.
type cryptoOrderPayload struct {
	ClientOrderID string `json:"client_order_id"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	BaseSize      string `json:"base_size"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

// payload serializes the request for its integration. Unknown asset classes
// are rejected here so nothing malformed reaches the wire.
func (r OrderRequest) payload() (interface{}, error) {
	switch r.AssetClass {
	case models.AssetClassEquity:
		p := equityOrderPayload{
			ClientOrderID:     r.ClientOrderID,
			OrderType:         strings.ToUpper(r.OrderType),
			Session:           "NORMAL",
			Duration:          "DAY",
			OrderStrategyType: "SINGLE",
			OrderLegs: []equityOrderLeg{{
				Instruction: strings.ToUpper(r.Side),
				Quantity:    r.Quantity.String(),
				Instrument:  equityInstrument{Symbol: r.Symbol, AssetType: "EQUITY"},
			}},
		}
		if r.LimitPrice.Valid {
			p.Price = r.LimitPrice.Decimal.String()
		}
		return p, nil
	case models.AssetClassCrypto:
		p := cryptoOrderPayload{
			ClientOrderID: r.ClientOrderID,
			ProductID:     r.Symbol,
			Side:          strings.ToUpper(r.Side),
			Type:          strings.ToUpper(r.OrderType),
			BaseSize:      r.Quantity.String(),
		}
		if r.LimitPrice.Valid {
			p.LimitPrice = r.LimitPrice.Decimal.String()
		}
		return p, nil
	default:
		return nil, &errs.ValidationError{Field: "asset_class", Reason: "unsupported: " + r.AssetClass}
	}
}

// Validate checks the fields every integration requires.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return &errs.ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if r.Side != models.SideBuy && r.Side != models.SideSell {
		return &errs.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !r.Quantity.IsPositive() {
		return &errs.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if r.OrderType == models.OrderTypeLimit && !r.LimitPrice.Valid {
		return &errs.ValidationError{Field: "limit_price", Reason: "required for limit orders"}
	}
	if _, err := r.payload(); err != nil {
		return err
	}
	return nil
}
