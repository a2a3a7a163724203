// Package errs defines the error taxonomy for the trading core. Callers
// classify with errors.As/Is; only transient broker errors are ever retried
// automatically, everything else surfaces with a structured reason.
package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError rejects an order request before it reaches the risk gate
// or a broker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// Risk limit kinds.
const (
	LimitPositionSize  = "position_size"
	LimitConcentration = "concentration"
	LimitDailyTrades   = "daily_trades"
	LimitMarketClosed  = "market_closed"
	LimitUnverifiable  = "unverifiable"
)

// RiskError is returned by the risk gate when a limit is breached, or when
// limits cannot be verified (fail-closed). Never downgraded or retried.
type RiskError struct {
	LimitType string
	Current   decimal.Decimal
	Limit     decimal.Decimal
	Detail    string
}

func (e *RiskError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("risk limit %s: %s", e.LimitType, e.Detail)
	}
	return fmt.Sprintf("risk limit %s exceeded: current %s, limit %s",
		e.LimitType, e.Current.String(), e.Limit.String())
}

// Broker error kinds, classified from the broker's HTTP responses.
type BrokerErrorKind string

const (
	BrokerInsufficientFunds BrokerErrorKind = "insufficient_funds"
	BrokerInvalidOrder      BrokerErrorKind = "invalid_order"
	BrokerMarketClosed      BrokerErrorKind = "market_closed"
	BrokerAuthentication    BrokerErrorKind = "authentication"
	BrokerTokenExpired      BrokerErrorKind = "token_expired"
	BrokerRateLimited       BrokerErrorKind = "rate_limited"
	BrokerConnection        BrokerErrorKind = "connection"
	BrokerOrderNotFound     BrokerErrorKind = "order_not_found"
	BrokerUnknown           BrokerErrorKind = "unknown"
)

// BrokerError wraps a failure from the brokerage API.
type BrokerError struct {
	Provider   string
	Kind       BrokerErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s broker error (%s): %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s broker error (%s), status %d", e.Provider, e.Kind, e.StatusCode)
}

// Retryable reports whether the failure is transient. Only rate limiting and
// connection-class failures retry; auth failures get exactly one transparent
// credential refresh, which the gateway handles separately.
func (e *BrokerError) Retryable() bool {
	return e.Kind == BrokerRateLimited || e.Kind == BrokerConnection
}

// InvariantViolation marks financial state that cannot be auto-corrected:
// out-of-order fills, overfills, illegal status transitions. The affected
// trade is halted for manual review.
type InvariantViolation struct {
	TradeID uint
	Reason  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on trade %d: %s", e.TradeID, e.Reason)
}

// StaleDataError is returned when a quote is too old to act on.
type StaleDataError struct {
	Symbol string
	Age    time.Duration
	MaxAge time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("market data for %s is stale: age %s, max %s", e.Symbol, e.Age, e.MaxAge)
}

// Sentinel errors.
var (
	// ErrDataNotAvailable means the market-data collaborator has no quote for
	// the symbol. The sentinel skips the cycle and retries on the next tick.
	ErrDataNotAvailable = errors.New("market data not available")

	// ErrReauthRequired surfaces after the single transparent credential
	// refresh also fails; the user must re-authenticate with the provider.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrTradeNotFound is returned for unknown trade ids.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrVersionConflict signals a lost optimistic-lock race on a trade row;
	// the mutation is retried against a fresh read.
	ErrVersionConflict = errors.New("concurrent trade modification")
)

// ClassifyHTTPStatus maps a broker HTTP response to a BrokerError, following
// the status conventions shared by the supported brokerages.
func ClassifyHTTPStatus(provider string, status int, message string, retryAfter time.Duration) *BrokerError {
	kind := BrokerUnknown
	switch {
	case status == 401:
		kind = BrokerTokenExpired
	case status == 402:
		kind = BrokerInsufficientFunds
	case status == 403:
		kind = BrokerAuthentication
	case status == 404:
		kind = BrokerOrderNotFound
	case status == 422:
		kind = BrokerInvalidOrder
	case status == 429:
		kind = BrokerRateLimited
	case status >= 500:
		kind = BrokerConnection
	case status == 400:
		kind = BrokerInvalidOrder
	}
	return &BrokerError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: status,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// IsRetryableBroker reports whether err is a transient broker failure.
func IsRetryableBroker(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Retryable()
}

// IsAuthFailure reports whether err is an authentication-class broker failure
// eligible for the single transparent credential refresh.
func IsAuthFailure(err error) bool {
	var be *BrokerError
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == BrokerAuthentication || be.Kind == BrokerTokenExpired
}
