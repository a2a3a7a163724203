package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/errs"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Gateway is the adapter boundary to the external brokerage. All calls are
// synchronous, bounded by the configured timeout, and surface classified
// errors from internal/errs.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, userID uint, accountHash, orderID string) error
	ReplaceOrder(ctx context.Context, userID uint, accountHash, orderID string, req OrderRequest) (*PlaceOrderResponse, error)
	GetExecutions(ctx context.Context, userID uint, accountHash, orderID string) ([]ExecutionReport, error)
}

// RestGateway is the HTTP implementation of Gateway.
// It implements the retry/backoff/error-classification policy around the
// broker's place/cancel/replace/status calls.
type RestGateway struct {
	client     *resty.Client
	provider   string
	creds      CredentialProvider
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
}

// ensure RestGateway implements the interface
var _ Gateway = (*RestGateway)(nil)

// NewRestGateway creates a new broker gateway from config.
func NewRestGateway(cfg *config.Broker, creds CredentialProvider, logger *zap.Logger) *RestGateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &RestGateway{
		client:     client,
		provider:   cfg.Provider,
		creds:      creds,
		logger:     logger.Named("broker"),
		limiter:    limiter,
		maxRetries: maxRetries,
	}
}

// doRequest executes one broker call with rate limiting, bounded retries with
// exponential backoff for transient failures, and exactly one transparent
// credential refresh on an auth rejection. A timeout is treated as a
// retryable connection error, never as success.
func (g *RestGateway) doRequest(ctx context.Context, userID uint, method, url string, body, result interface{}) (*resty.Response, error) {
	var lastErr error
	refreshed := false

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		// Wait for the rate limiter
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		token, err := g.creds.GetValidCredential(ctx, userID, g.provider)
		if err != nil {
			return nil, fmt.Errorf("no valid credential for user %d: %w", userID, err)
		}

		req := g.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json")
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}

		g.logger.Debug("Executing broker request",
			zap.String("method", method),
			zap.String("url", g.client.BaseURL+url),
			zap.Int("attempt", attempt+1),
		)
		resp, err := req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		var brokerErr *errs.BrokerError
		if err != nil {
			// Network failure or timeout; nothing confirmed on the broker side.
			brokerErr = &errs.BrokerError{
				Provider: g.provider,
				Kind:     errs.BrokerConnection,
				Message:  err.Error(),
			}
		} else {
			var retryAfter time.Duration
			if resp.StatusCode() == http.StatusTooManyRequests {
				if seconds, aerr := strconv.Atoi(resp.Header().Get("Retry-After")); aerr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			}
			brokerErr = errs.ClassifyHTTPStatus(g.provider, resp.StatusCode(), resp.String(), retryAfter)
		}
		lastErr = brokerErr

		if errs.IsAuthFailure(brokerErr) {
			if refreshed {
				return nil, fmt.Errorf("%w: %s", errs.ErrReauthRequired, brokerErr.Error())
			}
			refreshed = true
			g.logger.Warn("Broker rejected credential, refreshing once",
				zap.Uint("user_id", userID), zap.Error(brokerErr))
			if ierr := g.creds.Invalidate(ctx, userID, g.provider); ierr != nil {
				g.logger.Error("Failed to invalidate credential", zap.Error(ierr))
			}
			attempt-- // the refreshed retry does not consume a transient-retry slot
			continue
		}

		if !brokerErr.Retryable() {
			return nil, brokerErr
		}

		retryAfter := brokerErr.RetryAfter
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(1<<uint(attempt)) * time.Second
		}

		g.logger.Warn("Broker request failed, retrying...",
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(brokerErr),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("broker request failed after %d attempts: %w", g.maxRetries, lastErr)
}

// PlaceOrder submits a new order and returns the broker's order id.
func (g *RestGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResponse, error) {
	body, err := req.payload()
	if err != nil {
		return nil, err
	}

	var result PlaceOrderResponse
	url := fmt.Sprintf("/accounts/%s/orders", req.AccountHash)
	if _, err := g.doRequest(ctx, req.UserID, "POST", url, body, &result); err != nil {
		g.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", req.Symbol),
			zap.String("client_order_id", req.ClientOrderID),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	g.logger.Info("Order placed at broker",
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.String("broker_order_id", result.OrderID),
	)
	return &result, nil
}

// CancelOrder cancels an open broker order.
func (g *RestGateway) CancelOrder(ctx context.Context, userID uint, accountHash, orderID string) error {
	url := fmt.Sprintf("/accounts/%s/orders/%s", accountHash, orderID)
	if _, err := g.doRequest(ctx, userID, "DELETE", url, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// ReplaceOrder replaces an open order with new terms. The broker assigns a
// new order id; the old one is no longer valid.
func (g *RestGateway) ReplaceOrder(ctx context.Context, userID uint, accountHash, orderID string, req OrderRequest) (*PlaceOrderResponse, error) {
	body, err := req.payload()
	if err != nil {
		return nil, err
	}

	var result PlaceOrderResponse
	url := fmt.Sprintf("/accounts/%s/orders/%s", accountHash, orderID)
	if _, err := g.doRequest(ctx, userID, "PUT", url, body, &result); err != nil {
		return nil, fmt.Errorf("failed to replace order %s: %w", orderID, err)
	}
	return &result, nil
}

// executionsResponse is the broker's execution-report envelope.
type executionsResponse struct {
	Executions []ExecutionReport `json:"executions"`
}

// GetExecutions fetches the fill events for an order in broker-reported order.
func (g *RestGateway) GetExecutions(ctx context.Context, userID uint, accountHash, orderID string) ([]ExecutionReport, error) {
	var result executionsResponse
	url := fmt.Sprintf("/accounts/%s/orders/%s/executions", accountHash, orderID)
	if _, err := g.doRequest(ctx, userID, "GET", url, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get executions for order %s: %w", orderID, err)
	}
	return result.Executions, nil
}
