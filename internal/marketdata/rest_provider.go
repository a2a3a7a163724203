package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/errs"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// RestProvider fetches quotes from the market-data service over HTTP.
type RestProvider struct {
	client *resty.Client
	maxAge time.Duration
	logger *zap.Logger
}

var _ Provider = (*RestProvider)(nil)

// NewRestProvider creates a quote provider from config.
func NewRestProvider(cfg *config.MarketData, logger *zap.Logger) *RestProvider {
	return &RestProvider{
		client: resty.New().SetBaseURL(cfg.BaseURL),
		maxAge: time.Duration(cfg.MaxQuoteAgeSeconds) * time.Second,
		logger: logger.Named("marketdata"),
	}
}

// GetQuote fetches the latest quote for a symbol and rejects stale data.
func (p *RestProvider) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var quote Quote

	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&quote).
		SetQueryParam("symbol", symbol).
		Get("/quotes")
	if err != nil {
		return nil, fmt.Errorf("quote request for %s failed: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", errs.ErrDataNotAvailable, symbol)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quote request for %s failed with status %s", symbol, resp.Status())
	}

	if !quote.Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s returned non-positive price", errs.ErrDataNotAvailable, symbol)
	}

	if age := time.Since(quote.Timestamp); age > p.maxAge {
		p.logger.Warn("Rejecting stale quote",
			zap.String("symbol", symbol),
			zap.Duration("age", age),
		)
		return nil, &errs.StaleDataError{Symbol: symbol, Age: age, MaxAge: p.maxAge}
	}

	return &quote, nil
}
