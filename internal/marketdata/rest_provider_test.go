package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arbion-trader-go/internal/config"
	"arbion-trader-go/internal/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func setupProvider(handler http.Handler) (*RestProvider, *httptest.Server) {
	server := httptest.NewServer(handler)
	p := NewRestProvider(&config.MarketData{
		BaseURL:            server.URL,
		MaxQuoteAgeSeconds: 60,
	}, zap.NewNop())
	return p, server
}

func TestGetQuote_Success(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quotes", r.URL.Path)
		assert.Equal(t, "ACME", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbol": "ACME", "price": "10.50", "timestamp": %q}`,
			time.Now().Format(time.RFC3339))
	})
	p, server := setupProvider(handler)
	defer server.Close()

	// Act
	quote, err := p.GetQuote(context.Background(), "ACME")

	// Assert
	assert.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.RequireFromString("10.50")))
}

func TestGetQuote_NotFound(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	p, server := setupProvider(handler)
	defer server.Close()

	// Act
	_, err := p.GetQuote(context.Background(), "NOPE")

	// Assert
	assert.ErrorIs(t, err, errs.ErrDataNotAvailable)
}

func TestGetQuote_StaleRejected(t *testing.T) {
	// Arrange: a quote two hours old against a 60s freshness bound.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbol": "ACME", "price": "10.50", "timestamp": %q}`,
			time.Now().Add(-2*time.Hour).Format(time.RFC3339))
	})
	p, server := setupProvider(handler)
	defer server.Close()

	// Act
	_, err := p.GetQuote(context.Background(), "ACME")

	// Assert
	var serr *errs.StaleDataError
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, "ACME", serr.Symbol)
}

func TestGetQuote_NonPositivePriceRejected(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbol": "ACME", "price": "0", "timestamp": %q}`,
			time.Now().Format(time.RFC3339))
	})
	p, server := setupProvider(handler)
	defer server.Close()

	// Act
	_, err := p.GetQuote(context.Background(), "ACME")

	// Assert: a zero price is never a usable quote.
	assert.ErrorIs(t, err, errs.ErrDataNotAvailable)
}
