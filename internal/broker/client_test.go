package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// countingCreds records credential traffic so tests can assert the single
// transparent refresh.
type countingCreds struct {
	token       string
	invalidated int32
}

func (c *countingCreds) GetValidCredential(_ context.Context, _ uint, _ string) (string, error) {
	return c.token, nil
}

func (c *countingCreds) Invalidate(_ context.Context, _ uint, _ string) error {
	atomic.AddInt32(&c.invalidated, 1)
	return nil
}

// setupTestGateway creates a test server and a RestGateway configured to use it.
func setupTestGateway(handler http.Handler) (*RestGateway, *countingCreds, *httptest.Server) {
	server := httptest.NewServer(handler)

	creds := &countingCreds{token: "test-token"}
	g := &RestGateway{
		client:     resty.New().SetBaseURL(server.URL),
		provider:   "schwab",
		creds:      creds,
		logger:     zap.NewNop(),
		limiter:    rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		maxRetries: 3,
	}

	return g, creds, server
}

func testOrder() OrderRequest {
	return OrderRequest{
		UserID:        1,
		AccountHash:   "acct-1",
		ClientOrderID: "c-1",
		Symbol:        "ACME",
		Side:          models.SideBuy,
		Quantity:      decimal.NewFromInt(100),
		OrderType:     models.OrderTypeMarket,
		AssetClass:    models.AssetClassEquity,
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts/acct-1/orders", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var payload map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "c-1", payload["clientOrderId"])
		assert.NotEmpty(t, payload["orderLegCollection"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id": "BRK-1", "status": "accepted"}`))
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	resp, err := g.PlaceOrder(context.Background(), testOrder())

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, "BRK-1", resp.OrderID)
}

func TestPlaceOrder_RetriesTransientFailure(t *testing.T) {
	// Arrange: the first attempt gets a 503, the second succeeds.
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id": "BRK-1", "status": "accepted"}`))
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	resp, err := g.PlaceOrder(context.Background(), testOrder())

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, "BRK-1", resp.OrderID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPlaceOrder_HonorsRetryAfter(t *testing.T) {
	// Arrange
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id": "BRK-1", "status": "accepted"}`))
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	start := time.Now()
	resp, err := g.PlaceOrder(context.Background(), testOrder())

	// Assert: the broker-provided delay was respected.
	assert.NoError(t, err)
	assert.Equal(t, "BRK-1", resp.OrderID)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestPlaceOrder_InvalidOrderNotRetried(t *testing.T) {
	// Arrange
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "unknown symbol"}`))
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	_, err := g.PlaceOrder(context.Background(), testOrder())

	// Assert: rejections are permanent, exactly one request went out.
	var berr *errs.BrokerError
	assert.ErrorAs(t, err, &berr)
	assert.Equal(t, errs.BrokerInvalidOrder, berr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPlaceOrder_SingleCredentialRefresh(t *testing.T) {
	// Arrange: the broker rejects the token on every attempt.
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	g, creds, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	_, err := g.PlaceOrder(context.Background(), testOrder())

	// Assert: one transparent refresh, then the caller is told to reauth.
	assert.ErrorIs(t, err, errs.ErrReauthRequired)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&creds.invalidated))
}

func TestPlaceOrder_RetriesExhausted(t *testing.T) {
	// Arrange
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()
	g.maxRetries = 2 // keep the backoff short

	// Act
	_, err := g.PlaceOrder(context.Background(), testOrder())

	// Assert
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	var berr *errs.BrokerError
	assert.ErrorAs(t, err, &berr)
	assert.Equal(t, errs.BrokerConnection, berr.Kind)
}

func TestPlaceOrder_UnknownAssetClassRejectedLocally(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the broker")
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	req := testOrder()
	req.AssetClass = "futures"

	// Act
	_, err := g.PlaceOrder(context.Background(), req)

	// Assert
	var verr *errs.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "asset_class", verr.Field)
}

func TestCancelOrder_NotFound(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/accounts/acct-1/orders/BRK-404", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	err := g.CancelOrder(context.Background(), 1, "acct-1", "BRK-404")

	// Assert
	var berr *errs.BrokerError
	assert.ErrorAs(t, err, &berr)
	assert.Equal(t, errs.BrokerOrderNotFound, berr.Kind)
}

func TestGetExecutions_ParsesEnvelope(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-1/orders/BRK-1/executions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"executions": [
			{"execution_id": "E1", "quantity": "60", "price": "10.00", "sequence": 1, "time": "2025-06-02T14:30:00Z"},
			{"execution_id": "E2", "quantity": "40", "price": "10.50", "sequence": 2, "time": "2025-06-02T14:31:00Z"}
		]}`))
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	reports, err := g.GetExecutions(context.Background(), 1, "acct-1", "BRK-1")

	// Assert
	assert.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.Equal(t, "E1", reports[0].ExecutionID)
	assert.True(t, reports[0].Quantity.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, int64(2), reports[1].Sequence)
}

func TestReplaceOrder_Success(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/accounts/acct-1/orders/BRK-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id": "BRK-2", "status": "accepted"}`))
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	// Act
	resp, err := g.ReplaceOrder(context.Background(), 1, "acct-1", "BRK-1", testOrder())

	// Assert: the broker assigns a fresh order id.
	assert.NoError(t, err)
	assert.Equal(t, "BRK-2", resp.OrderID)
}

func TestDoRequest_ContextCancelledDuringBackoff(t *testing.T) {
	// Arrange
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	g, _, server := setupTestGateway(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Act
	_, err := g.PlaceOrder(ctx, testOrder())

	// Assert
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}
