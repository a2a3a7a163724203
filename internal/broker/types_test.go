package broker

import (
	"testing"

	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderRequest_Validate(t *testing.T) {
	base := testOrder()
	assert.NoError(t, base.Validate())

	t.Run("EmptySymbol", func(t *testing.T) {
		req := testOrder()
		req.Symbol = ""
		var verr *errs.ValidationError
		assert.ErrorAs(t, req.Validate(), &verr)
		assert.Equal(t, "symbol", verr.Field)
	})

	t.Run("BadSide", func(t *testing.T) {
		req := testOrder()
		req.Side = "hold"
		var verr *errs.ValidationError
		assert.ErrorAs(t, req.Validate(), &verr)
		assert.Equal(t, "side", verr.Field)
	})

	t.Run("NonPositiveQuantity", func(t *testing.T) {
		req := testOrder()
		req.Quantity = decimal.Zero
		var verr *errs.ValidationError
		assert.ErrorAs(t, req.Validate(), &verr)
		assert.Equal(t, "quantity", verr.Field)
	})

	t.Run("LimitWithoutPrice", func(t *testing.T) {
		req := testOrder()
		req.OrderType = models.OrderTypeLimit
		var verr *errs.ValidationError
		assert.ErrorAs(t, req.Validate(), &verr)
		assert.Equal(t, "limit_price", verr.Field)
	})
}

func TestOrderRequest_Payload(t *testing.T) {
	t.Run("Equity", func(t *testing.T) {
		req := testOrder()
		req.OrderType = models.OrderTypeLimit
		req.LimitPrice = decimal.NewNullDecimal(decimal.RequireFromString("10.50"))

		body, err := req.payload()
		assert.NoError(t, err)

		p, ok := body.(equityOrderPayload)
		assert.True(t, ok)
		assert.Equal(t, "LIMIT", p.OrderType)
		assert.Equal(t, "10.5", p.Price)
		assert.Len(t, p.OrderLegs, 1)
		assert.Equal(t, "BUY", p.OrderLegs[0].Instruction)
		assert.Equal(t, "ACME", p.OrderLegs[0].Instrument.Symbol)
	})

	t.Run("Crypto", func(t *testing.T) {
		req := testOrder()
		req.Symbol = "BTC-USD"
		req.AssetClass = models.AssetClassCrypto

		body, err := req.payload()
		assert.NoError(t, err)

		p, ok := body.(cryptoOrderPayload)
		assert.True(t, ok)
		assert.Equal(t, "BTC-USD", p.ProductID)
		assert.Equal(t, "BUY", p.Side)
		assert.Equal(t, "100", p.BaseSize)
	})

	t.Run("UnknownAssetClass", func(t *testing.T) {
		req := testOrder()
		req.AssetClass = "futures"

		_, err := req.payload()
		var verr *errs.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}
