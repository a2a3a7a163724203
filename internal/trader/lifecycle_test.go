package trader

import (
	"testing"
	"time"

	"arbion-trader-go/internal/errs"
	"arbion-trader-go/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{models.StatusPending, models.StatusSubmitted, true},
		{models.StatusPending, models.StatusDenied, true},
		{models.StatusPending, models.StatusExecuted, false},
		{models.StatusSubmitted, models.StatusPartiallyFilled, true},
		{models.StatusSubmitted, models.StatusExecuted, true},
		{models.StatusSubmitted, models.StatusClosed, false},
		{models.StatusPartiallyFilled, models.StatusPartiallyFilled, true},
		{models.StatusPartiallyFilled, models.StatusExecuted, true},
		{models.StatusPartiallyFilled, models.StatusClosed, true},
		{models.StatusExecuted, models.StatusClosed, true},
		{models.StatusExecuted, models.StatusCancelled, false},
		// Terminal statuses have no outgoing edges.
		{models.StatusClosed, models.StatusSubmitted, false},
		{models.StatusCancelled, models.StatusExecuted, false},
		{models.StatusFailed, models.StatusSubmitted, false},
		{models.StatusDenied, models.StatusPending, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTransition_StampsTimestamps(t *testing.T) {
	now := time.Now()
	trade := &models.Trade{Status: models.StatusPending}

	assert.NoError(t, transition(trade, models.StatusSubmitted, now))
	assert.Equal(t, models.StatusSubmitted, trade.Status)
	assert.NotNil(t, trade.SubmittedAt)

	assert.NoError(t, transition(trade, models.StatusExecuted, now))
	assert.NotNil(t, trade.ExecutedAt)

	assert.NoError(t, transition(trade, models.StatusClosed, now))
	assert.NotNil(t, trade.ClosedAt)
}

func TestTransition_IllegalEdgeLeavesTradeUntouched(t *testing.T) {
	trade := &models.Trade{Status: models.StatusClosed}

	err := transition(trade, models.StatusSubmitted, time.Now())

	var iv *errs.InvariantViolation
	assert.ErrorAs(t, err, &iv)
	assert.Contains(t, iv.Reason, "illegal transition")
	assert.Equal(t, models.StatusClosed, trade.Status)
	assert.Nil(t, trade.SubmittedAt)
}
