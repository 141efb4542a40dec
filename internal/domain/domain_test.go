package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStopLossTransitions(t *testing.T) {
	tests := []struct {
		from, to StopLossState
		ok       bool
	}{
		{StopLossArmed, StopLossTriggered, true},
		{StopLossArmed, StopLossRemoved, true},
		{StopLossArmed, StopLossExecuting, false},
		{StopLossTriggered, StopLossExecuting, true},
		{StopLossTriggered, StopLossRemoved, true},
		{StopLossTriggered, StopLossArmed, false},
		{StopLossExecuting, StopLossExecuted, true},
		{StopLossExecuting, StopLossFailed, true},
		{StopLossExecuting, StopLossArmed, true},
		{StopLossExecuting, StopLossRemoved, false},
		{StopLossExecuted, StopLossArmed, false},
		{StopLossFailed, StopLossArmed, false},
		{StopLossRemoved, StopLossArmed, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, StopLossExecuted.Terminal())
	assert.True(t, StopLossFailed.Terminal())
	assert.True(t, StopLossRemoved.Terminal())
	assert.False(t, StopLossExecuting.Terminal())
}

func TestTakeProfitTransitions(t *testing.T) {
	assert.True(t, TakeProfitNone.CanTransition(TakeProfitPlaced))
	assert.True(t, TakeProfitPlaced.CanTransition(TakeProfitPlaced))
	assert.True(t, TakeProfitPlaced.CanTransition(TakeProfitFilled))
	assert.True(t, TakeProfitPlaced.CanTransition(TakeProfitCancelled))
	assert.False(t, TakeProfitNone.CanTransition(TakeProfitFilled))
	assert.False(t, TakeProfitFilled.CanTransition(TakeProfitPlaced))
	assert.True(t, TakeProfitCancelled.Terminal())
}

func TestDirectionCrossed(t *testing.T) {
	assert.True(t, DirectionLong.Crossed(d("0.39"), d("0.40")))
	assert.True(t, DirectionLong.Crossed(d("0.40"), d("0.40")))
	assert.False(t, DirectionLong.Crossed(d("0.41"), d("0.40")))
	assert.True(t, DirectionShort.Crossed(d("0.61"), d("0.60")))
	assert.False(t, DirectionShort.Crossed(d("0.59"), d("0.60")))
}

func TestPositionDerivedFields(t *testing.T) {
	price := d("0.60")
	p := Position{Size: d("100"), AvgPrice: d("0.50"), CurrentPrice: &price, RealizedPnL: d("3")}

	assert.True(t, p.CostBasis().Equal(d("50")))
	assert.True(t, p.CurrentValue().Equal(d("60")))
	assert.True(t, p.UnrealizedPnL().Equal(d("10")))
	assert.True(t, p.PnLPercent().Equal(d("20")))

	noPrice := Position{Size: d("10"), AvgPrice: d("0.5")}
	assert.True(t, noPrice.UnrealizedPnL().IsZero())

	pf := NewPortfolio([]Position{p, noPrice})
	assert.True(t, pf.TotalCost.Equal(d("55")))
	assert.True(t, pf.TotalRealizedPnL.Equal(d("3")))
}

func TestFloorTick(t *testing.T) {
	assert.True(t, FloorTick(d("0.396")).Equal(d("0.39")))
	assert.True(t, FloorTick(d("0.004")).IsZero())
	assert.True(t, FloorTick(d("0.5")).Equal(d("0.5")))
	assert.True(t, RoundTick(d("0.396")).Equal(d("0.40")))
}

func TestSaleRealizedDelta(t *testing.T) {
	s := Sale{Price: d("0.39"), Size: d("100"), Proceeds: d("39")}
	assert.True(t, s.RealizedDelta(d("0.50")).Equal(d("-11")))
}

func TestOrderFillHelpers(t *testing.T) {
	o := Order{Size: d("10"), SizeFilled: d("12")}
	o.ClampFilled()
	assert.True(t, o.SizeFilled.Equal(d("10")))
	assert.True(t, o.Remaining().IsZero())
	assert.True(t, o.FillPercent().Equal(d("100")))
}

func TestNormalizeOrderStatus(t *testing.T) {
	for raw, want := range map[string]OrderStatus{
		"live": OrderStatusLive, "OPEN": OrderStatusLive, "active": OrderStatusLive,
		"matched": OrderStatusMatched, "FILLED": OrderStatusMatched, "closed": OrderStatusMatched,
		"canceled": OrderStatusCancelled, "CANCELLED": OrderStatusCancelled, "expired": OrderStatusCancelled,
	} {
		assert.Equal(t, want, NormalizeOrderStatus(raw), raw)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errors.Is(ErrInsufficientBalance, ErrVenueRejected))
	assert.True(t, errors.Is(ErrDecryptionFailed, ErrCredential))
	assert.True(t, errors.Is(ErrUnconfirmed, ErrTimeout))
	assert.True(t, errors.Is(ErrUnmapped, ErrNotFound))

	assert.True(t, IsRetryable(fmt.Errorf("post: %w", ErrTimeout)))
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.True(t, IsRetryable(ErrPriceUnavailable))
	assert.False(t, IsRetryable(ErrInsufficientBalance))
	assert.False(t, IsRetryable(ErrDecryptionFailed))
	assert.False(t, IsRetryable(Invalid("price", "out of range")))
	assert.False(t, IsRetryable(nil))

	var ve *ValidationError
	assert.True(t, errors.As(Invalid("price", "must be in (0,1), got %s", "1.2"), &ve))
	assert.Equal(t, "price", ve.Field)
	assert.True(t, errors.Is(ve, ErrValidation))
}
