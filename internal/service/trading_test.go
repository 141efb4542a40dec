package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

func TestSetStopLossValidation(t *testing.T) {
	tests := []struct {
		name  string
		price string
	}{
		{name: "zero", price: "0"},
		{name: "one", price: "1"},
		{name: "above entry", price: "0.55"},
		{name: "at entry", price: "0.50"},
		{name: "rounds to zero", price: "0.004"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			pos := e.seed(t, "tok-yes")
			_, err := e.trading.SetStopLoss(context.Background(), "u1", pos.ID, d(tt.price))
			assert.ErrorIs(t, err, domain.ErrValidation)
			_, err = e.store.StopLosses().Active(context.Background(), pos.ID)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestSetStopLossArmsAndMoves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")

	res, err := e.trading.SetStopLoss(ctx, "u1", pos.ID, d("0.40"))
	require.NoError(t, err)
	assert.Equal(t, "Stop loss set at 0.40", res.Message)
	assert.Equal(t, domain.StopLossOrderID(pos.ID), res.OrderID)

	rule := e.stopLoss(t, pos.ID)
	assert.Equal(t, domain.StopLossArmed, rule.State)
	assert.Equal(t, domain.DirectionLong, rule.Direction)
	row := e.order(t, res.OrderID)
	assert.Equal(t, domain.OrderTypeStopLoss, row.Type)
	assert.Equal(t, domain.OrderStatusLive, row.Status)
	assert.True(t, row.Size.Equal(d("100")))

	res, err = e.trading.SetStopLoss(ctx, "u1", pos.ID, d("0.421"))
	require.NoError(t, err)
	assert.Equal(t, "Stop loss moved to 0.42", res.Message)
	assert.True(t, e.stopLoss(t, pos.ID).TriggerPrice.Equal(d("0.42")))
	assert.True(t, e.order(t, res.OrderID).Price.Equal(d("0.42")))

	_, err = e.trading.SetStopLoss(ctx, "u1", pos.ID, d("0.42"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, e.trader.placed, "stop losses never rest on the venue")
}

func TestSetStopLossRefusedWhileClaimed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	_, err := e.store.StopLosses().Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{})
	require.NoError(t, err)

	_, err = e.trading.SetStopLoss(ctx, "u1", pos.ID, d("0.35"))
	assert.ErrorIs(t, err, domain.ErrExecutionInProgress)
	assert.True(t, e.rule(t, rule.ID).TriggerPrice.Equal(d("0.40")))
}

func TestRemoveStopLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")

	res, err := e.trading.RemoveStopLoss(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "Stop loss removed", res.Message)
	assert.Equal(t, domain.StopLossRemoved, e.rule(t, rule.ID).State)
	assert.Equal(t, domain.OrderStatusCancelled, e.order(t, domain.StopLossOrderID(pos.ID)).Status)

	_, err = e.trading.RemoveStopLoss(ctx, "u1", pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A removed rule leaves room for a new one.
	_, err = e.trading.SetStopLoss(ctx, "u1", pos.ID, d("0.30"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusLive, e.order(t, domain.StopLossOrderID(pos.ID)).Status)
}

func TestRemoveStopLossWhileExecuting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	stops := e.store.StopLosses()
	_, err := stops.Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{})
	require.NoError(t, err)
	_, err = stops.Transition(ctx, rule.ID, domain.StopLossTriggered, domain.StopLossExecuting, domain.StopLossUpdate{})
	require.NoError(t, err)

	_, err = e.trading.RemoveStopLoss(ctx, "u1", pos.ID)
	assert.ErrorIs(t, err, domain.ErrExecutionInProgress)
	assert.Equal(t, domain.StopLossExecuting, e.rule(t, rule.ID).State)
}

func TestRemoveTriggeredStopLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	_, err := e.store.StopLosses().Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{})
	require.NoError(t, err)

	_, err = e.trading.RemoveStopLoss(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StopLossRemoved, e.rule(t, rule.ID).State)
}

func TestMarketSellClearsRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, sl := e.armed(t, "tok-yes", "0.40")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)

	res, err := e.trading.MarketSell(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sold 100 shares at 0.39", res.Message)
	assert.Equal(t, 1, e.trader.sellCount())

	assert.Equal(t, domain.StopLossRemoved, e.rule(t, sl.ID).State)
	assert.Equal(t, domain.OrderStatusCancelled, e.order(t, domain.StopLossOrderID(pos.ID)).Status)
	tp, err := e.store.TakeProfits().GetByOrderID(ctx, "u1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TakeProfitCancelled, tp.State)
	assert.Empty(t, e.trader.resting("tok-yes"))

	closed := e.position(t, pos.ID)
	assert.True(t, closed.Size.IsZero())
	assert.True(t, closed.RealizedPnL.Equal(d("-11")))

	row := e.order(t, res.OrderID)
	assert.Equal(t, domain.OrderTypeMarket, row.Type)
	assert.Equal(t, domain.OrderStatusMatched, row.Status)

	_, err = e.trading.MarketSell(ctx, "u1", pos.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMarketSellWithOnlyStopLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, sl := e.armed(t, "tok-yes", "0.40")

	res, err := e.trading.MarketSell(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.trader.sellCount())

	assert.Equal(t, domain.StopLossRemoved, e.rule(t, sl.ID).State)
	row := e.order(t, domain.StopLossOrderID(pos.ID))
	assert.Equal(t, domain.OrderStatusCancelled, row.Status)
	assert.Equal(t, domain.OrderStatusMatched, e.order(t, res.OrderID).Status)
	assert.True(t, e.position(t, pos.ID).Size.IsZero())

	live, err := e.store.Orders().ListLive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = e.store.StopLosses().Active(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketSellRefusedWhileExecuting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	stops := e.store.StopLosses()
	_, err := stops.Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{})
	require.NoError(t, err)
	_, err = stops.Transition(ctx, rule.ID, domain.StopLossTriggered, domain.StopLossExecuting, domain.StopLossUpdate{})
	require.NoError(t, err)

	_, err = e.trading.MarketSell(ctx, "u1", pos.ID)
	assert.ErrorIs(t, err, domain.ErrExecutionInProgress)
	assert.Zero(t, e.trader.sellCount())
}

func TestMarketSellAfterTakeProfitFilled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)
	e.trader.fill(placed.OrderID)

	res, err := e.trading.MarketSell(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "Position was already closed by its take profit", res.Message)
	assert.Zero(t, e.trader.sellCount())
}

func TestFailedMarketSellRearmsStopLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, old := e.armed(t, "tok-yes", "0.40")
	e.trader.sellErrs = []error{fmt.Errorf("polymarket/clob: %w", domain.ErrInsufficientBalance)}

	_, err := e.trading.MarketSell(ctx, "u1", pos.ID)
	assert.ErrorIs(t, err, domain.ErrVenueRejected)

	assert.Equal(t, domain.StopLossRemoved, e.rule(t, old.ID).State)
	rearmed := e.stopLoss(t, pos.ID)
	assert.NotEqual(t, old.ID, rearmed.ID)
	assert.Equal(t, domain.StopLossArmed, rearmed.State)
	assert.True(t, rearmed.TriggerPrice.Equal(d("0.40")))
	assert.Equal(t, domain.OrderStatusLive, e.order(t, domain.StopLossOrderID(pos.ID)).Status)
	assert.True(t, e.position(t, pos.ID).Size.Equal(d("100")))
}

func TestEditAndCancelStopLossRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	slID := domain.StopLossOrderID(pos.ID)

	res, err := e.trading.EditOrder(ctx, "u1", slID, d("0.35"))
	require.NoError(t, err)
	assert.Equal(t, "Stop loss moved to 0.35", res.Message)
	assert.True(t, e.rule(t, rule.ID).TriggerPrice.Equal(d("0.35")))

	res, err = e.trading.CancelOrder(ctx, "u1", slID)
	require.NoError(t, err)
	assert.Equal(t, "Stop loss removed", res.Message)
	assert.Equal(t, domain.StopLossRemoved, e.rule(t, rule.ID).State)
	assert.Empty(t, e.trader.placed)
}

func TestEditTakeProfitOrderMovesRule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)

	res, err := e.trading.EditOrder(ctx, "u1", placed.OrderID, d("0.80"))
	require.NoError(t, err)
	assert.Equal(t, "Order moved to 0.80", res.Message)

	rule, err := e.store.TakeProfits().Active(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, rule.OrderID)
	assert.True(t, rule.TargetPrice.Equal(d("0.80")))

	row := e.order(t, res.OrderID)
	assert.Equal(t, domain.OrderStatusLive, row.Status)
	assert.Equal(t, domain.OrderTypeTakeProfit, row.Type)
	require.Len(t, e.trader.resting("tok-yes"), 1)
}

func TestEditFilledOrderSettlesRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)
	e.trader.fill(placed.OrderID)

	_, err = e.trading.EditOrder(ctx, "u1", placed.OrderID, d("0.80"))
	assert.ErrorIs(t, err, domain.ErrOrderFilled)
	assert.Equal(t, domain.OrderStatusMatched, e.order(t, placed.OrderID).Status)

	rule, err := e.store.TakeProfits().GetByOrderID(ctx, "u1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TakeProfitFilled, rule.State)
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []string
	for _, price := range []string{"0.20", "0.25"} {
		placed, err := e.trader.PlaceLimitOrder(ctx, "u1", domain.OrderRequest{
			TokenID: "tok-buy", Side: domain.OrderSideBuy, Price: d(price), Size: d("10"), TimeInForce: domain.OrderTypeGTC,
		})
		require.NoError(t, err)
		ids = append(ids, placed.OrderID)
	}
	_, err := e.trading.SyncOrders(ctx, "u1")
	require.NoError(t, err)

	res, err := e.trading.CancelOrder(ctx, "u1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Order cancelled", res.Message)
	assert.Equal(t, domain.OrderStatusCancelled, e.order(t, ids[0]).Status)

	e.trader.fill(ids[1])
	res, err = e.trading.CancelOrder(ctx, "u1", e.order(t, ids[1]).ID)
	require.NoError(t, err)
	assert.Equal(t, "Order had already filled", res.Message)
	assert.Equal(t, domain.OrderStatusMatched, e.order(t, ids[1]).Status)

	_, err = e.trading.CancelOrder(ctx, "u1", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPortfolioAndCredentials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "tok-a")
	e.seed(t, "tok-b")

	pf, err := e.trading.Portfolio(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pf.Positions, 2)
	assert.True(t, pf.TotalCost.Equal(d("100")))
	assert.True(t, pf.TotalValue.Equal(d("90")))

	profile, err := e.trading.StoreCredentials(ctx, "u2", vault.CredentialInput{ProxyWallet: wallet, PrivateKey: "0xkey"})
	require.NoError(t, err)
	assert.True(t, profile.HasTradingKey)

	got, err := e.trading.Credentials(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, wallet, got.ProxyWallet)

	entries, err := e.store.Audit().List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EventCredentialsStored, entries[0].Event)
	assert.NotContains(t, entries[0].Detail, "private_key")
}
