package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func TestSyncPositionsUpsertsAndZeroes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	gone := e.seed(t, "tok-gone")
	e.holdings.set(wallet, domain.Position{
		MarketID: "0xcond-new", TokenID: "tok-new", Outcome: "No",
		Size: d("25"), AvgPrice: d("0.30"), Title: "Will it snow?",
	})

	report, err := e.sync.SyncPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, PositionSyncReport{Upserted: 1, Zeroed: 1}, report)

	assert.True(t, e.position(t, gone.ID).Size.IsZero())
	fresh, err := e.store.Positions().GetByToken(ctx, "u1", "tok-new")
	require.NoError(t, err)
	assert.True(t, fresh.Size.Equal(d("25")))
	assert.Equal(t, "Will it snow?", fresh.Title)
}

func TestSyncPositionsSkipsClaimedStopLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	_, err := e.store.StopLosses().Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{})
	require.NoError(t, err)

	e.holdings.set(wallet, domain.Position{
		MarketID: pos.MarketID, TokenID: "tok-yes", Size: d("40"), AvgPrice: d("0.50"),
	})
	res, err := e.trading.SyncPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, res.Message, "1 skipped")
	assert.True(t, e.position(t, pos.ID).Size.Equal(d("100")), "in-flight execution owns the row")

	e.holdings.set(wallet)
	report, err := e.sync.SyncPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, report.Zeroed, "zeroing also skips the claimed row")
}

func TestSyncPositionsZeroingRemovesArmedStopLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")

	e.holdings.set(wallet)
	report, err := e.sync.SyncPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Zeroed)

	assert.True(t, e.position(t, pos.ID).Size.IsZero())
	assert.Equal(t, domain.StopLossRemoved, e.rule(t, rule.ID).State)
	assert.Equal(t, domain.OrderStatusCancelled, e.order(t, domain.StopLossOrderID(pos.ID)).Status)

	e.price(t, "tok-yes", "0.10", 0)
	_, err = e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, e.trader.sellCount())
}

func TestSyncPositionsWithoutCredentials(t *testing.T) {
	e := newEnv(t)
	_, err := e.sync.SyncPositions(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrCredential)
}

func TestSyncOrdersMirrorsAndResolves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")
	_, err := e.trading.SetStopLoss(ctx, "u1", pos.ID, d("0.40"))
	require.NoError(t, err)

	open, err := e.trader.PlaceLimitOrder(ctx, "u1", domain.OrderRequest{
		TokenID: "tok-yes", Side: domain.OrderSideSell, Price: d("0.70"), Size: d("10"), TimeInForce: domain.OrderTypeGTC,
	})
	require.NoError(t, err)
	for _, ext := range []string{"ext-gone", "ext-err"} {
		_, err := e.store.Orders().Upsert(ctx, domain.Order{
			UserID: "u1", ExternalID: ext, TokenID: "tok-yes", Side: domain.OrderSideSell,
			Type: domain.OrderTypeLimit, Size: d("5"), Price: d("0.60"), Status: domain.OrderStatusLive,
		})
		require.NoError(t, err)
	}
	e.trader.getErrs["ext-err"] = fmt.Errorf("polymarket/clob: %w", domain.ErrNetwork)

	report, err := e.sync.SyncOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, OrderSyncReport{Upserted: 1, Resolved: 1}, report)

	mirrored := e.order(t, open.OrderID)
	assert.Equal(t, domain.OrderStatusLive, mirrored.Status)
	assert.Equal(t, "Will it rain?", mirrored.MarketQuestion)
	require.NotNil(t, mirrored.PositionID)
	assert.Equal(t, pos.ID, *mirrored.PositionID)

	resolved := e.order(t, "ext-gone")
	assert.Equal(t, domain.OrderStatusMatched, resolved.Status)
	assert.True(t, resolved.SizeFilled.Equal(d("5")))

	assert.Equal(t, domain.OrderStatusLive, e.order(t, "ext-err").Status, "kept until the next sync")
	assert.Equal(t, domain.OrderStatusLive, e.order(t, domain.StopLossOrderID(pos.ID)).Status)
}

func TestSyncOrdersAdoptsUnownedTakeProfit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")
	e.trader.placeLost = true
	e.trader.openErrs = []error{nil, fmt.Errorf("polymarket/clob: %w", domain.ErrNetwork)}

	_, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	assert.ErrorIs(t, err, domain.ErrUnconfirmed)
	require.Len(t, e.trader.resting("tok-yes"), 1, "the order rests despite the lost reply")
	_, err = e.store.TakeProfits().Active(ctx, pos.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	e.trader.placeLost = false
	report, err := e.sync.SyncOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Adopted)

	orphan := e.trader.resting("tok-yes")[0]
	rule, err := e.store.TakeProfits().Active(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, orphan.ExternalID, rule.OrderID)
	assert.True(t, rule.TargetPrice.Equal(d("0.85")))
	assert.Equal(t, domain.OrderTypeTakeProfit, e.order(t, orphan.ExternalID).Type)

	res, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.90"))
	require.NoError(t, err)
	resting := e.trader.resting("tok-yes")
	require.Len(t, resting, 1)
	assert.Equal(t, res.OrderID, resting[0].ExternalID)
	assert.True(t, resting[0].Price.Equal(d("0.90")))

	again, err := e.sync.SyncOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, again.Adopted)
}

func TestSyncOrdersFillsQuestionFromCatalog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.catalog.markets = []domain.MarketInfo{{
		CatalogID: "501", HashID: "0xabc", Question: "Who wins?", TokenIDs: []string{"tok-other"},
	}}
	placed, err := e.trader.PlaceLimitOrder(ctx, "u1", domain.OrderRequest{
		TokenID: "tok-other", Side: domain.OrderSideBuy, Price: d("0.20"), Size: d("10"),
	})
	require.NoError(t, err)

	_, err = e.sync.SyncOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Who wins?", e.order(t, placed.OrderID).MarketQuestion)

	hash, err := e.markets.ResolveCatalog(ctx, "501")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
}

func TestSyncOrdersDetectsTakeProfitFill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos := e.seed(t, "tok-yes")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)
	e.trader.fill(placed.OrderID)

	report, err := e.sync.SyncOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	rule, err := e.store.TakeProfits().GetByOrderID(ctx, "u1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TakeProfitFilled, rule.State)
	assert.True(t, e.position(t, pos.ID).Size.IsZero())
	assert.Contains(t, e.alerts.sent(), domain.EventTakeProfitFilled)
}

func TestSchedulerSyncsUsersWaitingOnVenue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sched := NewOrderSyncScheduler(e.sync, e.store.TakeProfits(), e.store.StopLosses(), 0, discard())
	assert.Zero(t, sched.Tick(ctx))

	pos := e.seed(t, "tok-yes")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)
	e.trader.fill(placed.OrderID)

	assert.Equal(t, 1, sched.Tick(ctx))
	rule, err := e.store.TakeProfits().GetByOrderID(ctx, "u1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TakeProfitFilled, rule.State)
	assert.Zero(t, sched.Tick(ctx))
}
