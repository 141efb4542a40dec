package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func (e *env) armed(t *testing.T, tokenID, trigger string) (domain.Position, domain.StopLossRule) {
	t.Helper()
	pos := e.seed(t, tokenID)
	_, err := e.trading.SetStopLoss(context.Background(), "u1", pos.ID, d(trigger))
	require.NoError(t, err)
	return pos, e.stopLoss(t, pos.ID)
}

func (e *env) rule(t *testing.T, id string) domain.StopLossRule {
	t.Helper()
	r, err := e.store.StopLosses().Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestStopLossFiresOnceBelowTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)

	report, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, 1, report.Executed)

	got := e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossExecuted, got.State)
	assert.NotNil(t, got.ExecutedAt)
	assert.Equal(t, "sell-1", got.SellOrderID)

	closed := e.position(t, pos.ID)
	assert.True(t, closed.Size.IsZero())
	assert.True(t, closed.RealizedPnL.Equal(d("-11")), "100 x (0.39 - 0.50), got %s", closed.RealizedPnL)
	assert.Nil(t, closed.StopLoss)

	row := e.order(t, domain.StopLossOrderID(pos.ID))
	assert.Equal(t, domain.OrderStatusMatched, row.Status)
	assert.Contains(t, e.alerts.sent(), domain.EventStopLossExecuted)

	_, err = e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.trader.sellCount())
}

func TestStopLossWithdrawsTakeProfitBeforeSelling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)
	e.price(t, "tok-yes", "0.39", 0)

	report, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, 1, e.trader.sellCount())
	assert.Empty(t, e.trader.resting("tok-yes"), "the take-profit order no longer holds the shares")

	assert.Equal(t, domain.StopLossExecuted, e.rule(t, rule.ID).State)
	tp, err := e.store.TakeProfits().GetByOrderID(ctx, "u1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TakeProfitCancelled, tp.State)
	assert.Equal(t, domain.OrderStatusCancelled, e.order(t, placed.OrderID).Status)

	closed := e.position(t, pos.ID)
	assert.True(t, closed.Size.IsZero())
	assert.True(t, closed.RealizedPnL.Equal(d("-11")), "got %s", closed.RealizedPnL)
}

func TestStopLossFindsTakeProfitAlreadyFilled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	placed, err := e.trading.SetTakeProfit(ctx, "u1", pos.ID, d("0.85"))
	require.NoError(t, err)
	// The venue matched the take profit; no sync has seen it yet.
	e.trader.fill(placed.OrderID)
	e.price(t, "tok-yes", "0.39", 0)

	report, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Zero(t, e.trader.sellCount(), "nothing left to sell")

	assert.Equal(t, domain.StopLossExecuted, e.rule(t, rule.ID).State)
	tp, err := e.store.TakeProfits().GetByOrderID(ctx, "u1", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TakeProfitFilled, tp.State)

	closed := e.position(t, pos.ID)
	assert.True(t, closed.Size.IsZero())
	assert.True(t, closed.RealizedPnL.Equal(d("35")), "only the take-profit fill is booked, got %s", closed.RealizedPnL)

	_, err = e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, e.trader.sellCount())
}

func TestStopLossIgnoresRedeemablePosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	cur := d("0.01")
	_, err := e.store.Positions().UpsertSynced(ctx, "u1", []domain.Position{{
		MarketID: pos.MarketID, TokenID: "tok-yes", Outcome: "Yes",
		Size: d("100"), AvgPrice: d("0.50"), CurrentPrice: &cur, Title: pos.Title,
		Redeemable: true,
	}})
	require.NoError(t, err)
	e.price(t, "tok-yes", "0.01", 0)

	report, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Triggered)
	assert.Zero(t, e.trader.sellCount())
	assert.Equal(t, domain.StopLossArmed, e.rule(t, rule.ID).State)
}

func TestStopLossHoldsWithoutFreshCrossing(t *testing.T) {
	tests := []struct {
		name  string
		price string
		age   time.Duration
		set   bool
		stale int
	}{
		{name: "above trigger", price: "0.41", set: true},
		{name: "stale price", price: "0.30", age: time.Minute, set: true, stale: 1},
		{name: "no price", stale: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, rule := e.armed(t, "tok-yes", "0.40")
			if tt.set {
				e.price(t, "tok-yes", tt.price, tt.age)
			}

			report, err := e.monitor.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Scanned)
			assert.Equal(t, tt.stale, report.Stale)
			assert.Zero(t, report.Triggered)
			assert.Zero(t, e.trader.sellCount())
			assert.Equal(t, domain.StopLossArmed, e.rule(t, rule.ID).State)
		})
	}
}

func TestStopLossExactlyAtTriggerFires(t *testing.T) {
	e := newEnv(t)
	_, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.40", 0)

	_, err := e.monitor.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StopLossExecuted, e.rule(t, rule.ID).State)
}

// barrierFeed holds every reader until n of them have arrived, so two
// cycles are guaranteed to race for the same claim.
type barrierFeed struct {
	inner domain.PriceFeed
	wg    *sync.WaitGroup
}

func (f barrierFeed) GetPrice(ctx context.Context, tokenID string) (domain.PriceQuote, error) {
	f.wg.Done()
	f.wg.Wait()
	return f.inner.GetPrice(ctx, tokenID)
}

func TestOverlappingCyclesExecuteOnce(t *testing.T) {
	e := newEnv(t)
	pos, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)
	e.trader.sellDelay = 20 * time.Millisecond

	var barrier sync.WaitGroup
	barrier.Add(2)
	feed := barrierFeed{inner: e.feed, wg: &barrier}

	reports := make([]CycleReport, 2)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := e.newMonitor(feed, MonitorConfig{MaxFailures: 5})
			r, err := m.RunCycle(context.Background())
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reports[0].Executed+reports[1].Executed)
	assert.Equal(t, 1, reports[0].ClaimsLost+reports[1].ClaimsLost)
	assert.Equal(t, 1, e.trader.sellCount())
	assert.Equal(t, domain.StopLossExecuted, e.rule(t, rule.ID).State)
	assert.True(t, e.position(t, pos.ID).Size.IsZero())
}

func TestInsufficientBalanceFailsWithoutRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)
	e.trader.sellErrs = []error{fmt.Errorf("polymarket/clob: %w", domain.ErrInsufficientBalance)}

	report, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got := e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossFailed, got.State)
	assert.Contains(t, got.LastError, "insufficient balance")
	assert.Zero(t, got.Failures)

	assert.True(t, e.position(t, pos.ID).Size.Equal(d("100")), "position untouched")
	assert.Equal(t, domain.OrderStatusCancelled, e.order(t, domain.StopLossOrderID(pos.ID)).Status)
	assert.Contains(t, e.alerts.sent(), domain.EventStopLossFailed)

	_, err = e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.trader.sellCount(), "no retry")
}

func TestRetryableFailuresStopAtCap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	monitor := e.newMonitor(e.feed, MonitorConfig{MaxFailures: 3})
	_, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)
	e.trader.sellErrs = []error{
		fmt.Errorf("polymarket/clob: %w", domain.ErrRateLimited),
		fmt.Errorf("polymarket/clob: %w", domain.ErrTimeout),
		fmt.Errorf("polymarket/clob: %w", domain.ErrNetwork),
		fmt.Errorf("polymarket/clob: %w", domain.ErrNetwork),
	}

	for i := 1; i <= 2; i++ {
		report, err := monitor.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retried)
		got := e.rule(t, rule.ID)
		assert.Equal(t, domain.StopLossArmed, got.State)
		assert.Equal(t, i, got.Failures)
	}

	report, err := monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	got := e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossFailed, got.State)
	assert.Equal(t, 3, got.Failures)

	_, err = monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, e.trader.sellCount())
}

func TestUnconfirmedSellSettledFromVenue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)
	e.trader.sellErrs = []error{fmt.Errorf("polymarket/clob: %w", domain.ErrUnconfirmed)}

	_, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	got := e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossArmed, got.State)
	assert.True(t, got.Unconfirmed)
	assert.Equal(t, 1, got.Failures)

	// The venue shows nothing held: the timed-out sell went through.
	e.holdings.set(wallet)
	report, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)

	got = e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossExecuted, got.State)
	assert.False(t, got.Unconfirmed)
	closed := e.position(t, pos.ID)
	assert.True(t, closed.Size.IsZero())
	assert.True(t, closed.RealizedPnL.Equal(d("-5")), "estimated at last price 0.45, got %s", closed.RealizedPnL)
	assert.Equal(t, 1, e.trader.sellCount(), "never sold twice")
}

func TestUnconfirmedSellStillHeldIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)
	e.trader.sellErrs = []error{fmt.Errorf("polymarket/clob: %w", domain.ErrUnconfirmed)}

	_, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, e.rule(t, rule.ID).Unconfirmed)

	e.holdings.set(wallet, domain.Position{
		MarketID: pos.MarketID, TokenID: "tok-yes", Outcome: "Yes",
		Size: d("100"), AvgPrice: d("0.50"),
	})
	_, err = e.monitor.RunCycle(ctx)
	require.NoError(t, err)

	got := e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossExecuted, got.State)
	assert.False(t, got.Unconfirmed)
	assert.Equal(t, 2, e.trader.sellCount())
}

func TestUnconfirmedLookupFailureSkipsRule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, rule := e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)
	e.trader.sellErrs = []error{fmt.Errorf("polymarket/clob: %w", domain.ErrUnconfirmed)}
	_, err := e.monitor.RunCycle(ctx)
	require.NoError(t, err)

	e.holdings.err = fmt.Errorf("polymarket/data: %w", domain.ErrNetwork)
	_, err = e.monitor.RunCycle(ctx)
	require.NoError(t, err)

	got := e.rule(t, rule.ID)
	assert.Equal(t, domain.StopLossArmed, got.State)
	assert.True(t, got.Unconfirmed)
	assert.Equal(t, 1, e.trader.sellCount())
}

func TestCycleSkippedWhileLeaseHeld(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.armed(t, "tok-yes", "0.40")
	e.price(t, "tok-yes", "0.39", 0)

	unlock, err := e.locks.Acquire(ctx, cycleLockKey, time.Minute)
	require.NoError(t, err)

	monitor := e.newMonitor(e.feed, MonitorConfig{CycleLease: time.Minute})
	report, err := monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, e.trader.sellCount())

	unlock()
	report, err = monitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Executed)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.newMonitor(e.feed, MonitorConfig{Interval: time.Millisecond}).Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
