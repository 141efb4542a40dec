package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

const cycleLockKey = "stoploss:cycle"

// MonitorConfig tunes the stop-loss monitor.
type MonitorConfig struct {
	Interval    time.Duration
	Staleness   time.Duration
	MaxFailures int
	// CycleLease is the TTL of the per-cycle lease. Zero disables it.
	CycleLease time.Duration
	// Workers bounds rules evaluated at once within a cycle.
	Workers int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Staleness <= 0 {
		c.Staleness = 10 * time.Second
	}
	if c.MaxFailures < 1 {
		c.MaxFailures = 5
	}
	if c.Workers < 1 {
		c.Workers = 8
	}
	return c
}

// CycleReport counts what one monitor cycle did.
type CycleReport struct {
	Scanned    int
	Stale      int
	Triggered  int
	Executed   int
	Retried    int
	Failed     int
	ClaimsLost int
	Skipped    bool
}

// StopLossMonitor scans ARMED rules on an interval and sells positions whose
// price has crossed the trigger. Exactly one cycle can claim a rule: every
// step is a compare-and-swap on the rule state.
type StopLossMonitor struct {
	rules     domain.StopLossStore
	positions domain.PositionStore
	prices    domain.PriceFeed
	trader    Trader
	holdings  Holdings
	profiles  Profiles
	markets   *Reconciler
	locks     domain.LockManager
	events    *Recorder
	tp        TakeProfitCanceller
	cfg       MonitorConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewStopLossMonitor creates a StopLossMonitor. locks and tp may be nil.
func NewStopLossMonitor(
	rules domain.StopLossStore,
	positions domain.PositionStore,
	prices domain.PriceFeed,
	trader Trader,
	holdings Holdings,
	profiles Profiles,
	markets *Reconciler,
	locks domain.LockManager,
	events *Recorder,
	tp TakeProfitCanceller,
	cfg MonitorConfig,
	logger *slog.Logger,
) *StopLossMonitor {
	return &StopLossMonitor{
		rules:     rules,
		positions: positions,
		prices:    prices,
		trader:    trader,
		holdings:  holdings,
		profiles:  profiles,
		markets:   markets,
		locks:     locks,
		events:    events,
		tp:        tp,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "stoploss_monitor")),
		now:       time.Now,
	}
}

// Run runs a cycle immediately and then every Interval until ctx is done.
func (m *StopLossMonitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "stop-loss monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("max_failures", m.cfg.MaxFailures),
	)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "stop-loss cycle failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "stop-loss monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every ARMED rule once.
func (m *StopLossMonitor) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	if m.locks != nil && m.cfg.CycleLease > 0 {
		unlock, err := m.locks.Acquire(ctx, cycleLockKey, m.cfg.CycleLease)
		if errors.Is(err, domain.ErrLockHeld) {
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("stoploss: cycle lease: %w", err)
		}
		defer unlock()
	}

	armed, err := m.rules.ListArmed(ctx)
	if err != nil {
		return report, fmt.Errorf("stoploss: list armed: %w", err)
	}
	report.Scanned = len(armed)

	var counts cycleCounts
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, a := range armed {
		g.Go(func() error {
			m.evaluate(gctx, a, &counts)
			return nil
		})
	}
	_ = g.Wait()

	report.Stale = int(counts.stale.Load())
	report.Triggered = int(counts.triggered.Load())
	report.Executed = int(counts.executed.Load())
	report.Retried = int(counts.retried.Load())
	report.Failed = int(counts.failed.Load())
	report.ClaimsLost = int(counts.claimsLost.Load())

	if report.Triggered > 0 || report.Stale > 0 {
		m.logger.InfoContext(ctx, "stop-loss cycle done",
			slog.Int("scanned", report.Scanned),
			slog.Int("stale", report.Stale),
			slog.Int("triggered", report.Triggered),
			slog.Int("executed", report.Executed),
			slog.Int("retried", report.Retried),
			slog.Int("failed", report.Failed),
			slog.Int("claims_lost", report.ClaimsLost),
		)
	}
	return report, nil
}

type cycleCounts struct {
	stale, triggered, executed, retried, failed, claimsLost atomic.Int32
}

func (m *StopLossMonitor) evaluate(ctx context.Context, a domain.ArmedStopLoss, counts *cycleCounts) {
	rule, pos := a.Rule, a.Position
	log := m.logger.With(
		slog.String("rule_id", rule.ID),
		slog.String("position_id", rule.PositionID),
		slog.String("user_id", rule.UserID),
	)

	if rule.Unconfirmed {
		settled, err := m.reconcileUnconfirmed(ctx, rule, pos)
		if err != nil {
			if errors.Is(err, domain.ErrConcurrentClaimLost) {
				counts.claimsLost.Add(1)
				return
			}
			log.WarnContext(ctx, "unconfirmed sell not reconciled", slog.String("error", err.Error()))
			return
		}
		if settled {
			counts.executed.Add(1)
			return
		}
		// Still held upstream; the refreshed row is evaluated below.
		if fresh, err := m.positions.Get(ctx, rule.UserID, rule.PositionID); err == nil {
			pos = fresh
		}
	}

	if !pos.Open() || pos.Redeemable {
		return
	}

	quote, err := m.prices.GetPrice(ctx, rule.TokenID)
	if err != nil || !quote.Fresh(m.now(), m.cfg.Staleness) {
		counts.stale.Add(1)
		if err != nil && !errors.Is(err, domain.ErrPriceUnavailable) {
			log.WarnContext(ctx, "price read failed", slog.String("error", err.Error()))
		}
		return
	}
	if !rule.Direction.Crossed(quote.Price, rule.TriggerPrice) {
		return
	}

	if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{}); err != nil {
		if errors.Is(err, domain.ErrConcurrentClaimLost) {
			counts.claimsLost.Add(1)
			return
		}
		log.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
		return
	}
	counts.triggered.Add(1)
	log.InfoContext(ctx, "stop loss triggered",
		slog.String("price", quote.Price.String()),
		slog.String("trigger", rule.TriggerPrice.String()),
	)

	rule, err = m.rules.Transition(ctx, rule.ID, domain.StopLossTriggered, domain.StopLossExecuting, domain.StopLossUpdate{})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentClaimLost) {
			// Removed by the user between the two claims.
			counts.claimsLost.Add(1)
			return
		}
		log.ErrorContext(ctx, "execution claim failed", slog.String("error", err.Error()))
		return
	}

	switch m.execute(ctx, rule, log) {
	case outcomeExecuted:
		counts.executed.Add(1)
	case outcomeRetry:
		counts.retried.Add(1)
	case outcomeFailed:
		counts.failed.Add(1)
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeExecuted
	outcomeRetry
	outcomeFailed
)

// execute sells a rule the caller holds in EXECUTING.
func (m *StopLossMonitor) execute(ctx context.Context, rule domain.StopLossRule, log *slog.Logger) outcome {
	// The position is re-read under the claim; sync cannot touch it now.
	pos, err := m.positions.Get(ctx, rule.UserID, rule.PositionID)
	if err != nil {
		return m.fail(ctx, rule, fmt.Errorf("stoploss: load position: %w", err), log)
	}
	if !pos.Open() {
		return m.fail(ctx, rule, domain.Invalid("size", "nothing left to sell"), log)
	}

	// A sell in flight finishes even if the monitor is shutting down.
	sellCtx := context.WithoutCancel(ctx)

	// A resting take profit holds the shares; withdraw it before selling.
	if m.tp != nil {
		res, err := m.tp.Cancel(sellCtx, rule.UserID, rule.PositionID)
		switch {
		case err == nil:
			if pos, err = m.positions.Get(sellCtx, rule.UserID, rule.PositionID); err != nil {
				return m.fail(sellCtx, rule, fmt.Errorf("stoploss: reload position: %w", err), log)
			}
			if !pos.Open() {
				return m.closedByTakeProfit(sellCtx, rule, res.OrderID, pos, log)
			}
		case errors.Is(err, domain.ErrNotFound):
		case errors.Is(err, domain.ErrConcurrentClaimLost):
			return m.handleSellError(sellCtx, rule, fmt.Errorf("stoploss: take profit busy: %w", domain.ErrExecutionInProgress), log)
		default:
			return m.handleSellError(sellCtx, rule, fmt.Errorf("stoploss: cancel take profit: %w", err), log)
		}
	}

	negRisk := m.markets != nil && m.markets.NegRisk(sellCtx, rule.TokenID)
	sale, err := m.trader.MarketSell(sellCtx, rule.UserID, rule.TokenID, pos.Size, negRisk)
	if err != nil {
		return m.handleSellError(sellCtx, rule, err, log)
	}

	closed, err := m.completeExecution(sellCtx, rule.ID, sale)
	if err != nil {
		// The venue sold; the rule stays EXECUTING so nothing sells again.
		log.ErrorContext(ctx, "sold but could not record execution",
			slog.String("order_id", sale.OrderID),
			slog.String("error", err.Error()),
		)
		return outcomeExecuted
	}
	log.InfoContext(ctx, "stop loss executed",
		slog.String("order_id", sale.OrderID),
		slog.String("price", sale.Price.String()),
		slog.String("size", sale.Size.String()),
	)
	m.events.Record(sellCtx, domain.Event{
		Type:       domain.EventStopLossExecuted,
		UserID:     rule.UserID,
		PositionID: rule.PositionID,
		OrderID:    sale.OrderID,
		Detail: map[string]any{
			"market":       m.label(sellCtx, closed),
			"price":        sale.Price.String(),
			"size":         sale.Size.String(),
			"proceeds":     sale.Proceeds.String(),
			"realized_pnl": closed.RealizedPnL.String(),
		},
	})
	return outcomeExecuted
}

// closedByTakeProfit completes a claimed rule whose position the take profit
// sold first. Nothing is booked twice: the position is already empty.
func (m *StopLossMonitor) closedByTakeProfit(ctx context.Context, rule domain.StopLossRule, orderID string, pos domain.Position, log *slog.Logger) outcome {
	price := rule.TriggerPrice
	if pos.CurrentPrice != nil && pos.CurrentPrice.IsPositive() {
		price = *pos.CurrentPrice
	}
	if _, err := m.completeExecution(ctx, rule.ID, domain.Sale{OrderID: orderID, Price: price}); err != nil {
		log.ErrorContext(ctx, "close rule after take profit fill failed", slog.String("error", err.Error()))
		return outcomeNone
	}
	log.InfoContext(ctx, "position already closed by take profit", slog.String("order_id", orderID))
	return outcomeExecuted
}

func (m *StopLossMonitor) completeExecution(ctx context.Context, ruleID string, sale domain.Sale) (domain.Position, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var pos domain.Position
		pos, err = m.rules.CompleteExecution(ctx, ruleID, sale)
		if err == nil || errors.Is(err, domain.ErrConcurrentClaimLost) || errors.Is(err, domain.ErrNotFound) {
			return pos, err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return domain.Position{}, err
}

func (m *StopLossMonitor) handleSellError(ctx context.Context, rule domain.StopLossRule, sellErr error, log *slog.Logger) outcome {
	msg := sellErr.Error()

	switch {
	case errors.Is(sellErr, domain.ErrExecutionInProgress):
		// Another sell of the same token is in flight; not this rule's failure.
		if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossExecuting, domain.StopLossArmed, domain.StopLossUpdate{}); err != nil {
			log.ErrorContext(ctx, "revert failed", slog.String("error", err.Error()))
		}
		return outcomeRetry

	case errors.Is(sellErr, domain.ErrUnconfirmed):
		failures := rule.Failures + 1
		unconfirmed := true
		if failures >= m.cfg.MaxFailures {
			return m.fail(ctx, rule, sellErr, log)
		}
		if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossExecuting, domain.StopLossArmed, domain.StopLossUpdate{
			Failures:    &failures,
			Unconfirmed: &unconfirmed,
			LastError:   &msg,
		}); err != nil {
			log.ErrorContext(ctx, "revert failed", slog.String("error", err.Error()))
			return outcomeNone
		}
		log.WarnContext(ctx, "sell unconfirmed, reconciling next cycle", slog.String("error", msg))
		m.events.Record(ctx, domain.Event{
			Type:       domain.EventStopLossUnconfirmed,
			UserID:     rule.UserID,
			PositionID: rule.PositionID,
			Detail:     map[string]any{"error": msg, "failures": failures},
		})
		return outcomeRetry

	case domain.IsRetryable(sellErr):
		failures := rule.Failures + 1
		if failures >= m.cfg.MaxFailures {
			return m.fail(ctx, rule, fmt.Errorf("gave up after %d attempts: %w", failures, sellErr), log)
		}
		if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossExecuting, domain.StopLossArmed, domain.StopLossUpdate{
			Failures:  &failures,
			LastError: &msg,
		}); err != nil {
			log.ErrorContext(ctx, "revert failed", slog.String("error", err.Error()))
			return outcomeNone
		}
		log.WarnContext(ctx, "sell failed, retrying next cycle",
			slog.Int("failures", failures),
			slog.String("error", msg),
		)
		m.events.Record(ctx, domain.Event{
			Type:       domain.EventStopLossRetry,
			UserID:     rule.UserID,
			PositionID: rule.PositionID,
			Detail:     map[string]any{"error": msg, "failures": failures},
		})
		return outcomeRetry

	default:
		return m.fail(ctx, rule, sellErr, log)
	}
}

// fail moves an EXECUTING rule to FAILED and alerts the user.
func (m *StopLossMonitor) fail(ctx context.Context, rule domain.StopLossRule, cause error, log *slog.Logger) outcome {
	msg := cause.Error()
	failures := rule.Failures
	if domain.IsRetryable(cause) || errors.Is(cause, domain.ErrUnconfirmed) {
		failures++
	}
	if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossExecuting, domain.StopLossFailed, domain.StopLossUpdate{
		Failures:  &failures,
		LastError: &msg,
	}); err != nil {
		log.ErrorContext(ctx, "mark failed", slog.String("error", err.Error()))
		return outcomeNone
	}
	log.ErrorContext(ctx, "stop loss failed", slog.String("error", msg))
	m.events.Record(ctx, domain.Event{
		Type:       domain.EventStopLossFailed,
		UserID:     rule.UserID,
		PositionID: rule.PositionID,
		Detail:     map[string]any{"error": msg, "failures": failures},
	})
	return outcomeFailed
}

// reconcileUnconfirmed checks the venue after a timed-out sell. It reports
// true when the position turned out to be sold and the rule was completed.
func (m *StopLossMonitor) reconcileUnconfirmed(ctx context.Context, rule domain.StopLossRule, pos domain.Position) (bool, error) {
	profile, err := m.profiles.Profile(ctx, rule.UserID)
	if err != nil {
		return false, fmt.Errorf("stoploss: profile: %w", err)
	}
	upstream, err := m.holdings.Position(ctx, profile.ProxyWallet, rule.TokenID)
	if err != nil {
		return false, fmt.Errorf("stoploss: refresh position: %w", err)
	}

	if upstream.Size.IsPositive() {
		if _, err := m.positions.UpsertSynced(ctx, rule.UserID, []domain.Position{upstream}); err != nil {
			return false, fmt.Errorf("stoploss: refresh position: %w", err)
		}
		if err := m.rules.ClearUnconfirmed(ctx, rule.ID); err != nil {
			return false, fmt.Errorf("stoploss: clear unconfirmed: %w", err)
		}
		return false, nil
	}

	// The timed-out sell went through. Book it at the last known price.
	if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossArmed, domain.StopLossTriggered, domain.StopLossUpdate{}); err != nil {
		return false, err
	}
	if _, err := m.rules.Transition(ctx, rule.ID, domain.StopLossTriggered, domain.StopLossExecuting, domain.StopLossUpdate{}); err != nil {
		return false, err
	}
	price := rule.TriggerPrice
	if pos.CurrentPrice != nil && pos.CurrentPrice.IsPositive() {
		price = *pos.CurrentPrice
	}
	sale := domain.Sale{OrderID: rule.SellOrderID, Price: price, Size: decimal.Zero}
	closed, err := m.completeExecution(ctx, rule.ID, sale)
	if err != nil {
		return false, fmt.Errorf("stoploss: complete unconfirmed: %w", err)
	}
	m.logger.InfoContext(ctx, "unconfirmed sell confirmed upstream",
		slog.String("rule_id", rule.ID),
		slog.String("position_id", rule.PositionID),
		slog.String("price_estimate", price.String()),
	)
	m.events.Record(ctx, domain.Event{
		Type:       domain.EventStopLossExecuted,
		UserID:     rule.UserID,
		PositionID: rule.PositionID,
		OrderID:    rule.SellOrderID,
		Detail: map[string]any{
			"market":       m.label(ctx, closed),
			"price":        price.String(),
			"estimated":    true,
			"realized_pnl": closed.RealizedPnL.String(),
		},
	})
	return true, nil
}

func (m *StopLossMonitor) label(ctx context.Context, pos domain.Position) string {
	if pos.Title != "" {
		return pos.Title
	}
	if m.markets == nil {
		return pos.MarketID
	}
	return m.markets.Ref(ctx, pos.MarketID).Label()
}
