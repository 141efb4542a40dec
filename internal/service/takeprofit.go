package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
)

const takeProfitLockTTL = time.Minute

// TakeProfitManager keeps a take-profit rule and its resting limit sell in
// step. A position never has two resting take-profit orders: edits are
// cancel-then-replace under a per-position lock, and a venue sell that no
// rule owns is adopted before a new one is placed.
type TakeProfitManager struct {
	rules     domain.TakeProfitStore
	stops     domain.StopLossStore
	orders    domain.OrderStore
	positions domain.PositionStore
	trader    Trader
	markets   *Reconciler
	locks     domain.LockManager
	events    *Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewTakeProfitManager creates a TakeProfitManager.
func NewTakeProfitManager(
	rules domain.TakeProfitStore,
	stops domain.StopLossStore,
	orders domain.OrderStore,
	positions domain.PositionStore,
	trader Trader,
	markets *Reconciler,
	locks domain.LockManager,
	events *Recorder,
	logger *slog.Logger,
) *TakeProfitManager {
	return &TakeProfitManager{
		rules:     rules,
		stops:     stops,
		orders:    orders,
		positions: positions,
		trader:    trader,
		markets:   markets,
		locks:     locks,
		events:    events,
		logger:    logger.With(slog.String("component", "takeprofit")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Set places a take profit at price, or moves the existing one there.
func (m *TakeProfitManager) Set(ctx context.Context, userID, positionID string, price decimal.Decimal) (domain.ActionResult, error) {
	price, err := domain.ValidateOutcomePrice("price", price)
	if err != nil {
		return domain.ActionResult{}, err
	}
	pos, err := m.positions.Get(ctx, userID, positionID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("takeprofit: load position: %w", err)
	}
	if !pos.Open() {
		return domain.ActionResult{}, domain.Invalid("position", "nothing left to sell")
	}
	if !price.GreaterThan(pos.AvgPrice) {
		return domain.ActionResult{}, domain.Invalid("price", "take profit must be above the average entry %s", pos.AvgPrice.StringFixed(domain.TickDecimals))
	}

	unlock, err := m.lock(ctx, pos.ID)
	if err != nil {
		return domain.ActionResult{}, err
	}
	defer unlock()

	rule, err := m.rules.Active(ctx, pos.ID)
	switch {
	case err == nil:
		if rule.TargetPrice.Equal(price) {
			return domain.ActionResult{}, domain.Invalid("price", "take profit is already at %s", price.StringFixed(domain.TickDecimals))
		}
		return m.edit(ctx, pos, rule, price)
	case errors.Is(err, domain.ErrNotFound):
		resting, found, err := m.resting(ctx, pos)
		if err != nil {
			return domain.ActionResult{}, err
		}
		if !found {
			return m.place(ctx, pos, price)
		}
		adopted, err := m.adopt(ctx, pos, resting)
		if err != nil {
			return domain.ActionResult{}, err
		}
		if adopted.TargetPrice.Equal(price) {
			return domain.ActionResult{
				Message: fmt.Sprintf("Take profit set at %s", price.StringFixed(domain.TickDecimals)),
				OrderID: adopted.OrderID,
			}, nil
		}
		return m.edit(ctx, pos, adopted, price)
	default:
		return domain.ActionResult{}, fmt.Errorf("takeprofit: load rule: %w", err)
	}
}

func (m *TakeProfitManager) place(ctx context.Context, pos domain.Position, price decimal.Decimal) (domain.ActionResult, error) {
	placed, err := m.trader.PlaceLimitOrder(ctx, pos.UserID, domain.OrderRequest{
		TokenID:     pos.TokenID,
		Side:        domain.OrderSideSell,
		Price:       price,
		Size:        pos.Size,
		TimeInForce: domain.OrderTypeGTC,
		NegRisk:     m.negRisk(ctx, pos.TokenID),
	})
	if errors.Is(err, domain.ErrUnconfirmed) {
		// The order may rest anyway. Look once more before reporting failure;
		// if it is still unseen, the next Set or order sync picks it up.
		rctx := context.WithoutCancel(ctx)
		if o, found, rerr := m.resting(rctx, pos); rerr == nil && found {
			if rule, aerr := m.adopt(rctx, pos, o); aerr == nil {
				return domain.ActionResult{
					Message: fmt.Sprintf("Take profit set at %s", rule.TargetPrice.StringFixed(domain.TickDecimals)),
					OrderID: rule.OrderID,
				}, nil
			}
		}
	}
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("takeprofit: place: %w", err)
	}

	rule := domain.TakeProfitRule{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		UserID:      pos.UserID,
		TokenID:     pos.TokenID,
		TargetPrice: price,
		OrderID:     placed.OrderID,
		State:       domain.TakeProfitPlaced,
	}
	if err := m.rules.Create(ctx, rule); err != nil {
		// Never leave an order resting that no rule owns.
		if _, cerr := m.trader.CancelOrder(context.WithoutCancel(ctx), pos.UserID, placed.OrderID); cerr != nil {
			m.logger.ErrorContext(ctx, "orphaned take-profit order",
				slog.String("order_id", placed.OrderID),
				slog.String("error", cerr.Error()),
			)
		}
		return domain.ActionResult{}, fmt.Errorf("takeprofit: create rule: %w", err)
	}

	m.recordOrder(ctx, pos, placed.OrderID, pos.Size, price, placed.SizeFilled)

	m.events.Record(ctx, domain.Event{
		Type:       domain.EventTakeProfitPlaced,
		UserID:     pos.UserID,
		PositionID: pos.ID,
		OrderID:    placed.OrderID,
		Detail:     map[string]any{"price": price.String(), "size": pos.Size.String()},
	})

	if placed.Status == domain.OrderStatusMatched {
		m.markFilled(ctx, rule)
		return domain.ActionResult{
			Message: fmt.Sprintf("Take profit at %s filled immediately", price.StringFixed(domain.TickDecimals)),
			OrderID: placed.OrderID,
		}, nil
	}
	return domain.ActionResult{
		Message: fmt.Sprintf("Take profit set at %s", price.StringFixed(domain.TickDecimals)),
		OrderID: placed.OrderID,
	}, nil
}

// recordOrder writes the local row of a resting take-profit order.
func (m *TakeProfitManager) recordOrder(ctx context.Context, pos domain.Position, orderID string, size, price, filled decimal.Decimal) {
	now := m.now()
	positionID := pos.ID
	if _, err := m.orders.Upsert(ctx, domain.Order{
		UserID:         pos.UserID,
		MarketID:       pos.MarketID,
		TokenID:        pos.TokenID,
		ExternalID:     orderID,
		Side:           domain.OrderSideSell,
		Outcome:        pos.Outcome,
		Type:           domain.OrderTypeTakeProfit,
		Size:           size,
		Price:          price,
		SizeFilled:     filled,
		Status:         domain.OrderStatusLive,
		MarketQuestion: pos.Title,
		PositionID:     &positionID,
		PlacedAt:       &now,
	}); err != nil {
		m.logger.WarnContext(ctx, "record take-profit order failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// Adopt makes a resting venue sell the position's take profit when no rule
// owns one, as happens when a placement's confirmation was lost. It reports
// whether a rule was created.
func (m *TakeProfitManager) Adopt(ctx context.Context, pos domain.Position, o domain.Order) (bool, error) {
	if !adoptable(pos, o) {
		return false, nil
	}
	if _, err := m.rules.GetByOrderID(ctx, pos.UserID, o.ExternalID); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("takeprofit: adopt: %w", err)
	}

	unlock, err := m.lock(ctx, pos.ID)
	if err != nil {
		return false, err
	}
	defer unlock()

	_, err = m.rules.Active(ctx, pos.ID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, fmt.Errorf("takeprofit: adopt: %w", err)
	}
	if _, err := m.adopt(ctx, pos, o); err != nil {
		return false, err
	}
	return true, nil
}

// resting finds an open venue sell that covers the whole position above its
// entry, the shape of an order this manager places.
func (m *TakeProfitManager) resting(ctx context.Context, pos domain.Position) (domain.Order, bool, error) {
	open, err := m.trader.OpenOrders(ctx, pos.UserID)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("takeprofit: check resting orders: %w", err)
	}
	for _, o := range open {
		if adoptable(pos, o) {
			return o, true, nil
		}
	}
	return domain.Order{}, false, nil
}

func adoptable(pos domain.Position, o domain.Order) bool {
	return pos.Open() &&
		o.TokenID == pos.TokenID &&
		o.Side == domain.OrderSideSell &&
		domain.NormalizeOrderStatus(string(o.Status)) == domain.OrderStatusLive &&
		!strings.HasPrefix(o.ExternalID, "sl-") &&
		o.Size.GreaterThanOrEqual(pos.Size) &&
		o.Price.GreaterThan(pos.AvgPrice)
}

// adopt creates the PLACED rule for o. The caller holds the position lock.
func (m *TakeProfitManager) adopt(ctx context.Context, pos domain.Position, o domain.Order) (domain.TakeProfitRule, error) {
	rule := domain.TakeProfitRule{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		UserID:      pos.UserID,
		TokenID:     pos.TokenID,
		TargetPrice: domain.RoundTick(o.Price),
		OrderID:     o.ExternalID,
		State:       domain.TakeProfitPlaced,
	}
	if err := m.rules.Create(ctx, rule); err != nil {
		return domain.TakeProfitRule{}, fmt.Errorf("takeprofit: adopt: %w", err)
	}
	m.recordOrder(ctx, pos, o.ExternalID, o.Size, rule.TargetPrice, o.SizeFilled)
	m.logger.InfoContext(ctx, "adopted resting take-profit order",
		slog.String("position_id", pos.ID),
		slog.String("order_id", o.ExternalID),
		slog.String("price", rule.TargetPrice.String()),
	)
	m.events.Record(ctx, domain.Event{
		Type:       domain.EventTakeProfitPlaced,
		UserID:     pos.UserID,
		PositionID: pos.ID,
		OrderID:    o.ExternalID,
		Detail:     map[string]any{"price": rule.TargetPrice.String(), "size": o.Size.String(), "adopted": true},
	})
	return rule, nil
}

func (m *TakeProfitManager) edit(ctx context.Context, pos domain.Position, rule domain.TakeProfitRule, price decimal.Decimal) (domain.ActionResult, error) {
	res, err := m.trader.EditOrder(ctx, pos.UserID, rule.OrderID, price, m.negRisk(ctx, pos.TokenID))
	switch {
	case errors.Is(err, domain.ErrOrderFilled):
		m.markFilled(ctx, rule)
		return domain.ActionResult{}, fmt.Errorf("takeprofit: edit: %w", err)
	case err != nil && res.Cancelled:
		// The old order is gone and nothing replaced it.
		m.closeCancelled(ctx, rule)
		return domain.ActionResult{}, fmt.Errorf("takeprofit: edit: %w", err)
	case err != nil:
		return domain.ActionResult{}, fmt.Errorf("takeprofit: edit: %w", err)
	}

	if err := m.rules.Replace(ctx, rule.ID, rule.OrderID, res.NewOrderID, price); err != nil {
		return domain.ActionResult{}, fmt.Errorf("takeprofit: record edit: %w", err)
	}
	m.replaceRow(ctx, pos, rule.OrderID, res, price)

	m.events.Record(ctx, domain.Event{
		Type:       domain.EventTakeProfitEdited,
		UserID:     pos.UserID,
		PositionID: pos.ID,
		OrderID:    res.NewOrderID,
		Detail: map[string]any{
			"price":     price.String(),
			"old_price": rule.TargetPrice.String(),
			"old_order": rule.OrderID,
		},
	})
	return domain.ActionResult{
		Message: fmt.Sprintf("Take profit moved to %s", price.StringFixed(domain.TickDecimals)),
		OrderID: res.NewOrderID,
	}, nil
}

// replaceRow points the local order row at the replacement order.
func (m *TakeProfitManager) replaceRow(ctx context.Context, pos domain.Position, oldOrderID string, res executor.EditResult, price decimal.Decimal) {
	row, err := m.orders.GetByExternalID(ctx, pos.UserID, oldOrderID)
	if err == nil {
		err = m.orders.Replace(ctx, row.ID, res.NewOrderID, price, res.Size)
	}
	if err == nil {
		return
	}
	now := m.now()
	positionID := pos.ID
	if _, uerr := m.orders.Upsert(ctx, domain.Order{
		UserID:         pos.UserID,
		MarketID:       pos.MarketID,
		TokenID:        pos.TokenID,
		ExternalID:     res.NewOrderID,
		Side:           domain.OrderSideSell,
		Outcome:        pos.Outcome,
		Type:           domain.OrderTypeTakeProfit,
		Size:           res.Size,
		Price:          price,
		Status:         domain.OrderStatusLive,
		MarketQuestion: pos.Title,
		PositionID:     &positionID,
		PlacedAt:       &now,
	}); uerr != nil {
		m.logger.WarnContext(ctx, "record replacement order failed",
			slog.String("order_id", res.NewOrderID),
			slog.String("error", uerr.Error()),
		)
	}
}

// Cancel cancels the position's take profit. An order that filled before the
// cancel reached the venue closes the rule as FILLED.
func (m *TakeProfitManager) Cancel(ctx context.Context, userID, positionID string) (domain.ActionResult, error) {
	pos, err := m.positions.Get(ctx, userID, positionID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("takeprofit: load position: %w", err)
	}
	unlock, err := m.lock(ctx, pos.ID)
	if err != nil {
		return domain.ActionResult{}, err
	}
	defer unlock()

	rule, err := m.rules.Active(ctx, pos.ID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("takeprofit: no take profit on position: %w", err)
	}

	out, err := m.trader.CancelOrder(ctx, userID, rule.OrderID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("takeprofit: cancel: %w", err)
	}
	if out == domain.CancelOutcomeAlreadyFilled {
		m.markFilled(ctx, rule)
		return domain.ActionResult{Message: "Take profit had already filled", OrderID: rule.OrderID}, nil
	}
	if err := m.closeCancelled(ctx, rule); err != nil {
		return domain.ActionResult{}, err
	}
	return domain.ActionResult{Message: "Take profit cancelled", OrderID: rule.OrderID}, nil
}

// Follow moves a PLACED rule onto a replacement order after an edit made
// through the order endpoints.
func (m *TakeProfitManager) Follow(ctx context.Context, userID, oldOrderID, newOrderID string, price decimal.Decimal) error {
	rule, err := m.rules.GetByOrderID(ctx, userID, oldOrderID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && rule.State != domain.TakeProfitPlaced) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("takeprofit: follow: %w", err)
	}
	if err := m.rules.Replace(ctx, rule.ID, oldOrderID, newOrderID, price); err != nil {
		return fmt.Errorf("takeprofit: follow: %w", err)
	}
	return nil
}

// OnOrderUpdate reacts to a venue status change seen by order sync.
func (m *TakeProfitManager) OnOrderUpdate(ctx context.Context, order domain.Order) {
	rule, err := m.rules.GetByOrderID(ctx, order.UserID, order.ExternalID)
	if err != nil || rule.State != domain.TakeProfitPlaced {
		return
	}
	switch order.Status {
	case domain.OrderStatusMatched:
		m.markFilled(ctx, rule)
	case domain.OrderStatusCancelled:
		if err := m.closeCancelled(ctx, rule); err != nil {
			m.logger.WarnContext(ctx, "close cancelled take profit failed",
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// markFilled closes a rule whose order matched. A stop loss still armed on
// the now empty position is removed.
func (m *TakeProfitManager) markFilled(ctx context.Context, rule domain.TakeProfitRule) {
	pos, err := m.rules.MarkFilled(ctx, rule.ID)
	if errors.Is(err, domain.ErrConcurrentClaimLost) {
		return
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "mark take profit filled failed",
			slog.String("rule_id", rule.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.InfoContext(ctx, "take profit filled",
		slog.String("rule_id", rule.ID),
		slog.String("position_id", rule.PositionID),
		slog.String("order_id", rule.OrderID),
	)

	if m.stops != nil {
		if sl, err := m.stops.Active(ctx, rule.PositionID); err == nil && sl.State == domain.StopLossArmed {
			if _, err := m.stops.Transition(ctx, sl.ID, domain.StopLossArmed, domain.StopLossRemoved, domain.StopLossUpdate{}); err != nil && !errors.Is(err, domain.ErrConcurrentClaimLost) {
				m.logger.WarnContext(ctx, "remove stop loss after fill failed",
					slog.String("rule_id", sl.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	market := pos.Title
	if market == "" && m.markets != nil {
		market = m.markets.Ref(ctx, pos.MarketID).Label()
	}
	m.events.Record(ctx, domain.Event{
		Type:       domain.EventTakeProfitFilled,
		UserID:     rule.UserID,
		PositionID: rule.PositionID,
		OrderID:    rule.OrderID,
		Detail: map[string]any{
			"market":       market,
			"price":        rule.TargetPrice.String(),
			"realized_pnl": pos.RealizedPnL.String(),
		},
	})
}

func (m *TakeProfitManager) closeCancelled(ctx context.Context, rule domain.TakeProfitRule) error {
	err := m.rules.Transition(ctx, rule.ID, domain.TakeProfitPlaced, domain.TakeProfitCancelled)
	if err != nil && !errors.Is(err, domain.ErrConcurrentClaimLost) {
		return fmt.Errorf("takeprofit: close rule: %w", err)
	}
	if row, err := m.orders.GetByExternalID(ctx, rule.UserID, rule.OrderID); err == nil && row.Status == domain.OrderStatusLive {
		if err := m.orders.SetStatus(ctx, row.ID, domain.OrderStatusLive, domain.OrderStatusCancelled, nil); err != nil && !errors.Is(err, domain.ErrConcurrentClaimLost) {
			m.logger.WarnContext(ctx, "cancel order row failed",
				slog.String("order_id", rule.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
	m.events.Record(ctx, domain.Event{
		Type:       domain.EventTakeProfitCancelled,
		UserID:     rule.UserID,
		PositionID: rule.PositionID,
		OrderID:    rule.OrderID,
	})
	return nil
}

func (m *TakeProfitManager) lock(ctx context.Context, positionID string) (func(), error) {
	if m.locks == nil {
		return func() {}, nil
	}
	unlock, err := m.locks.Acquire(ctx, "tp:"+positionID, takeProfitLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("takeprofit: another change is in progress: %w", domain.ErrConcurrentClaimLost)
	}
	if err != nil {
		return nil, fmt.Errorf("takeprofit: lock: %w", err)
	}
	return unlock, nil
}

func (m *TakeProfitManager) negRisk(ctx context.Context, tokenID string) bool {
	return m.markets != nil && m.markets.NegRisk(ctx, tokenID)
}
