package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

// CredentialVault stores and describes trading credentials.
// *vault.Vault implements it.
type CredentialVault interface {
	Profiles
	Store(ctx context.Context, userID string, in vault.CredentialInput) (domain.TradingProfile, error)
}

// TradingService exposes the user-facing risk and trading operations. The
// caller is already authenticated; every operation is scoped to userID.
type TradingService struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	stops     domain.StopLossStore
	tps       domain.TakeProfitStore
	trader    Trader
	tp        *TakeProfitManager
	sync      *SyncService
	markets   *Reconciler
	vault     CredentialVault
	events    *Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewTradingService creates a TradingService.
func NewTradingService(
	positions domain.PositionStore,
	orders domain.OrderStore,
	stops domain.StopLossStore,
	tps domain.TakeProfitStore,
	trader Trader,
	tp *TakeProfitManager,
	sync *SyncService,
	markets *Reconciler,
	v CredentialVault,
	events *Recorder,
	logger *slog.Logger,
) *TradingService {
	return &TradingService{
		positions: positions,
		orders:    orders,
		stops:     stops,
		tps:       tps,
		trader:    trader,
		tp:        tp,
		sync:      sync,
		markets:   markets,
		vault:     v,
		events:    events,
		logger:    logger.With(slog.String("component", "trading")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetStopLoss arms a stop loss on the position, or moves the trigger of the
// one already armed.
func (s *TradingService) SetStopLoss(ctx context.Context, userID, positionID string, price decimal.Decimal) (domain.ActionResult, error) {
	price, err := domain.ValidateOutcomePrice("price", price)
	if err != nil {
		return domain.ActionResult{}, err
	}
	pos, err := s.positions.Get(ctx, userID, positionID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: set stop loss: %w", err)
	}
	if !pos.Open() {
		return domain.ActionResult{}, domain.Invalid("position", "nothing left to protect")
	}
	if !price.LessThan(pos.AvgPrice) {
		return domain.ActionResult{}, domain.Invalid("price", "stop loss must be below the average entry %s", pos.AvgPrice.StringFixed(domain.TickDecimals))
	}
	orderID := domain.StopLossOrderID(pos.ID)

	rule, err := s.stops.Active(ctx, pos.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := s.armStopLoss(ctx, pos, price); err != nil {
			return domain.ActionResult{}, err
		}
		s.events.Record(ctx, domain.Event{
			Type:       domain.EventStopLossSet,
			UserID:     userID,
			PositionID: pos.ID,
			OrderID:    orderID,
			Detail:     map[string]any{"price": price.String()},
		})
		return domain.ActionResult{
			Message: fmt.Sprintf("Stop loss set at %s", price.StringFixed(domain.TickDecimals)),
			OrderID: orderID,
		}, nil
	case err != nil:
		return domain.ActionResult{}, fmt.Errorf("trading: set stop loss: %w", err)
	case rule.State.Claimed():
		return domain.ActionResult{}, fmt.Errorf("trading: set stop loss: %w", domain.ErrExecutionInProgress)
	case rule.TriggerPrice.Equal(price):
		return domain.ActionResult{}, domain.Invalid("price", "stop loss is already at %s", price.StringFixed(domain.TickDecimals))
	}

	if err := s.stops.UpdateTrigger(ctx, rule.ID, price); err != nil {
		if errors.Is(err, domain.ErrConcurrentClaimLost) {
			return domain.ActionResult{}, fmt.Errorf("trading: set stop loss: %w", domain.ErrExecutionInProgress)
		}
		return domain.ActionResult{}, fmt.Errorf("trading: set stop loss: %w", err)
	}
	s.events.Record(ctx, domain.Event{
		Type:       domain.EventStopLossUpdated,
		UserID:     userID,
		PositionID: pos.ID,
		OrderID:    orderID,
		Detail:     map[string]any{"price": price.String(), "old_price": rule.TriggerPrice.String()},
	})
	return domain.ActionResult{
		Message: fmt.Sprintf("Stop loss moved to %s", price.StringFixed(domain.TickDecimals)),
		OrderID: orderID,
	}, nil
}

// armStopLoss creates an ARMED rule and its mirrored order row.
func (s *TradingService) armStopLoss(ctx context.Context, pos domain.Position, price decimal.Decimal) error {
	rule := domain.StopLossRule{
		ID:           uuid.NewString(),
		PositionID:   pos.ID,
		UserID:       pos.UserID,
		TokenID:      pos.TokenID,
		TriggerPrice: price,
		Direction:    domain.DirectionLong,
		State:        domain.StopLossArmed,
	}
	if err := s.stops.Create(ctx, rule); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("trading: arm stop loss: %w", domain.ErrConcurrentClaimLost)
		}
		return fmt.Errorf("trading: arm stop loss: %w", err)
	}

	now := s.now()
	positionID := pos.ID
	if _, err := s.orders.Upsert(ctx, domain.Order{
		UserID:         pos.UserID,
		MarketID:       pos.MarketID,
		TokenID:        pos.TokenID,
		ExternalID:     domain.StopLossOrderID(pos.ID),
		Side:           domain.OrderSideSell,
		Outcome:        pos.Outcome,
		Type:           domain.OrderTypeStopLoss,
		Size:           pos.Size,
		Price:          price,
		SizeFilled:     decimal.Zero,
		Status:         domain.OrderStatusLive,
		MarketQuestion: pos.Title,
		PositionID:     &positionID,
		PlacedAt:       &now,
	}); err != nil {
		s.logger.WarnContext(ctx, "record stop-loss order failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// RemoveStopLoss disarms the position's stop loss. A rule that is already
// executing cannot be removed.
func (s *TradingService) RemoveStopLoss(ctx context.Context, userID, positionID string) (domain.ActionResult, error) {
	pos, err := s.positions.Get(ctx, userID, positionID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: remove stop loss: %w", err)
	}
	rule, err := s.removeStopLoss(ctx, pos.ID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: remove stop loss: %w", err)
	}
	s.events.Record(ctx, domain.Event{
		Type:       domain.EventStopLossRemoved,
		UserID:     userID,
		PositionID: pos.ID,
		OrderID:    domain.StopLossOrderID(pos.ID),
		Detail:     map[string]any{"price": rule.TriggerPrice.String()},
	})
	return domain.ActionResult{Message: "Stop loss removed", OrderID: domain.StopLossOrderID(pos.ID)}, nil
}

// removeStopLoss moves the active rule to REMOVED, following it from ARMED
// to TRIGGERED if the monitor claims it in between.
func (s *TradingService) removeStopLoss(ctx context.Context, positionID string) (domain.StopLossRule, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rule, err := s.stops.Active(ctx, positionID)
		if err != nil {
			return domain.StopLossRule{}, err
		}
		if rule.State == domain.StopLossExecuting {
			return domain.StopLossRule{}, domain.ErrExecutionInProgress
		}
		removed, err := s.stops.Transition(ctx, rule.ID, rule.State, domain.StopLossRemoved, domain.StopLossUpdate{})
		if errors.Is(err, domain.ErrConcurrentClaimLost) {
			continue
		}
		return removed, err
	}
	return domain.StopLossRule{}, domain.ErrExecutionInProgress
}

// SetTakeProfit places or moves the position's take profit.
func (s *TradingService) SetTakeProfit(ctx context.Context, userID, positionID string, price decimal.Decimal) (domain.ActionResult, error) {
	return s.tp.Set(ctx, userID, positionID, price)
}

// CancelTakeProfit cancels the position's take profit.
func (s *TradingService) CancelTakeProfit(ctx context.Context, userID, positionID string) (domain.ActionResult, error) {
	return s.tp.Cancel(ctx, userID, positionID)
}

// MarketSell sells the whole position now. An armed stop loss is removed
// first and a resting take profit cancelled; a stop loss already executing
// wins and the manual sell is refused.
func (s *TradingService) MarketSell(ctx context.Context, userID, positionID string) (domain.ActionResult, error) {
	pos, err := s.positions.Get(ctx, userID, positionID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: market sell: %w", err)
	}
	if !pos.Open() {
		return domain.ActionResult{}, domain.Invalid("position", "nothing left to sell")
	}

	var disarmed *domain.StopLossRule
	if rule, err := s.removeStopLoss(ctx, pos.ID); err == nil {
		disarmed = &rule
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.ActionResult{}, fmt.Errorf("trading: market sell: %w", err)
	}

	if _, err := s.tps.Active(ctx, pos.ID); err == nil {
		if _, err := s.tp.Cancel(ctx, userID, pos.ID); err != nil {
			s.logger.WarnContext(ctx, "cancel take profit before sell failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		if pos, err = s.positions.Get(ctx, userID, pos.ID); err != nil {
			return domain.ActionResult{}, fmt.Errorf("trading: market sell: %w", err)
		}
		if !pos.Open() {
			return domain.ActionResult{Message: "Position was already closed by its take profit"}, nil
		}
	}

	negRisk := s.markets != nil && s.markets.NegRisk(ctx, pos.TokenID)
	sale, err := s.trader.MarketSell(ctx, userID, pos.TokenID, pos.Size, negRisk)
	if err != nil {
		if disarmed != nil && !errors.Is(err, domain.ErrUnconfirmed) {
			s.rearm(ctx, pos, disarmed.TriggerPrice)
		}
		return domain.ActionResult{}, fmt.Errorf("trading: market sell: %w", err)
	}

	if _, err := s.positions.ApplySale(ctx, userID, pos.ID, sale); err != nil {
		s.logger.ErrorContext(ctx, "sold but could not record sale",
			slog.String("position_id", pos.ID),
			slog.String("order_id", sale.OrderID),
			slog.String("error", err.Error()),
		)
	}
	now := s.now()
	if _, err := s.orders.Upsert(ctx, domain.Order{
		UserID:         userID,
		MarketID:       pos.MarketID,
		TokenID:        pos.TokenID,
		ExternalID:     sale.OrderID,
		Side:           domain.OrderSideSell,
		Outcome:        pos.Outcome,
		Type:           domain.OrderTypeMarket,
		Size:           sale.Size,
		Price:          sale.Price,
		SizeFilled:     sale.Size,
		Status:         domain.OrderStatusMatched,
		MarketQuestion: pos.Title,
		PositionID:     &positionID,
		PlacedAt:       &now,
	}); err != nil {
		s.logger.WarnContext(ctx, "record market sell order failed",
			slog.String("order_id", sale.OrderID),
			slog.String("error", err.Error()),
		)
	}

	s.events.Record(ctx, domain.Event{
		Type:       domain.EventMarketSell,
		UserID:     userID,
		PositionID: pos.ID,
		OrderID:    sale.OrderID,
		Detail: map[string]any{
			"price":    sale.Price.String(),
			"size":     sale.Size.String(),
			"proceeds": sale.Proceeds.String(),
		},
	})
	return domain.ActionResult{
		Message: fmt.Sprintf("Sold %s shares at %s", sale.Size.String(), sale.Price.StringFixed(domain.TickDecimals)),
		OrderID: sale.OrderID,
	}, nil
}

// rearm restores a stop loss removed for a manual sell that did not happen.
func (s *TradingService) rearm(ctx context.Context, pos domain.Position, price decimal.Decimal) {
	if err := s.armStopLoss(ctx, pos, price); err != nil {
		s.logger.ErrorContext(ctx, "re-arm stop loss after failed sell",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// EditOrder moves a resting order to price. The stop-loss row moves the
// trigger instead; a take-profit order keeps its rule attached.
func (s *TradingService) EditOrder(ctx context.Context, userID, orderID string, price decimal.Decimal) (domain.ActionResult, error) {
	row, err := s.findOrder(ctx, userID, orderID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: edit order: %w", err)
	}
	if row.Type == domain.OrderTypeStopLoss && row.PositionID != nil {
		return s.SetStopLoss(ctx, userID, *row.PositionID, price)
	}
	price, err = domain.ValidateOutcomePrice("price", price)
	if err != nil {
		return domain.ActionResult{}, err
	}
	if row.Status != domain.OrderStatusLive {
		return domain.ActionResult{}, domain.Invalid("order", "order is %s", row.Status)
	}

	res, err := s.trader.EditOrder(ctx, userID, row.ExternalID, price, s.markets != nil && s.markets.NegRisk(ctx, row.TokenID))
	switch {
	case errors.Is(err, domain.ErrOrderFilled):
		s.settle(ctx, row, domain.OrderStatusMatched, row.Size)
		return domain.ActionResult{}, fmt.Errorf("trading: edit order: %w", err)
	case err != nil && res.Cancelled:
		s.settle(ctx, row, domain.OrderStatusCancelled, row.SizeFilled)
		return domain.ActionResult{}, fmt.Errorf("trading: edit order: %w", err)
	case err != nil:
		return domain.ActionResult{}, fmt.Errorf("trading: edit order: %w", err)
	}

	if err := s.orders.Replace(ctx, row.ID, res.NewOrderID, price, res.Size); err != nil {
		s.logger.WarnContext(ctx, "record edited order failed",
			slog.String("order_id", res.NewOrderID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.tp.Follow(ctx, userID, row.ExternalID, res.NewOrderID, price); err != nil {
		s.logger.WarnContext(ctx, "take profit did not follow edit",
			slog.String("order_id", res.NewOrderID),
			slog.String("error", err.Error()),
		)
	}
	s.events.Record(ctx, domain.Event{
		Type:    domain.EventOrderEdited,
		UserID:  userID,
		OrderID: res.NewOrderID,
		Detail: map[string]any{
			"old_order": row.ExternalID,
			"price":     price.String(),
			"size":      res.Size.String(),
		},
	})
	return domain.ActionResult{
		Message: fmt.Sprintf("Order moved to %s", price.StringFixed(domain.TickDecimals)),
		OrderID: res.NewOrderID,
	}, nil
}

// CancelOrder cancels a resting order. Cancelling an order that already
// closed succeeds and reports what happened to it.
func (s *TradingService) CancelOrder(ctx context.Context, userID, orderID string) (domain.ActionResult, error) {
	row, err := s.findOrder(ctx, userID, orderID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: cancel order: %w", err)
	}
	if row.Type == domain.OrderTypeStopLoss && row.PositionID != nil {
		return s.RemoveStopLoss(ctx, userID, *row.PositionID)
	}
	if row.PositionID != nil {
		if rule, err := s.tps.GetByOrderID(ctx, userID, row.ExternalID); err == nil && rule.State == domain.TakeProfitPlaced {
			return s.tp.Cancel(ctx, userID, *row.PositionID)
		}
	}

	out, err := s.trader.CancelOrder(ctx, userID, row.ExternalID)
	if err != nil {
		return domain.ActionResult{}, fmt.Errorf("trading: cancel order: %w", err)
	}
	msg := "Order cancelled"
	switch out {
	case domain.CancelOutcomeAlreadyFilled:
		s.settle(ctx, row, domain.OrderStatusMatched, row.Size)
		msg = "Order had already filled"
	case domain.CancelOutcomeAlreadyCancelled:
		s.settle(ctx, row, domain.OrderStatusCancelled, row.SizeFilled)
		msg = "Order was already cancelled"
	default:
		s.settle(ctx, row, domain.OrderStatusCancelled, row.SizeFilled)
	}
	s.events.Record(ctx, domain.Event{
		Type:    domain.EventOrderCancelled,
		UserID:  userID,
		OrderID: row.ExternalID,
		Detail:  map[string]any{"outcome": string(out)},
	})
	return domain.ActionResult{Message: msg, OrderID: row.ExternalID}, nil
}

// settle closes a LIVE row and lets a linked take profit react.
func (s *TradingService) settle(ctx context.Context, row domain.Order, status domain.OrderStatus, filled decimal.Decimal) {
	if row.Status != domain.OrderStatusLive {
		return
	}
	if err := s.orders.SetStatus(ctx, row.ID, domain.OrderStatusLive, status, &filled); err != nil {
		if !errors.Is(err, domain.ErrConcurrentClaimLost) {
			s.logger.WarnContext(ctx, "settle order row failed",
				slog.String("order_id", row.ExternalID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	row.Status = status
	row.SizeFilled = filled
	s.tp.OnOrderUpdate(ctx, row)
}

// findOrder looks a row up by local id, then by venue id.
func (s *TradingService) findOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	row, err := s.orders.Get(ctx, userID, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		row, err = s.orders.GetByExternalID(ctx, userID, orderID)
	}
	return row, err
}

// SyncPositions refreshes the user's positions from the venue.
func (s *TradingService) SyncPositions(ctx context.Context, userID string) (domain.ActionResult, error) {
	report, err := s.sync.SyncPositions(ctx, userID)
	if err != nil {
		return domain.ActionResult{}, err
	}
	msg := fmt.Sprintf("Synced %d positions", report.Upserted)
	if report.Zeroed > 0 {
		msg += fmt.Sprintf(", %d closed", report.Zeroed)
	}
	if report.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped while a stop loss executes", report.Skipped)
	}
	return domain.ActionResult{Message: msg}, nil
}

// SyncOrders refreshes the user's orders from the venue.
func (s *TradingService) SyncOrders(ctx context.Context, userID string) (domain.ActionResult, error) {
	report, err := s.sync.SyncOrders(ctx, userID)
	if err != nil {
		return domain.ActionResult{}, err
	}
	return domain.ActionResult{
		Message: fmt.Sprintf("Synced %d open orders, %d resolved", report.Upserted, report.Resolved),
	}, nil
}

// Portfolio returns the user's positions with totals.
func (s *TradingService) Portfolio(ctx context.Context, userID string) (domain.Portfolio, error) {
	positions, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("trading: portfolio: %w", err)
	}
	return domain.NewPortfolio(positions), nil
}

// ListOrders lists the user's order rows, newest first.
func (s *TradingService) ListOrders(ctx context.Context, userID string, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	orders, err := s.orders.List(ctx, userID, status, opts)
	if err != nil {
		return nil, fmt.Errorf("trading: list orders: %w", err)
	}
	return orders, nil
}

// StoreCredentials seals the user's trading credentials.
func (s *TradingService) StoreCredentials(ctx context.Context, userID string, in vault.CredentialInput) (domain.TradingProfile, error) {
	profile, err := s.vault.Store(ctx, userID, in)
	if err != nil {
		return domain.TradingProfile{}, err
	}
	s.events.Record(ctx, domain.Event{
		Type:   domain.EventCredentialsStored,
		UserID: userID,
		Detail: map[string]any{
			"proxy_wallet":    profile.ProxyWallet,
			"has_trading_key": profile.HasTradingKey,
			"has_api_creds":   profile.HasAPICreds,
		},
	})
	return profile, nil
}

// Credentials describes the stored credentials without revealing them.
func (s *TradingService) Credentials(ctx context.Context, userID string) (domain.TradingProfile, error) {
	return s.vault.Profile(ctx, userID)
}
