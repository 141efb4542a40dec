package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionSyncReport counts what a position sync wrote.
type PositionSyncReport struct {
	Upserted int
	Skipped  int
	Zeroed   int
}

// OrderSyncReport counts what an order sync wrote.
type OrderSyncReport struct {
	Upserted int
	Resolved int
	Adopted  int
}

// SyncService mirrors the venue's positions and orders into the store. Every
// write is guarded: positions under an in-flight stop loss are skipped and
// order rows move only by compare-and-swap on their status.
type SyncService struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	trader    Trader
	holdings  Holdings
	profiles  Profiles
	markets   *Reconciler
	tp        *TakeProfitManager
	events    *Recorder
	logger    *slog.Logger
}

// NewSyncService creates a SyncService. tp may be nil.
func NewSyncService(
	positions domain.PositionStore,
	orders domain.OrderStore,
	trader Trader,
	holdings Holdings,
	profiles Profiles,
	markets *Reconciler,
	tp *TakeProfitManager,
	events *Recorder,
	logger *slog.Logger,
) *SyncService {
	return &SyncService{
		positions: positions,
		orders:    orders,
		trader:    trader,
		holdings:  holdings,
		profiles:  profiles,
		markets:   markets,
		tp:        tp,
		events:    events,
		logger:    logger.With(slog.String("component", "sync")),
	}
}

// SyncPositions pulls the user's positions from the proxy wallet and zeroes
// local positions that are no longer held.
func (s *SyncService) SyncPositions(ctx context.Context, userID string) (PositionSyncReport, error) {
	profile, err := s.profiles.Profile(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return PositionSyncReport{}, fmt.Errorf("sync: positions: no credentials stored: %w", domain.ErrCredential)
	}
	if err != nil {
		return PositionSyncReport{}, fmt.Errorf("sync: positions: %w", err)
	}
	if profile.ProxyWallet == "" {
		return PositionSyncReport{}, fmt.Errorf("sync: positions: no proxy wallet: %w", domain.ErrCredential)
	}

	upstream, err := s.holdings.Positions(ctx, profile.ProxyWallet)
	if err != nil {
		return PositionSyncReport{}, fmt.Errorf("sync: positions: %w", err)
	}

	counts, err := s.positions.UpsertSynced(ctx, userID, upstream)
	if err != nil {
		return PositionSyncReport{}, fmt.Errorf("sync: upsert positions: %w", err)
	}
	present := make([]string, 0, len(upstream))
	for _, p := range upstream {
		present = append(present, p.TokenID)
	}
	zeroed, err := s.positions.ZeroMissing(ctx, userID, present)
	if err != nil {
		return PositionSyncReport{}, fmt.Errorf("sync: zero missing positions: %w", err)
	}

	report := PositionSyncReport{Upserted: counts.Upserted, Skipped: counts.Skipped, Zeroed: zeroed}
	s.logger.InfoContext(ctx, "positions synced",
		slog.String("user_id", userID),
		slog.Int("upserted", report.Upserted),
		slog.Int("skipped", report.Skipped),
		slog.Int("zeroed", report.Zeroed),
	)
	s.events.Record(ctx, domain.Event{
		Type:   domain.EventPositionsSynced,
		UserID: userID,
		Detail: map[string]any{"upserted": report.Upserted, "skipped": report.Skipped, "zeroed": report.Zeroed},
	})
	return report, nil
}

// SyncOrders mirrors the user's open venue orders and resolves local LIVE
// rows that are no longer open upstream.
func (s *SyncService) SyncOrders(ctx context.Context, userID string) (OrderSyncReport, error) {
	open, err := s.trader.OpenOrders(ctx, userID)
	if err != nil {
		return OrderSyncReport{}, fmt.Errorf("sync: orders: %w", err)
	}
	live, err := s.orders.ListLive(ctx, userID)
	if err != nil {
		return OrderSyncReport{}, fmt.Errorf("sync: list live orders: %w", err)
	}
	held, err := s.positions.ListByUser(ctx, userID)
	if err != nil {
		return OrderSyncReport{}, fmt.Errorf("sync: list positions: %w", err)
	}
	byToken := make(map[string]domain.Position, len(held))
	for _, p := range held {
		byToken[p.TokenID] = p
	}

	var report OrderSyncReport
	seen := make(map[string]struct{}, len(open))
	for _, o := range open {
		seen[o.ExternalID] = struct{}{}
		o.UserID = userID
		o.Status = domain.NormalizeOrderStatus(string(o.Status))

		existing, getErr := s.orders.GetByExternalID(ctx, userID, o.ExternalID)
		found := getErr == nil
		if found && existing.Type != "" {
			o.Type = existing.Type
		}
		if pos, ok := byToken[o.TokenID]; ok {
			id := pos.ID
			o.PositionID = &id
			if o.MarketQuestion == "" {
				o.MarketQuestion = pos.Title
			}
			if s.tp != nil && o.Type != domain.OrderTypeTakeProfit && o.Type != domain.OrderTypeStopLoss {
				adopted, err := s.tp.Adopt(ctx, pos, o)
				if err != nil {
					s.logger.WarnContext(ctx, "adopt take-profit order failed",
						slog.String("order_id", o.ExternalID),
						slog.String("error", err.Error()),
					)
				}
				if adopted {
					o.Type = domain.OrderTypeTakeProfit
					report.Adopted++
				}
			}
		}
		if o.MarketQuestion == "" && (!found || existing.MarketQuestion == "") {
			o.MarketQuestion = s.question(ctx, o.TokenID)
		}

		saved, err := s.orders.Upsert(ctx, o)
		if err != nil {
			return report, fmt.Errorf("sync: upsert order %s: %w", o.ExternalID, err)
		}
		report.Upserted++
		if found && existing.Status != saved.Status && s.tp != nil {
			s.tp.OnOrderUpdate(ctx, saved)
		}
	}

	for _, l := range live {
		if _, ok := seen[l.ExternalID]; ok {
			continue
		}
		// Stop-loss rows mirror a local rule, not a venue order.
		if l.Type == domain.OrderTypeStopLoss || strings.HasPrefix(l.ExternalID, "sl-") {
			continue
		}
		if s.resolve(ctx, l) {
			report.Resolved++
		}
	}

	s.logger.InfoContext(ctx, "orders synced",
		slog.String("user_id", userID),
		slog.Int("upserted", report.Upserted),
		slog.Int("resolved", report.Resolved),
		slog.Int("adopted", report.Adopted),
	)
	s.events.Record(ctx, domain.Event{
		Type:   domain.EventOrdersSynced,
		UserID: userID,
		Detail: map[string]any{"upserted": report.Upserted, "resolved": report.Resolved, "adopted": report.Adopted},
	})
	return report, nil
}

// resolve settles a LIVE row the venue no longer lists as open. An order the
// venue does not know is taken as matched; a failed lookup leaves the row
// LIVE for the next sync.
func (s *SyncService) resolve(ctx context.Context, row domain.Order) bool {
	status := domain.OrderStatusMatched
	filled := row.Size
	upstream, err := s.trader.GetOrder(ctx, row.UserID, row.ExternalID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		s.logger.WarnContext(ctx, "order lookup failed, keeping LIVE",
			slog.String("order_id", row.ExternalID),
			slog.String("error", err.Error()),
		)
		return false
	default:
		status = domain.NormalizeOrderStatus(string(upstream.Status))
		filled = upstream.SizeFilled
		if status == domain.OrderStatusMatched && filled.IsZero() {
			filled = row.Size
		}
	}
	if status == domain.OrderStatusLive {
		return false
	}

	if err := s.orders.SetStatus(ctx, row.ID, domain.OrderStatusLive, status, &filled); err != nil {
		if !errors.Is(err, domain.ErrConcurrentClaimLost) {
			s.logger.WarnContext(ctx, "resolve order failed",
				slog.String("order_id", row.ExternalID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	row.Status = status
	row.SizeFilled = filled
	if s.tp != nil {
		s.tp.OnOrderUpdate(ctx, row)
	}
	return true
}

func (s *SyncService) question(ctx context.Context, tokenID string) string {
	if s.markets == nil || tokenID == "" {
		return ""
	}
	info, err := s.markets.MarketForToken(ctx, tokenID)
	if err != nil {
		return ""
	}
	return info.Question
}
