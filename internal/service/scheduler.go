package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// OrderSyncScheduler runs order sync for users with something waiting on a
// venue outcome: a resting take profit or an unconfirmed stop-loss sell.
type OrderSyncScheduler struct {
	sync     *SyncService
	tps      domain.TakeProfitStore
	stops    domain.StopLossStore
	interval time.Duration
	logger   *slog.Logger
}

// NewOrderSyncScheduler creates an OrderSyncScheduler.
func NewOrderSyncScheduler(sync *SyncService, tps domain.TakeProfitStore, stops domain.StopLossStore, interval time.Duration, logger *slog.Logger) *OrderSyncScheduler {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &OrderSyncScheduler{
		sync:     sync,
		tps:      tps,
		stops:    stops,
		interval: interval,
		logger:   logger.With(slog.String("component", "order_sync_scheduler")),
	}
}

// Run ticks every interval until ctx is done.
func (s *OrderSyncScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick syncs every user that needs it once and returns how many were synced.
func (s *OrderSyncScheduler) Tick(ctx context.Context) int {
	users, err := s.users(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "list users to sync failed", slog.String("error", err.Error()))
		return 0
	}
	synced := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.sync.SyncOrders(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "scheduled order sync failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		synced++
	}
	return synced
}

func (s *OrderSyncScheduler) users(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	withTP, err := s.tps.UsersWithPlaced(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range withTP {
		set[u] = struct{}{}
	}
	armed, err := s.stops.ListArmed(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range armed {
		if a.Rule.Unconfirmed {
			set[a.Rule.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
