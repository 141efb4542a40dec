package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
)

// Stream is the part of *polymarket.WSClient the feed drives.
type Stream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, tokenIDs []string) error
	Unsubscribe(ctx context.Context, tokenIDs []string) error
	Assets() []string
	OnTick(handler polymarket.TickHandler)
	Close() error
}

// ArmedSource lists the stop losses the monitor is watching.
type ArmedSource interface {
	ListArmed(ctx context.Context) ([]domain.ArmedStopLoss, error)
}

// PolymarketWSFeed keeps the market channel subscribed to the tokens of
// armed stop losses and pushes every tick into the price cache.
type PolymarketWSFeed struct {
	stream  Stream
	rules   ArmedSource
	sink    *CacheFeeder
	refresh time.Duration
	logger  *slog.Logger
}

// NewPolymarketWSFeed creates a feed. refresh is how often the token set is
// recomputed from the armed rules.
func NewPolymarketWSFeed(stream Stream, rules ArmedSource, sink *CacheFeeder, refresh time.Duration, logger *slog.Logger) *PolymarketWSFeed {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &PolymarketWSFeed{
		stream:  stream,
		rules:   rules,
		sink:    sink,
		refresh: refresh,
		logger:  logger.With(slog.String("component", "polymarket_ws_feed")),
	}
}

// Run connects, subscribes and keeps the subscription current until ctx is
// cancelled. The stream reconnects on its own once connected.
func (f *PolymarketWSFeed) Run(ctx context.Context) error {
	f.stream.OnTick(f.sink.Handle)
	defer f.stream.Close()

	if _, _, err := f.Refresh(ctx); err != nil {
		f.logger.Warn("initial token refresh failed", slog.String("error", err.Error()))
	}
	if err := f.connect(ctx); err != nil {
		return err
	}
	f.logger.Info("polymarket ws feed started", slog.Int("assets", len(f.stream.Assets())))

	ticker := time.NewTicker(f.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("polymarket ws feed stopped")
			return nil
		case <-ticker.C:
			added, removed, err := f.Refresh(ctx)
			if err != nil {
				f.logger.Warn("token refresh failed", slog.String("error", err.Error()))
				continue
			}
			if added > 0 || removed > 0 {
				f.logger.Debug("subscription updated",
					slog.Int("added", added),
					slog.Int("removed", removed),
				)
			}
		}
	}
}

func (f *PolymarketWSFeed) connect(ctx context.Context) error {
	delay := 2 * time.Second
	for {
		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := f.stream.Connect(connCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn("polymarket ws connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Minute)
	}
}

// Refresh subscribes to tokens of newly armed rules and drops tokens no
// rule watches any more.
func (f *PolymarketWSFeed) Refresh(ctx context.Context) (added, removed int, err error) {
	armed, err := f.rules.ListArmed(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("feed: list armed: %w", err)
	}
	want := make(map[string]struct{}, len(armed))
	for _, a := range armed {
		if a.Position.Open() && a.Rule.TokenID != "" {
			want[a.Rule.TokenID] = struct{}{}
		}
	}

	have := make(map[string]struct{})
	var drop []string
	for _, id := range f.stream.Assets() {
		have[id] = struct{}{}
		if _, ok := want[id]; !ok {
			drop = append(drop, id)
		}
	}
	var add []string
	for id := range want {
		if _, ok := have[id]; !ok {
			add = append(add, id)
		}
	}
	sort.Strings(add)

	if len(add) > 0 {
		if err := f.stream.Subscribe(ctx, add); err != nil {
			return 0, 0, err
		}
	}
	if len(drop) > 0 {
		if err := f.stream.Unsubscribe(ctx, drop); err != nil {
			return len(add), 0, err
		}
	}
	return len(add), len(drop), nil
}

var _ Stream = (*polymarket.WSClient)(nil)
