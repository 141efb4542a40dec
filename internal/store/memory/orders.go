package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct{ s *Store }

func (o *OrderStore) Get(_ context.Context, userID, id string) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	ord, ok := o.s.orders[id]
	if !ok || ord.UserID != userID {
		return domain.Order{}, domain.ErrNotFound
	}
	return ord, nil
}

func (o *OrderStore) GetByExternalID(_ context.Context, userID, externalID string) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	ord, ok := o.s.orderByExternalLocked(userID, externalID)
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return ord, nil
}

func (o *OrderStore) List(_ context.Context, userID string, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	var out []domain.Order
	for _, ord := range o.s.orders {
		if ord.UserID != userID || (status != "" && ord.Status != status) {
			continue
		}
		if opts.Since != nil && ord.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ord.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, ord)
	}
	sortNewestFirst(out,
		func(x domain.Order) time.Time { return x.CreatedAt },
		func(x domain.Order) string { return x.ID })
	return page(out, opts), nil
}

func (o *OrderStore) ListLive(ctx context.Context, userID string) ([]domain.Order, error) {
	return o.List(ctx, userID, domain.OrderStatusLive, domain.ListOpts{})
}

// Upsert inserts or updates by (user, external id). Identity and creation
// time of an existing row are preserved.
func (o *OrderStore) Upsert(_ context.Context, in domain.Order) (domain.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	now := o.s.now()
	in.ClampFilled()
	if existing, ok := o.s.orderByExternalLocked(in.UserID, in.ExternalID); ok {
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
		if in.MarketQuestion == "" {
			in.MarketQuestion = existing.MarketQuestion
		}
		if in.PositionID == nil {
			in.PositionID = existing.PositionID
		}
		if in.PlacedAt == nil {
			in.PlacedAt = existing.PlacedAt
		}
		if in.Type == "" {
			in.Type = existing.Type
		}
	} else {
		if in.ID == "" {
			in.ID = newID()
		}
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	o.s.orders[in.ID] = in
	return in, nil
}

func (o *OrderStore) SetStatus(_ context.Context, id string, from, to domain.OrderStatus, sizeFilled *decimal.Decimal) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	ord, ok := o.s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if ord.Status != from {
		return domain.ErrConcurrentClaimLost
	}
	ord.Status = to
	if sizeFilled != nil {
		ord.SizeFilled = *sizeFilled
	}
	ord.ClampFilled()
	ord.UpdatedAt = o.s.now()
	o.s.orders[id] = ord
	return nil
}

func (o *OrderStore) Replace(_ context.Context, id, newExternalID string, price, size decimal.Decimal) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	ord, ok := o.s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if ord.Status != domain.OrderStatusLive {
		return domain.ErrConcurrentClaimLost
	}
	now := o.s.now()
	ord.ExternalID = newExternalID
	ord.Price = price
	ord.Size = size
	ord.SizeFilled = decimal.Zero
	ord.PlacedAt = &now
	ord.UpdatedAt = now
	o.s.orders[id] = ord
	return nil
}
