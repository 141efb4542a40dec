package memory

import (
	"context"
	"maps"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// MappingStore implements domain.MappingStore.
type MappingStore struct{ s *Store }

// Upsert drops any mapping sharing either id before inserting, keeping the
// relation one-to-one.
func (m *MappingStore) Upsert(_ context.Context, mm domain.MarketMapping) error {
	if mm.CatalogID == "" || mm.HashID == "" {
		return domain.Invalid("mapping", "catalog and hash ids are required")
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if old, ok := m.s.byCatalog[mm.CatalogID]; ok {
		delete(m.s.byHash, old.HashID)
	}
	if old, ok := m.s.byHash[mm.HashID]; ok {
		delete(m.s.byCatalog, old.CatalogID)
	}
	mm.UpdatedAt = m.s.now()
	m.s.byCatalog[mm.CatalogID] = mm
	m.s.byHash[mm.HashID] = mm
	return nil
}

func (m *MappingStore) ByCatalogID(_ context.Context, catalogID string) (domain.MarketMapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	mm, ok := m.s.byCatalog[catalogID]
	if !ok {
		return domain.MarketMapping{}, domain.ErrNotFound
	}
	return mm, nil
}

func (m *MappingStore) ByHashID(_ context.Context, hashID string) (domain.MarketMapping, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	mm, ok := m.s.byHash[hashID]
	if !ok {
		return domain.MarketMapping{}, domain.ErrNotFound
	}
	return mm, nil
}

// CredentialStore implements domain.CredentialStore.
type CredentialStore struct{ s *Store }

func (c *CredentialStore) Put(_ context.Context, rec domain.CredentialRecord) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.creds[rec.UserID] = rec
	return nil
}

func (c *CredentialStore) Get(_ context.Context, userID string) (domain.CredentialRecord, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rec, ok := c.s.creds[userID]
	if !ok {
		return domain.CredentialRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ s *Store }

func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.auditSeq++
	a.s.audit = append(a.s.audit, domain.AuditEntry{
		ID:        a.s.auditSeq,
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: a.s.now(),
	})
	return nil
}

func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(a.s.audit) - 1; i >= 0; i-- {
		e := a.s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts), nil
}

// ArchiveStore implements domain.ArchiveStore.
type ArchiveStore struct{ s *Store }

func (a *ArchiveStore) TerminalStopLosses(_ context.Context, before time.Time, limit int) ([]domain.StopLossRule, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.StopLossRule
	for _, r := range a.s.stopLoss {
		if r.State.Terminal() && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out,
		func(x domain.StopLossRule) time.Time { return x.UpdatedAt },
		func(x domain.StopLossRule) string { return x.ID })
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (a *ArchiveStore) TerminalTakeProfits(_ context.Context, before time.Time, limit int) ([]domain.TakeProfitRule, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.TakeProfitRule
	for _, r := range a.s.takeProfit {
		if r.State.Terminal() && r.UpdatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out,
		func(x domain.TakeProfitRule) time.Time { return x.UpdatedAt },
		func(x domain.TakeProfitRule) string { return x.ID })
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (a *ArchiveStore) ClosedOrders(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.Order
	for _, o := range a.s.orders {
		if o.Status != domain.OrderStatusLive && o.UpdatedAt.Before(before) {
			out = append(out, o)
		}
	}
	sortNewestFirst(out,
		func(x domain.Order) time.Time { return x.UpdatedAt },
		func(x domain.Order) string { return x.ID })
	return page(out, domain.ListOpts{Limit: limit}), nil
}

func (a *ArchiveStore) DeleteStopLosses(_ context.Context, ids []string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, id := range ids {
		if r, ok := a.s.stopLoss[id]; ok && r.State.Terminal() {
			delete(a.s.stopLoss, id)
		}
	}
	return nil
}

func (a *ArchiveStore) DeleteTakeProfits(_ context.Context, ids []string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, id := range ids {
		if r, ok := a.s.takeProfit[id]; ok && r.State.Terminal() {
			delete(a.s.takeProfit, id)
		}
	}
	return nil
}

func (a *ArchiveStore) DeleteOrders(_ context.Context, ids []string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, id := range ids {
		if o, ok := a.s.orders[id]; ok && o.Status != domain.OrderStatusLive {
			delete(a.s.orders, id)
		}
	}
	return nil
}
