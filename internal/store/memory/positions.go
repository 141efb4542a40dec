package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct{ s *Store }

func (p *PositionStore) Get(_ context.Context, userID, id string) (domain.Position, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pos, ok := p.s.positions[id]
	if !ok || pos.UserID != userID {
		return domain.Position{}, domain.ErrNotFound
	}
	return p.s.attachLocked(pos), nil
}

func (p *PositionStore) GetByToken(_ context.Context, userID, tokenID string) (domain.Position, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, pos := range p.s.positions {
		if pos.UserID == userID && pos.TokenID == tokenID {
			return p.s.attachLocked(pos), nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (p *PositionStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var out []domain.Position
	for _, pos := range p.s.positions {
		if pos.UserID == userID {
			out = append(out, p.s.attachLocked(pos))
		}
	}
	sortNewestFirst(out,
		func(x domain.Position) time.Time { return x.CreatedAt },
		func(x domain.Position) string { return x.ID })
	return out, nil
}

// UpsertSynced writes venue positions keyed by (user, token). Rows whose stop
// loss is claimed by an execution are left untouched and counted as skipped.
func (p *PositionStore) UpsertSynced(_ context.Context, userID string, positions []domain.Position) (domain.UpsertCounts, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	now := p.s.now()
	var counts domain.UpsertCounts
	for _, in := range positions {
		existing, found := domain.Position{}, false
		for _, pos := range p.s.positions {
			if pos.UserID == userID && pos.TokenID == in.TokenID {
				existing, found = pos, true
				break
			}
		}

		if found {
			if r, ok := p.s.activeStopLossLocked(existing.ID); ok && r.State.Claimed() {
				counts.Skipped++
				continue
			}
			existing.MarketID = in.MarketID
			existing.Outcome = in.Outcome
			existing.Size = in.Size
			existing.AvgPrice = in.AvgPrice
			if in.CurrentPrice != nil {
				v := *in.CurrentPrice
				existing.CurrentPrice = &v
			}
			existing.Title = in.Title
			existing.Slug = in.Slug
			existing.Icon = in.Icon
			existing.Redeemable = in.Redeemable
			existing.SyncedAt = &now
			existing.UpdatedAt = now
			p.s.positions[existing.ID] = existing
			counts.Upserted++
			continue
		}

		pos := copyPosition(in)
		if pos.ID == "" {
			pos.ID = newID()
		}
		pos.UserID = userID
		pos.SyncedAt = &now
		pos.CreatedAt = now
		pos.UpdatedAt = now
		p.s.positions[pos.ID] = pos
		counts.Upserted++
	}
	return counts, nil
}

// ZeroMissing zeroes the user's open positions whose token is not in present
// and removes the ARMED stop losses on them.
func (p *PositionStore) ZeroMissing(_ context.Context, userID string, presentTokenIDs []string) (int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	present := make(map[string]struct{}, len(presentTokenIDs))
	for _, t := range presentTokenIDs {
		present[t] = struct{}{}
	}
	now := p.s.now()
	n := 0
	for id, pos := range p.s.positions {
		if pos.UserID != userID || !pos.Open() {
			continue
		}
		if _, ok := present[pos.TokenID]; ok {
			continue
		}
		if r, ok := p.s.activeStopLossLocked(id); ok && r.State.Claimed() {
			continue
		}
		pos.Size = decimal.Zero
		pos.UpdatedAt = now
		p.s.positions[id] = pos
		p.s.disarmLocked(id, now)
		n++
	}
	return n, nil
}

func (p *PositionStore) ApplySale(_ context.Context, userID, positionID string, sale domain.Sale) (domain.Position, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pos, ok := p.s.positions[positionID]
	if !ok || pos.UserID != userID {
		return domain.Position{}, domain.ErrNotFound
	}
	if r, ok := p.s.activeStopLossLocked(positionID); ok && r.State.Claimed() {
		return domain.Position{}, domain.ErrExecutionInProgress
	}
	if sale.Size.IsZero() {
		sale.Size = pos.Size
		sale.Proceeds = pos.Size.Mul(sale.Price)
	}
	now := p.s.now()
	pos.RealizedPnL = pos.RealizedPnL.Add(sale.RealizedDelta(pos.AvgPrice))
	pos.Size = decimal.Zero
	pos.UpdatedAt = now
	p.s.positions[positionID] = pos
	p.s.disarmLocked(positionID, now)
	return p.s.attachLocked(pos), nil
}
