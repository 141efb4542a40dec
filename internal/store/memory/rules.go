package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// StopLossStore implements domain.StopLossStore.
type StopLossStore struct{ s *Store }

func (st *StopLossStore) Create(_ context.Context, rule domain.StopLossRule) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.activeStopLossLocked(rule.PositionID); ok {
		return domain.ErrAlreadyExists
	}
	if rule.ID == "" {
		rule.ID = newID()
	}
	now := st.s.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	st.s.stopLoss[rule.ID] = rule
	return nil
}

func (st *StopLossStore) Get(_ context.Context, id string) (domain.StopLossRule, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	r, ok := st.s.stopLoss[id]
	if !ok {
		return domain.StopLossRule{}, domain.ErrNotFound
	}
	return r, nil
}

func (st *StopLossStore) Active(_ context.Context, positionID string) (domain.StopLossRule, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	r, ok := st.s.activeStopLossLocked(positionID)
	if !ok {
		return domain.StopLossRule{}, domain.ErrNotFound
	}
	return r, nil
}

// ListArmed skips positions in resolved markets; those are redeemed, not sold.
func (st *StopLossStore) ListArmed(_ context.Context) ([]domain.ArmedStopLoss, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []domain.ArmedStopLoss
	for _, r := range st.s.stopLoss {
		if r.State != domain.StopLossArmed {
			continue
		}
		pos, ok := st.s.positions[r.PositionID]
		if !ok || pos.Redeemable {
			continue
		}
		out = append(out, domain.ArmedStopLoss{Rule: r, Position: copyPosition(pos)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule.ID < out[j].Rule.ID })
	return out, nil
}

// Transition moves a rule from one state to another. It fails with
// ErrConcurrentClaimLost when the rule is no longer in from. Leaving the
// active set also cancels the mirrored stop-loss order row.
func (st *StopLossStore) Transition(_ context.Context, id string, from, to domain.StopLossState, upd domain.StopLossUpdate) (domain.StopLossRule, error) {
	if !from.CanTransition(to) {
		return domain.StopLossRule{}, fmt.Errorf("memory: stop loss %s -> %s: %w", from, to, domain.ErrValidation)
	}
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	r, ok := st.s.stopLoss[id]
	if !ok {
		return domain.StopLossRule{}, domain.ErrNotFound
	}
	if r.State != from {
		return domain.StopLossRule{}, domain.ErrConcurrentClaimLost
	}

	now := st.s.now()
	r.State = to
	if upd.Failures != nil {
		r.Failures = *upd.Failures
	}
	if upd.Unconfirmed != nil {
		r.Unconfirmed = *upd.Unconfirmed
	}
	if upd.LastError != nil {
		r.LastError = *upd.LastError
	}
	if upd.SellOrderID != nil {
		r.SellOrderID = *upd.SellOrderID
	}
	if to == domain.StopLossTriggered {
		r.TriggeredAt = &now
	}
	r.UpdatedAt = now
	st.s.stopLoss[id] = r

	if to == domain.StopLossRemoved || to == domain.StopLossFailed {
		if o, ok := st.s.orderByExternalLocked(r.UserID, domain.StopLossOrderID(r.PositionID)); ok && o.Status == domain.OrderStatusLive {
			o.Status = domain.OrderStatusCancelled
			o.UpdatedAt = now
			st.s.orders[o.ID] = o
		}
	}
	return r, nil
}

// UpdateTrigger changes the trigger of an ARMED rule and its order row.
func (st *StopLossStore) UpdateTrigger(_ context.Context, id string, price decimal.Decimal) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	r, ok := st.s.stopLoss[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State != domain.StopLossArmed {
		return domain.ErrConcurrentClaimLost
	}
	now := st.s.now()
	r.TriggerPrice = price
	r.UpdatedAt = now
	st.s.stopLoss[id] = r

	if o, ok := st.s.orderByExternalLocked(r.UserID, domain.StopLossOrderID(r.PositionID)); ok && o.Status == domain.OrderStatusLive {
		o.Price = price
		o.UpdatedAt = now
		st.s.orders[o.ID] = o
	}
	return nil
}

func (st *StopLossStore) ClearUnconfirmed(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	r, ok := st.s.stopLoss[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State != domain.StopLossArmed {
		return domain.ErrConcurrentClaimLost
	}
	r.Unconfirmed = false
	r.UpdatedAt = st.s.now()
	st.s.stopLoss[id] = r
	return nil
}

// CompleteExecution closes an EXECUTING rule. A sale without a size is booked
// against the whole position.
func (st *StopLossStore) CompleteExecution(_ context.Context, ruleID string, sale domain.Sale) (domain.Position, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	r, ok := st.s.stopLoss[ruleID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if r.State != domain.StopLossExecuting {
		return domain.Position{}, domain.ErrConcurrentClaimLost
	}
	pos, ok := st.s.positions[r.PositionID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}

	now := st.s.now()
	r.State = domain.StopLossExecuted
	r.Unconfirmed = false
	r.SellOrderID = sale.OrderID
	r.ExecutedAt = &now
	r.UpdatedAt = now
	st.s.stopLoss[ruleID] = r

	if sale.Size.IsZero() {
		sale.Size = pos.Size
		sale.Proceeds = pos.Size.Mul(sale.Price)
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(sale.RealizedDelta(pos.AvgPrice))
	pos.Size = decimal.Zero
	pos.UpdatedAt = now
	st.s.positions[pos.ID] = pos

	if o, ok := st.s.orderByExternalLocked(r.UserID, domain.StopLossOrderID(r.PositionID)); ok && o.Status == domain.OrderStatusLive {
		o.Status = domain.OrderStatusMatched
		o.SizeFilled = o.Size
		o.UpdatedAt = now
		st.s.orders[o.ID] = o
	}
	return st.s.attachLocked(pos), nil
}

// TakeProfitStore implements domain.TakeProfitStore.
type TakeProfitStore struct{ s *Store }

func (tp *TakeProfitStore) Create(_ context.Context, rule domain.TakeProfitRule) error {
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	if _, ok := tp.s.activeTakeProfitLocked(rule.PositionID); ok {
		return domain.ErrAlreadyExists
	}
	if rule.ID == "" {
		rule.ID = newID()
	}
	now := tp.s.now()
	rule.CreatedAt, rule.UpdatedAt = now, now
	tp.s.takeProfit[rule.ID] = rule
	return nil
}

func (tp *TakeProfitStore) Active(_ context.Context, positionID string) (domain.TakeProfitRule, error) {
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	r, ok := tp.s.activeTakeProfitLocked(positionID)
	if !ok {
		return domain.TakeProfitRule{}, domain.ErrNotFound
	}
	return r, nil
}

func (tp *TakeProfitStore) GetByOrderID(_ context.Context, userID, orderID string) (domain.TakeProfitRule, error) {
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	for _, r := range tp.s.takeProfit {
		if r.UserID == userID && r.OrderID == orderID {
			return r, nil
		}
	}
	return domain.TakeProfitRule{}, domain.ErrNotFound
}

func (tp *TakeProfitStore) Replace(_ context.Context, id, oldOrderID, newOrderID string, price decimal.Decimal) error {
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	r, ok := tp.s.takeProfit[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State != domain.TakeProfitPlaced || r.OrderID != oldOrderID {
		return domain.ErrConcurrentClaimLost
	}
	r.OrderID = newOrderID
	r.TargetPrice = price
	r.UpdatedAt = tp.s.now()
	tp.s.takeProfit[id] = r
	return nil
}

func (tp *TakeProfitStore) Transition(_ context.Context, id string, from, to domain.TakeProfitState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("memory: take profit %s -> %s: %w", from, to, domain.ErrValidation)
	}
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	r, ok := tp.s.takeProfit[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.State != from {
		return domain.ErrConcurrentClaimLost
	}
	r.State = to
	r.UpdatedAt = tp.s.now()
	tp.s.takeProfit[id] = r
	return nil
}

// MarkFilled closes a PLACED rule, books the sale at its target price and
// removes an ARMED stop loss left on the emptied position.
func (tp *TakeProfitStore) MarkFilled(_ context.Context, id string) (domain.Position, error) {
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	r, ok := tp.s.takeProfit[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if r.State != domain.TakeProfitPlaced {
		return domain.Position{}, domain.ErrConcurrentClaimLost
	}
	pos, ok := tp.s.positions[r.PositionID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}

	now := tp.s.now()
	r.State = domain.TakeProfitFilled
	r.UpdatedAt = now
	tp.s.takeProfit[id] = r

	sale := domain.Sale{Price: r.TargetPrice, Size: pos.Size, Proceeds: pos.Size.Mul(r.TargetPrice)}
	pos.RealizedPnL = pos.RealizedPnL.Add(sale.RealizedDelta(pos.AvgPrice))
	pos.Size = decimal.Zero
	pos.UpdatedAt = now
	tp.s.positions[pos.ID] = pos
	tp.s.disarmLocked(pos.ID, now)

	if o, ok := tp.s.orderByExternalLocked(r.UserID, r.OrderID); ok && o.Status == domain.OrderStatusLive {
		o.Status = domain.OrderStatusMatched
		o.SizeFilled = o.Size
		o.UpdatedAt = now
		tp.s.orders[o.ID] = o
	}
	return tp.s.attachLocked(pos), nil
}

func (tp *TakeProfitStore) UsersWithPlaced(_ context.Context) ([]string, error) {
	tp.s.mu.Lock()
	defer tp.s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range tp.s.takeProfit {
		if r.State != domain.TakeProfitPlaced {
			continue
		}
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		out = append(out, r.UserID)
	}
	sort.Strings(out)
	return out, nil
}
