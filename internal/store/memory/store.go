// Package memory implements the domain store interfaces in process. Every
// state change uses the same compare-and-swap rules as the postgres stores,
// under a single mutex that stands in for a transaction.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Store holds all tables. Use the accessor methods to get the typed views.
type Store struct {
	mu         sync.Mutex
	positions  map[string]domain.Position
	orders     map[string]domain.Order
	stopLoss   map[string]domain.StopLossRule
	takeProfit map[string]domain.TakeProfitRule
	byCatalog  map[string]domain.MarketMapping
	byHash     map[string]domain.MarketMapping
	creds      map[string]domain.CredentialRecord
	audit      []domain.AuditEntry
	auditSeq   int64

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		positions:  make(map[string]domain.Position),
		orders:     make(map[string]domain.Order),
		stopLoss:   make(map[string]domain.StopLossRule),
		takeProfit: make(map[string]domain.TakeProfitRule),
		byCatalog:  make(map[string]domain.MarketMapping),
		byHash:     make(map[string]domain.MarketMapping),
		creds:      make(map[string]domain.CredentialRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Positions() *PositionStore     { return &PositionStore{s} }
func (s *Store) Orders() *OrderStore           { return &OrderStore{s} }
func (s *Store) StopLosses() *StopLossStore    { return &StopLossStore{s} }
func (s *Store) TakeProfits() *TakeProfitStore { return &TakeProfitStore{s} }
func (s *Store) Mappings() *MappingStore       { return &MappingStore{s} }
func (s *Store) Credentials() *CredentialStore { return &CredentialStore{s} }
func (s *Store) Audit() *AuditStore            { return &AuditStore{s} }
func (s *Store) Archive() *ArchiveStore        { return &ArchiveStore{s} }

// activeStopLossLocked returns the non-terminal rule for a position.
func (s *Store) activeStopLossLocked(positionID string) (domain.StopLossRule, bool) {
	for _, r := range s.stopLoss {
		if r.PositionID == positionID && !r.State.Terminal() {
			return r, true
		}
	}
	return domain.StopLossRule{}, false
}

// disarmLocked removes an ARMED rule on a position that was just closed and
// cancels its mirrored order row.
func (s *Store) disarmLocked(positionID string, now time.Time) {
	r, ok := s.activeStopLossLocked(positionID)
	if !ok || r.State != domain.StopLossArmed {
		return
	}
	r.State = domain.StopLossRemoved
	r.UpdatedAt = now
	s.stopLoss[r.ID] = r
	if o, ok := s.orderByExternalLocked(r.UserID, domain.StopLossOrderID(positionID)); ok && o.Status == domain.OrderStatusLive {
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = now
		s.orders[o.ID] = o
	}
}

func (s *Store) activeTakeProfitLocked(positionID string) (domain.TakeProfitRule, bool) {
	for _, r := range s.takeProfit {
		if r.PositionID == positionID && r.State == domain.TakeProfitPlaced {
			return r, true
		}
	}
	return domain.TakeProfitRule{}, false
}

// attachLocked returns a copy of p with its active rules attached.
func (s *Store) attachLocked(p domain.Position) domain.Position {
	p = copyPosition(p)
	if r, ok := s.activeStopLossLocked(p.ID); ok {
		p.StopLoss = &r
	}
	if r, ok := s.activeTakeProfitLocked(p.ID); ok {
		p.TakeProfit = &r
	}
	return p
}

func (s *Store) orderByExternalLocked(userID, externalID string) (domain.Order, bool) {
	for _, o := range s.orders {
		if o.UserID == userID && o.ExternalID == externalID {
			return o, true
		}
	}
	return domain.Order{}, false
}

func copyPosition(p domain.Position) domain.Position {
	if p.CurrentPrice != nil {
		v := *p.CurrentPrice
		p.CurrentPrice = &v
	}
	p.StopLoss = nil
	p.TakeProfit = nil
	return p
}

func newID() string { return uuid.NewString() }

func sortNewestFirst[T any](items []T, created func(T) time.Time, id func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return id(items[i]) < id(items[j])
	})
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
