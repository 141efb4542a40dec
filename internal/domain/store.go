package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// UpsertCounts reports a sync write.
type UpsertCounts struct {
	Upserted int
	// Skipped rows belong to positions whose stop loss is being executed.
	Skipped int
}

// PositionStore persists positions. Every writer that changes Size goes
// through a guarded update; rows whose stop loss is TRIGGERED or EXECUTING
// are never overwritten by sync.
type PositionStore interface {
	Get(ctx context.Context, userID, id string) (Position, error)
	GetByToken(ctx context.Context, userID, tokenID string) (Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
	UpsertSynced(ctx context.Context, userID string, positions []Position) (UpsertCounts, error)
	ZeroMissing(ctx context.Context, userID string, presentTokenIDs []string) (int, error)
	// ApplySale books a manual sale and zeroes the position. It fails with
	// ErrExecutionInProgress while a stop loss on the position is claimed.
	ApplySale(ctx context.Context, userID, positionID string, sale Sale) (Position, error)
}

// OrderStore persists the local order mirror, keyed by (user, external id).
type OrderStore interface {
	Get(ctx context.Context, userID, id string) (Order, error)
	GetByExternalID(ctx context.Context, userID, externalID string) (Order, error)
	List(ctx context.Context, userID string, status OrderStatus, opts ListOpts) ([]Order, error)
	ListLive(ctx context.Context, userID string) ([]Order, error)
	Upsert(ctx context.Context, order Order) (Order, error)
	// SetStatus moves an order from one status to another, failing with
	// ErrConcurrentClaimLost when the row is no longer in from.
	SetStatus(ctx context.Context, id string, from, to OrderStatus, sizeFilled *decimal.Decimal) error
	// Replace points a LIVE row at a new venue order after an edit.
	Replace(ctx context.Context, id, newExternalID string, price, size decimal.Decimal) error
}

// StopLossStore persists stop-loss rules. All state changes are
// compare-and-swap on the state column.
type StopLossStore interface {
	Create(ctx context.Context, rule StopLossRule) error
	Get(ctx context.Context, id string) (StopLossRule, error)
	Active(ctx context.Context, positionID string) (StopLossRule, error)
	ListArmed(ctx context.Context) ([]ArmedStopLoss, error)
	Transition(ctx context.Context, id string, from, to StopLossState, upd StopLossUpdate) (StopLossRule, error)
	UpdateTrigger(ctx context.Context, id string, price decimal.Decimal) error
	// ClearUnconfirmed drops the unconfirmed flag of an ARMED rule once the
	// venue shows the position is still held.
	ClearUnconfirmed(ctx context.Context, id string) error
	// CompleteExecution atomically moves the rule EXECUTING -> EXECUTED,
	// zeroes the position, books the realized P&L and marks the mirrored
	// stop-loss order MATCHED.
	CompleteExecution(ctx context.Context, ruleID string, sale Sale) (Position, error)
}

// TakeProfitStore persists take-profit rules.
type TakeProfitStore interface {
	Create(ctx context.Context, rule TakeProfitRule) error
	Active(ctx context.Context, positionID string) (TakeProfitRule, error)
	GetByOrderID(ctx context.Context, userID, orderID string) (TakeProfitRule, error)
	// Replace swaps the resting order of a PLACED rule, guarded on oldOrderID.
	Replace(ctx context.Context, id, oldOrderID, newOrderID string, price decimal.Decimal) error
	Transition(ctx context.Context, id string, from, to TakeProfitState) error
	// MarkFilled atomically moves the rule PLACED -> FILLED and zeroes the
	// position at the target price.
	MarkFilled(ctx context.Context, id string) (Position, error)
	UsersWithPlaced(ctx context.Context) ([]string, error)
}

// MappingStore persists the catalog id <-> hash id bijection.
type MappingStore interface {
	// Upsert replaces any mapping that shares either id.
	Upsert(ctx context.Context, m MarketMapping) error
	ByCatalogID(ctx context.Context, catalogID string) (MarketMapping, error)
	ByHashID(ctx context.Context, hashID string) (MarketMapping, error)
}

// CredentialStore persists encrypted credential records.
type CredentialStore interface {
	Put(ctx context.Context, rec CredentialRecord) error
	Get(ctx context.Context, userID string) (CredentialRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ArchiveStore lists and purges closed records for cold storage. Only
// terminal rules and non-LIVE orders are ever returned.
type ArchiveStore interface {
	TerminalStopLosses(ctx context.Context, before time.Time, limit int) ([]StopLossRule, error)
	TerminalTakeProfits(ctx context.Context, before time.Time, limit int) ([]TakeProfitRule, error)
	ClosedOrders(ctx context.Context, before time.Time, limit int) ([]Order, error)
	DeleteStopLosses(ctx context.Context, ids []string) error
	DeleteTakeProfits(ctx context.Context, ids []string) error
	DeleteOrders(ctx context.Context, ids []string) error
}
