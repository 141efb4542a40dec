// Package service holds the risk engine: the stop-loss monitor, the
// take-profit manager, the sync jobs and the trading operations exposed to
// the API.
package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
)

// Trader is the venue surface the services drive. *executor.Executor
// implements it.
type Trader interface {
	MarketSell(ctx context.Context, userID, tokenID string, size decimal.Decimal, negRisk bool) (domain.Sale, error)
	PlaceLimitOrder(ctx context.Context, userID string, req domain.OrderRequest) (domain.PlacedOrder, error)
	CancelOrder(ctx context.Context, userID, externalID string) (domain.CancelOutcome, error)
	EditOrder(ctx context.Context, userID, externalID string, newPrice decimal.Decimal, negRisk bool) (executor.EditResult, error)
	GetOrder(ctx context.Context, userID, externalID string) (domain.Order, error)
	OpenOrders(ctx context.Context, userID string) ([]domain.Order, error)
}

// Holdings reads positions from the hash-id namespace.
// *polymarket.DataClient implements it.
type Holdings interface {
	Positions(ctx context.Context, wallet string) ([]domain.Position, error)
	Position(ctx context.Context, wallet, tokenID string) (domain.Position, error)
}

// Profiles returns the non-secret part of a user's credentials.
// *vault.Vault implements it.
type Profiles interface {
	Profile(ctx context.Context, userID string) (domain.TradingProfile, error)
}

// TakeProfitCanceller withdraws a position's resting take profit.
// *TakeProfitManager implements it.
type TakeProfitCanceller interface {
	Cancel(ctx context.Context, userID, positionID string) (domain.ActionResult, error)
}

// Gate runs catalog reads under a shared concurrency bound.
// *executor.Executor implements it.
type Gate interface {
	Catalog(ctx context.Context, fn func(context.Context) error) error
}

var _ Trader = (*executor.Executor)(nil)
