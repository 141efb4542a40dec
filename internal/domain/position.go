package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a user's holding of one outcome token. MarketID is the
// hash-namespace condition id reported by the positions API.
type Position struct {
	ID           string
	UserID       string
	MarketID     string
	TokenID      string
	Outcome      string
	Size         decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice *decimal.Decimal
	RealizedPnL  decimal.Decimal
	Title        string
	Slug         string
	Icon         string
	Redeemable   bool
	SyncedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Active rules only; terminal rules are not attached.
	StopLoss   *StopLossRule
	TakeProfit *TakeProfitRule
}

// Open reports whether there is anything left to sell.
func (p Position) Open() bool {
	return p.Size.IsPositive()
}

// CostBasis is size times average entry.
func (p Position) CostBasis() decimal.Decimal {
	return p.Size.Mul(p.AvgPrice)
}

// CurrentValue is size times the last known price, or zero when no price is
// known.
func (p Position) CurrentValue() decimal.Decimal {
	if p.CurrentPrice == nil {
		return decimal.Zero
	}
	return p.Size.Mul(*p.CurrentPrice)
}

// UnrealizedPnL is zero until a current price is known.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.CurrentPrice == nil {
		return decimal.Zero
	}
	return p.CurrentValue().Sub(p.CostBasis())
}

// PnLPercent is unrealized P&L over cost basis, in percent.
func (p Position) PnLPercent() decimal.Decimal {
	cost := p.CostBasis()
	if cost.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL().Div(cost).Mul(decimal.NewFromInt(100))
}

// Portfolio aggregates a user's positions.
type Portfolio struct {
	Positions          []Position
	TotalValue         decimal.Decimal
	TotalCost          decimal.Decimal
	TotalUnrealizedPnL decimal.Decimal
	TotalRealizedPnL   decimal.Decimal
	TotalPnLPercent    decimal.Decimal
}

// NewPortfolio computes totals over positions.
func NewPortfolio(positions []Position) Portfolio {
	pf := Portfolio{Positions: positions}
	for _, p := range positions {
		pf.TotalValue = pf.TotalValue.Add(p.CurrentValue())
		pf.TotalCost = pf.TotalCost.Add(p.CostBasis())
		pf.TotalUnrealizedPnL = pf.TotalUnrealizedPnL.Add(p.UnrealizedPnL())
		pf.TotalRealizedPnL = pf.TotalRealizedPnL.Add(p.RealizedPnL)
	}
	if !pf.TotalCost.IsZero() {
		pf.TotalPnLPercent = pf.TotalUnrealizedPnL.Div(pf.TotalCost).Mul(decimal.NewFromInt(100))
	}
	return pf
}

// Sale is the outcome of selling a position's full size.
type Sale struct {
	OrderID  string
	Price    decimal.Decimal
	Size     decimal.Decimal
	Proceeds decimal.Decimal
}

// RealizedDelta is the P&L booked by selling at s.Price against avgPrice.
func (s Sale) RealizedDelta(avgPrice decimal.Decimal) decimal.Decimal {
	return s.Proceeds.Sub(s.Size.Mul(avgPrice))
}
