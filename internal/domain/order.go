package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the local classification of an order row. The first four are
// venue time-in-force values; the rest tag rows owned by a risk rule.
type OrderType string

const (
	OrderTypeGTC        OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeGTD        OrderType = "GTD" // Good-Till-Date
	OrderTypeFOK        OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK        OrderType = "FAK" // Fill-And-Kill
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// TimeInForce returns the venue time-in-force for a row type. Rule-owned
// and generic limit rows rest as GTC.
func (t OrderType) TimeInForce() OrderType {
	switch t {
	case OrderTypeGTD, OrderTypeFOK, OrderTypeFAK:
		return t
	default:
		return OrderTypeGTC
	}
}

// OrderStatus is the normalized venue status.
type OrderStatus string

const (
	OrderStatusLive      OrderStatus = "LIVE"
	OrderStatusMatched   OrderStatus = "MATCHED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// NormalizeOrderStatus maps the venue's status vocabulary onto
// LIVE/MATCHED/CANCELLED. Unknown values are upper-cased and passed through.
func NormalizeOrderStatus(raw string) OrderStatus {
	switch s := strings.ToUpper(strings.TrimSpace(raw)); s {
	case "LIVE", "OPEN", "ACTIVE", "UNMATCHED", "DELAYED":
		return OrderStatusLive
	case "MATCHED", "FILLED", "CLOSED":
		return OrderStatusMatched
	case "CANCELLED", "CANCELED", "EXPIRED":
		return OrderStatusCancelled
	default:
		return OrderStatus(s)
	}
}

// Order is the local mirror of a venue order. Status is authoritative from
// the venue.
type Order struct {
	ID             string
	UserID         string
	MarketID       string
	TokenID        string
	ExternalID     string
	Side           OrderSide
	Outcome        string
	Type           OrderType
	Size           decimal.Decimal
	Price          decimal.Decimal
	SizeFilled     decimal.Decimal
	Status         OrderStatus
	MarketQuestion string
	PositionID     *string
	PlacedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is the unfilled size.
func (o Order) Remaining() decimal.Decimal {
	r := o.Size.Sub(o.SizeFilled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// FillPercent is filled over requested size, in percent.
func (o Order) FillPercent() decimal.Decimal {
	if o.Size.IsZero() {
		return decimal.Zero
	}
	return o.SizeFilled.Div(o.Size).Mul(decimal.NewFromInt(100))
}

// ClampFilled enforces SizeFilled <= Size and SizeFilled >= 0.
func (o *Order) ClampFilled() {
	if o.SizeFilled.GreaterThan(o.Size) {
		o.SizeFilled = o.Size
	}
	if o.SizeFilled.IsNegative() {
		o.SizeFilled = decimal.Zero
	}
}

// StopLossOrderID is the synthetic external id of the row mirroring a
// position's stop loss.
func StopLossOrderID(positionID string) string {
	return "sl-" + positionID
}

// OrderRequest is what the executor asks the venue to rest or fill.
type OrderRequest struct {
	TokenID     string
	Side        OrderSide
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce OrderType
	NegRisk     bool
}

// PlacedOrder is the venue acknowledgement for a submitted order.
type PlacedOrder struct {
	OrderID    string
	Status     OrderStatus
	SizeFilled decimal.Decimal
}

// CancelOutcome reports what a cancel actually did at the venue.
type CancelOutcome string

const (
	CancelOutcomeCancelled        CancelOutcome = "cancelled"
	CancelOutcomeAlreadyCancelled CancelOutcome = "already_cancelled"
	CancelOutcomeAlreadyFilled    CancelOutcome = "already_filled"
)

// NoOp reports whether the cancel found the order already closed.
func (c CancelOutcome) NoOp() bool {
	return c != CancelOutcomeCancelled
}

// ActionResult is returned by every exposed trading operation.
type ActionResult struct {
	Message string
	OrderID string
}
