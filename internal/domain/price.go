package domain

import "github.com/shopspring/decimal"

// TickDecimals is the venue's price precision for outcome tokens.
const TickDecimals = 2

// RoundTick rounds a price to the venue tick.
func RoundTick(p decimal.Decimal) decimal.Decimal {
	return p.Round(TickDecimals)
}

// FloorTick rounds a price down to the venue tick. Sell limits use it so the
// limit never sits above the quote it came from.
func FloorTick(p decimal.Decimal) decimal.Decimal {
	return p.RoundFloor(TickDecimals)
}

var one = decimal.NewFromInt(1)

// ValidateOutcomePrice rounds p to the tick and checks it lies strictly
// inside (0,1).
func ValidateOutcomePrice(field string, p decimal.Decimal) (decimal.Decimal, error) {
	r := RoundTick(p)
	if !r.IsPositive() || !r.LessThan(one) {
		return r, Invalid(field, "must be strictly between 0 and 1 at %d decimals, got %s", TickDecimals, p.String())
	}
	return r, nil
}
