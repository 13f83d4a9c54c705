// Package decimalx provides the fixed-point rounding rules for order
// submission: quantities round toward zero to the symbol's lot size,
// prices round toward the adverse side (buy rounds up, sell rounds down)
// to the symbol's tick size.
package decimalx

import (
	"github.com/evostrat/engine/pkg/model"
	"github.com/shopspring/decimal"
)

// RoundQty truncates qty to the nearest multiple of lotSize at or below
// its magnitude (toward zero). A non-positive lotSize is treated as "no
// rounding" rather than dividing by zero.
func RoundQty(qty, lotSize decimal.Decimal) decimal.Decimal {
	if lotSize.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	units := qty.Div(lotSize).Truncate(0)
	return units.Mul(lotSize)
}

// RoundPrice rounds price to the nearest multiple of tickSize, moving
// against the trader: up for a buy (paying more), down for a sell
// (receiving less). A non-positive tickSize is a no-op.
func RoundPrice(price, tickSize decimal.Decimal, side model.Side) decimal.Decimal {
	if tickSize.LessThanOrEqual(decimal.Zero) {
		return price
	}
	units := price.Div(tickSize)
	switch side {
	case model.SideBuy:
		return units.Ceil().Mul(tickSize)
	case model.SideSell:
		return units.Floor().Mul(tickSize)
	default:
		return units.Round(0).Mul(tickSize)
	}
}

// Clamp confines v to [min, max] inclusive, used when mutation perturbs a
// parameter past its schema bounds.
func Clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}
