package backtester

import (
	"math"

	"github.com/evostrat/engine/internal/backtester/events"
	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
)

var tenThousand = decimal.NewFromInt(10000)

// FixedSlippage charges a flat basis-point cost on every fill.
type FixedSlippage struct {
	BasisPoints decimal.Decimal
}

func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

func (f *FixedSlippage) Calculate(order *types.Order, bar *events.MarketDataEvent) decimal.Decimal {
	return f.BasisPoints.Div(tenThousand)
}

// VolumeWeightedSlippage adds a square-root market-impact term on top
// of a base cost: impact = factor * sqrt(order qty / bar volume).
type VolumeWeightedSlippage struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
}

func NewVolumeWeightedSlippage(baseBps, impactFactor, _ decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{BaseBps: baseBps, ImpactFactor: impactFactor}
}

func (v *VolumeWeightedSlippage) Calculate(order *types.Order, bar *events.MarketDataEvent) decimal.Decimal {
	base := v.BaseBps.Div(tenThousand)
	if order == nil || bar == nil || bar.Candle == nil || bar.Candle.Volume.IsZero() {
		return base
	}
	participation, _ := order.Quantity.Div(bar.Candle.Volume).Float64()
	impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return base.Add(impact)
}
