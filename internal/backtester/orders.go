package backtester

import (
	"sync"

	"github.com/evostrat/engine/internal/backtester/events"
	"github.com/evostrat/engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fill is one simulated execution, handed back to the replay loop to
// apply against the portfolio.
type fill struct {
	orderID    string
	symbol     string
	side       types.OrderSide
	quantity   decimal.Decimal
	price      decimal.Decimal
	commission decimal.Decimal
	slippage   decimal.Decimal
}

// orderBook holds the replay's pending orders. Market orders fill on
// the next bar at close plus model slippage; limit orders fill when a
// bar's close crosses the limit.
type orderBook struct {
	mu         sync.Mutex
	logger     *zap.Logger
	slippage   SlippageModel
	commission decimal.Decimal
	pending    []*types.Order
}

func newOrderBook(logger *zap.Logger, slippage SlippageModel, commission decimal.Decimal) *orderBook {
	return &orderBook{logger: logger, slippage: slippage, commission: commission}
}

func (ob *orderBook) submit(order *types.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	order.Status = types.OrderStatusPending
	ob.pending = append(ob.pending, order)
}

func (ob *orderBook) cancelAll() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, order := range ob.pending {
		order.Status = types.OrderStatusCancelled
	}
	ob.pending = ob.pending[:0]
}

// checkFills fills every pending order the bar satisfies and removes it
// from the book.
func (ob *orderBook) checkFills(bar *events.MarketDataEvent) []fill {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if bar.Candle == nil {
		return nil
	}
	closePx := bar.Candle.Close

	var fills []fill
	remaining := ob.pending[:0]
	for _, order := range ob.pending {
		if order.Symbol != bar.Symbol {
			remaining = append(remaining, order)
			continue
		}
		filled, price, slip := ob.tryFill(order, bar, closePx)
		if !filled {
			remaining = append(remaining, order)
			continue
		}

		commission := order.Quantity.Mul(price).Mul(ob.commission)
		now := bar.Timestamp
		order.Status = types.OrderStatusFilled
		order.FilledQty = order.Quantity
		order.AvgFillPrice = price
		order.Commission = commission
		order.UpdatedAt = now
		order.FilledAt = &now

		fills = append(fills, fill{
			orderID:    order.ID,
			symbol:     order.Symbol,
			side:       order.Side,
			quantity:   order.Quantity,
			price:      price,
			commission: commission,
			slippage:   slip,
		})
	}
	ob.pending = remaining
	return fills
}

// tryFill prices one order against the bar. Market orders always fill,
// adversely adjusted by the slippage model; limit orders fill at their
// limit when the close crosses it.
func (ob *orderBook) tryFill(order *types.Order, bar *events.MarketDataEvent, closePx decimal.Decimal) (bool, decimal.Decimal, decimal.Decimal) {
	one := decimal.NewFromInt(1)
	switch order.Type {
	case types.OrderTypeMarket:
		slip := ob.slippage.Calculate(order, bar)
		if order.Side == types.OrderSideBuy {
			return true, closePx.Mul(one.Add(slip)), slip
		}
		return true, closePx.Mul(one.Sub(slip)), slip
	case types.OrderTypeLimit:
		if order.Side == types.OrderSideBuy && closePx.LessThanOrEqual(order.Price) {
			return true, order.Price, decimal.Zero
		}
		if order.Side == types.OrderSideSell && closePx.GreaterThanOrEqual(order.Price) {
			return true, order.Price, decimal.Zero
		}
	}
	return false, decimal.Zero, decimal.Zero
}
