package backtester

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one open holding in the simulated book.
type Position struct {
	Symbol       string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	OpenedAt     time.Time
	Trades       int
}

// Portfolio is the replay's simulated book: cash plus open positions,
// tracking peak equity for drawdown.
type Portfolio struct {
	mu         sync.RWMutex
	cash       decimal.Decimal
	positions  map[string]*Position
	peakEquity decimal.Decimal
}

func NewPortfolio(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:       initialCash,
		positions:  make(map[string]*Position),
		peakEquity: initialCash,
	}
}

// GetCash returns free cash.
func (p *Portfolio) GetCash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// GetEquity returns cash plus positions marked at their last price.
func (p *Portfolio) GetEquity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

// GetDrawdown returns the current fraction below peak equity.
func (p *Portfolio) GetDrawdown() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.peakEquity.IsZero() {
		return decimal.Zero
	}
	return p.peakEquity.Sub(p.equityLocked()).Div(p.peakEquity)
}

// GetPosition returns the open position for symbol, or nil.
func (p *Portfolio) GetPosition(symbol string) *Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// OpenPositionCount returns the number of open positions.
func (p *Portfolio) OpenPositionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// UpdatePrice marks symbol's position at price and refreshes the peak.
func (p *Portfolio) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		pos.CurrentPrice = price
	}
	p.refreshPeakLocked()
}

// Buy adds quantity at price, debiting cash including commission and
// averaging into any existing position.
func (p *Portfolio) Buy(symbol string, quantity, price, commission decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = p.cash.Sub(quantity.Mul(price)).Sub(commission)

	if pos, ok := p.positions[symbol]; ok {
		totalQty := pos.Quantity.Add(quantity)
		totalCost := pos.Quantity.Mul(pos.AvgPrice).Add(quantity.Mul(price))
		pos.AvgPrice = totalCost.Div(totalQty)
		pos.Quantity = totalQty
		pos.CurrentPrice = price
		pos.Trades++
	} else {
		p.positions[symbol] = &Position{
			Symbol:       symbol,
			Quantity:     quantity,
			AvgPrice:     price,
			CurrentPrice: price,
			OpenedAt:     time.Now(),
			Trades:       1,
		}
	}
	p.refreshPeakLocked()
}

// Sell closes quantity at price and returns the realized PnL net of
// commission. Selling with no position is a no-op returning zero.
func (p *Portfolio) Sell(symbol string, quantity, price, commission decimal.Decimal) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return decimal.Zero
	}

	pnl := quantity.Mul(price).Sub(quantity.Mul(pos.AvgPrice)).Sub(commission)
	p.cash = p.cash.Add(quantity.Mul(price)).Sub(commission)

	pos.Quantity = pos.Quantity.Sub(quantity)
	pos.Trades++
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(p.positions, symbol)
	}
	p.refreshPeakLocked()
	return pnl
}

// CloseAll liquidates every position at its last marked price and
// returns the total realized PnL.
func (p *Portfolio) CloseAll() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total decimal.Decimal
	for symbol, pos := range p.positions {
		proceeds := pos.Quantity.Mul(pos.CurrentPrice)
		total = total.Add(proceeds.Sub(pos.Quantity.Mul(pos.AvgPrice)))
		p.cash = p.cash.Add(proceeds)
		delete(p.positions, symbol)
	}
	return total
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.Quantity.Mul(pos.CurrentPrice))
	}
	return equity
}

func (p *Portfolio) refreshPeakLocked() {
	if eq := p.equityLocked(); eq.GreaterThan(p.peakEquity) {
		p.peakEquity = eq
	}
}
