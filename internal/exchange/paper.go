package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// paperOrder is the bookkeeping the PaperAdapter keeps per submitted
// order, enough to answer Poll without a real venue.
type paperOrder struct {
	ack   Ack
	order Order
	state OrderState
	fill  *Fill
}

// PaperAdapter is a simulated exchange: orders fill immediately at
// their quoted price (market) or limit price (limit) plus a small
// random slip, modeling neither a real order book nor partial fills.
// Each fill price is the order price scaled by one uniform random factor
// within +/-0.05%. Exists so the engine can
// run end to end without exchange credentials.
type PaperAdapter struct {
	name string
	rng  *rand.Rand

	mu         sync.Mutex
	ordersByID map[string]*paperOrder
	byClient   map[string]Ack // ClientRef -> Ack, for idempotent re-submit

	balances map[string]decimal.Decimal
}

// NewPaperAdapter constructs a PaperAdapter seeded with starting
// balances per asset (e.g. "USDT": 10000).
func NewPaperAdapter(name string, startingBalances map[string]decimal.Decimal) *PaperAdapter {
	balances := make(map[string]decimal.Decimal, len(startingBalances))
	for k, v := range startingBalances {
		balances[k] = v
	}
	return &PaperAdapter{
		name:       name,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		ordersByID: make(map[string]*paperOrder),
		byClient:   make(map[string]Ack),
		balances:   balances,
	}
}

func (p *PaperAdapter) Name() string { return p.name }

// Submit fills the order immediately and records it under its
// ClientRef so a retried Submit with the same ClientRef returns the
// original Ack instead of creating a second order.
func (p *PaperAdapter) Submit(ctx context.Context, order Order) (Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ack, ok := p.byClient[order.ClientRef]; ok {
		return ack, nil
	}

	ack := Ack{OrderID: uuid.NewString()}
	fillPrice := order.Price
	slip := decimal.NewFromFloat(1 + (p.rng.Float64()-0.5)*0.001)
	fill := &Fill{
		Price: fillPrice.Mul(slip),
		Qty:   order.Quantity,
		Fees:  order.Quantity.Mul(fillPrice).Mul(decimal.NewFromFloat(0.001)),
		Ts:    time.Now().UTC(),
	}

	p.ordersByID[ack.OrderID] = &paperOrder{ack: ack, order: order, state: StateFilled, fill: fill}
	p.byClient[order.ClientRef] = ack
	return ack, nil
}

// Poll returns the (already-final) state and fill for orderID.
func (p *PaperAdapter) Poll(ctx context.Context, orderID string) (OrderState, *Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.ordersByID[orderID]
	if !ok {
		return StateRejected, nil, nil
	}
	return po.state, po.fill, nil
}

// Cancel is a no-op: paper orders fill synchronously in Submit, so
// there is never anything left in flight to cancel.
func (p *PaperAdapter) Cancel(ctx context.Context, orderID string) error {
	return nil
}

// Balance returns the simulated balance for asset, zero if never seeded.
func (p *PaperAdapter) Balance(ctx context.Context, asset string) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.balances[asset]
	return Balance{Total: total, Available: total, Locked: decimal.Zero}, nil
}
