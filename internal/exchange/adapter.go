// Package exchange implements the exchange executor contract: an
// abstract trade side-effect boundary — place an order, poll its state,
// read balances — idempotent on client_ref. The raw Adapter interface
// carries the exchange-specific surface; idempotency, the circuit
// breaker and the quota limiter live in Protected.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType mirrors the two forms the Trade Executor Loop submits.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState is the lifecycle state an exchange order passes through.
type OrderState string

const (
	StatePending  OrderState = "pending"
	StateFilled   OrderState = "filled"
	StateRejected OrderState = "rejected"
)

// Order is what the trade executor submits to the exchange. ClientRef
// equals the originating signal's fingerprint and is the idempotency
// key.
type Order struct {
	ClientRef string
	Symbol    string
	Side      string // "buy" | "sell"
	Type      OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal // zero for market orders
}

// Ack is returned by Submit once the exchange has accepted (not
// necessarily filled) the order.
type Ack struct {
	OrderID string
}

// Fill describes a completed (possibly partial) execution.
type Fill struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	Fees  decimal.Decimal
	Ts    time.Time
}

// Balance is a read-only account balance snapshot.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Adapter is the capability every concrete exchange connector exposes.
// Implementations must make Submit idempotent on Order.ClientRef: a
// retried Submit with a client_ref already accepted must return the
// original Ack rather than creating a second order.
type Adapter interface {
	Name() string

	Submit(ctx context.Context, order Order) (Ack, error)
	Poll(ctx context.Context, orderID string) (OrderState, *Fill, error)
	Cancel(ctx context.Context, orderID string) error

	Balance(ctx context.Context, asset string) (Balance, error)
}
