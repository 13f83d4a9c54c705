package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the trade direction a Signal or TradeRecord carries.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideHold Side = "hold"
)

// Signal is the output of one Signal Engine evaluation of one strategy
// against one bar of market data.
type Signal struct {
	StrategyID string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Confidence decimal.Decimal
	Timestamp  time.Time

	// ParameterCycle is the strategy's cycle at evaluation time, folded
	// into Fingerprint so a later parameter commit produces a distinct
	// signal for the same bar.
	ParameterCycle int
	BarTimestamp   time.Time

	// Reason carries "insufficient_data" or similar for hold signals;
	// empty for actionable signals.
	Reason string
}

// Fingerprint computes the content hash identifying this signal:
// hash(strategy_id, parameter_cycle, symbol, bar_ts, side). It is the
// idempotency key for trade classification and execution.
func (s Signal) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%d|%s",
		s.StrategyID, s.ParameterCycle, s.Symbol, s.BarTimestamp.UnixNano(), s.Side)
	return hex.EncodeToString(h.Sum(nil))
}

// IsActionable reports whether this signal should proceed past the
// classifier gate; hold signals never do.
func (s Signal) IsActionable() bool {
	return s.Side == SideBuy || s.Side == SideSell
}
