package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeKind classifies a TradeRecord as money-on-the-line or simulated.
type TradeKind string

const (
	TradeReal       TradeKind = "real"
	TradeValidation TradeKind = "validation"
)

// TradeRecord is produced by the trade executor loop for every
// fingerprint that clears the classifier. Invariant: at most one real and
// at most one validation TradeRecord share a fingerprint.
type TradeRecord struct {
	Fingerprint     string
	StrategyID      string
	Symbol          string
	Kind            TradeKind
	Side            Side
	FillPrice       decimal.Decimal
	FillQty         decimal.Decimal
	PnL             decimal.Decimal
	Fees            decimal.Decimal
	Slippage        decimal.Decimal
	Timestamp       time.Time
	Success         bool
	FailureReason   string
	ExchangeOrderID string
}
