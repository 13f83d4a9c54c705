// Package events defines the bar-shaped replay event handed to a
// strategy hook and a slippage model during a backtest run.
package events

import (
	"time"

	"github.com/evostrat/engine/internal/marketdata"
)

// MarketDataEvent is one replayed candle, carrying the same
// marketdata.Candle shape the live market data gateway publishes, so a
// StrategySignalFunc sees identical bars in replay and in production.
type MarketDataEvent struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Candle    *marketdata.Candle `json:"candle,omitempty"`
}
