// Package marketdata implements the market data gateway: an
// abstract, concurrency-safe read-only feed of latest price, order book
// depth, and recent candles per symbol, backed by a mutex-guarded
// live-tick cache with a staleness budget.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evostrat/engine/pkg/engerr"
	"github.com/evostrat/engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quote is the latest known price for a symbol.
type Quote struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal
	Ts   time.Time
}

// DepthLevel is one price/quantity rung of an order book snapshot.
type DepthLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Feed is the live upstream source the Gateway wraps. The Gateway only
// asks it whether it is connected; quotes, depth and bars reach the
// Gateway through its Publish* methods. The Gateway itself only caches
// and enforces staleness.
type Feed interface {
	// Connected reports whether the upstream feed is currently reachable.
	Connected() bool
}

// Gateway caches the latest quote, depth, and bar history per symbol.
// Single-writer (the feed-ingestion goroutine calls Publish*), many
// readers (evaluation workers call Price/Depth/Candles).
type Gateway struct {
	mu     sync.RWMutex
	logger *zap.Logger

	feed Feed

	quotes  map[string]Quote
	depths  map[string][]DepthLevel
	candles map[string][]Candle

	maxHistory int
}

// NewGateway constructs a Gateway backed by feed, retaining up to
// maxHistory candles per symbol in memory.
func NewGateway(logger *zap.Logger, feed Feed, maxHistory int) *Gateway {
	if maxHistory <= 0 {
		maxHistory = 2000
	}
	return &Gateway{
		logger:     logger.Named("marketdata"),
		feed:       feed,
		quotes:     make(map[string]Quote),
		depths:     make(map[string][]DepthLevel),
		candles:    make(map[string][]Candle),
		maxHistory: maxHistory,
	}
}

// PublishQuote records the latest bid/ask/last for symbol. Called only by
// the feed-ingestion goroutine.
func (g *Gateway) PublishQuote(symbol string, q Quote) {
	symbol = utils.FormatSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = q
}

// PublishDepth records the latest order book snapshot for symbol.
func (g *Gateway) PublishDepth(symbol string, levels []DepthLevel) {
	symbol = utils.FormatSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depths[symbol] = levels
}

// PublishCandle appends a newly closed bar for symbol, trimming history
// to maxHistory.
func (g *Gateway) PublishCandle(symbol string, c Candle) {
	symbol = utils.FormatSymbol(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	hist := append(g.candles[symbol], c)
	sort.Slice(hist, func(i, j int) bool { return hist[i].Timestamp.Before(hist[j].Timestamp) })
	if len(hist) > g.maxHistory {
		hist = hist[len(hist)-g.maxHistory:]
	}
	g.candles[symbol] = hist
}

// Price returns the latest quote for symbol, failing with StaleData if
// the freshest tick is older than maxAge, or Unavailable if the upstream
// feed is disconnected and no tick exists at all.
func (g *Gateway) Price(ctx context.Context, symbol string, maxAge time.Duration) (Quote, error) {
	symbol = utils.FormatSymbol(symbol)
	g.mu.RLock()
	q, ok := g.quotes[symbol]
	g.mu.RUnlock()

	if !ok {
		if g.feed != nil && !g.feed.Connected() {
			return Quote{}, engerr.New(engerr.Unavailable, "no quote and feed disconnected for "+symbol)
		}
		return Quote{}, engerr.New(engerr.StaleData, "no quote available for "+symbol)
	}
	if maxAge > 0 && time.Since(q.Ts) > maxAge {
		return Quote{}, engerr.New(engerr.StaleData, "quote for "+symbol+" exceeds max_age")
	}
	return q, nil
}

// Depth returns the first levels price/qty rungs of symbol's latest depth
// snapshot, in published order; levels counts rungs across the whole
// snapshot, not per side.
func (g *Gateway) Depth(ctx context.Context, symbol string, levels int) ([]DepthLevel, error) {
	symbol = utils.FormatSymbol(symbol)
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.depths[symbol]
	if !ok {
		return nil, engerr.New(engerr.StaleData, "no depth available for "+symbol)
	}
	if levels > 0 && levels < len(d) {
		d = d[:levels]
	}
	out := make([]DepthLevel, len(d))
	copy(out, d)
	return out, nil
}

// Candles returns the most recent n bars for symbol, oldest first. It
// never blocks and never fails with a transient error: an empty or short
// slice is a valid, if unhelpful, answer, leaving the "insufficient
// history" judgment to the Signal Engine.
func (g *Gateway) Candles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	symbol = utils.FormatSymbol(symbol)
	g.mu.RLock()
	defer g.mu.RUnlock()
	hist := g.candles[symbol]
	if n <= 0 || n > len(hist) {
		n = len(hist)
	}
	out := make([]Candle, n)
	copy(out, hist[len(hist)-n:])
	return out, nil
}
