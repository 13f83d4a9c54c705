// Package backtester replays candle history through a pluggable
// strategy hook and simulates the resulting orders against a portfolio
// book, producing the performance and risk metrics the evolution
// engine's shadow-backtest stage grades candidates on.
package backtester

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evostrat/engine/internal/backtester/events"
	"github.com/evostrat/engine/internal/marketdata"
	"github.com/evostrat/engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DataLoader loads the candle history a replay runs over. The
// historical data store satisfies it with the same marketdata.Candle
// shape the live gateway serves.
type DataLoader interface {
	LoadCandles(ctx context.Context, symbol string, start, end time.Time) ([]marketdata.Candle, error)
	GetAvailableSymbols() []string
	GetDataRange(symbol string) (start, end time.Time, err error)
}

// SlippageModel prices the gap between a bar's close and the fill an
// order would actually get.
type SlippageModel interface {
	Calculate(order *types.Order, bar *events.MarketDataEvent) decimal.Decimal
}

// StrategySignalFunc evaluates a single bar and returns a signal, or
// nil to hold. The evolution engine's shadow-backtest stage installs
// one backed by a signal family and a specific candidate's parameters,
// so the same replay loop serves ad hoc backtests and evolutionary
// validation.
type StrategySignalFunc func(bar *events.MarketDataEvent) *types.Signal

// Engine replays history bar by bar: mark the book, fill pending
// orders, ask the strategy for a signal, risk-filter it, and queue the
// resulting order for the next bar.
type Engine struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	loader   DataLoader
	slippage SlippageModel
	strategy StrategySignalFunc
}

// NewEngine constructs an Engine. The strategy hook starts nil; a run
// without one exercises only the book and metrics plumbing.
func NewEngine(logger *zap.Logger, loader DataLoader, slippage SlippageModel) *Engine {
	return &Engine{
		logger:   logger.Named("backtester"),
		loader:   loader,
		slippage: slippage,
	}
}

// SetStrategy installs the signal hook used on every replayed bar.
func (e *Engine) SetStrategy(fn StrategySignalFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy = fn
}

// bar pairs a candle with its symbol so a multi-symbol replay can be
// merged into one chronological stream.
type bar struct {
	symbol string
	candle marketdata.Candle
}

// Run replays config's symbols over [StartDate, EndDate] and returns
// the resulting trades, equity curve and metrics. Run is safe to call
// repeatedly; each call replays against fresh book state.
func (e *Engine) Run(ctx context.Context, config *types.BacktestConfig) (*types.BacktestResult, error) {
	startedAt := time.Now()

	bars, err := e.loadBars(ctx, config)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	strategy := e.strategy
	e.mu.RUnlock()

	book := NewPortfolio(config.InitialCapital)
	orders := newOrderBook(e.logger, e.slippage, config.Commission)
	risk := NewRiskManager(e.logger, &config.RiskLimits)

	var (
		trades      []types.Trade
		equityCurve []types.EquityCurvePoint
		processed   uint64
		halted      bool
	)

	e.logger.Info("starting backtest",
		zap.String("id", config.ID),
		zap.Int("symbols", len(config.Symbols)),
		zap.Int("bars", len(bars)),
	)

	for i := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		b := &bars[i]
		event := &events.MarketDataEvent{
			Symbol:    b.symbol,
			Timestamp: b.candle.Timestamp,
			Candle:    &b.candle,
		}
		processed++

		book.UpdatePrice(b.symbol, b.candle.Close)

		for _, fill := range orders.checkFills(event) {
			if fill.side == types.OrderSideBuy {
				book.Buy(fill.symbol, fill.quantity, fill.price, fill.commission)
				continue
			}
			pnl := book.Sell(fill.symbol, fill.quantity, fill.price, fill.commission)
			trades = append(trades, types.Trade{
				ID:         uuid.New().String(),
				OrderID:    fill.orderID,
				Symbol:     fill.symbol,
				Side:       fill.side,
				Quantity:   fill.quantity,
				Price:      fill.price,
				Commission: fill.commission,
				Slippage:   fill.slippage,
				PnL:        pnl,
				ExecutedAt: event.Timestamp,
			})
		}

		equityCurve = append(equityCurve, types.EquityCurvePoint{
			Timestamp: event.Timestamp,
			Equity:    book.GetEquity(),
			Cash:      book.GetCash(),
			Drawdown:  book.GetDrawdown(),
		})

		if halted {
			continue
		}
		if reason := risk.Check(book); reason != "" {
			e.logger.Warn("replay halted by risk limit",
				zap.String("id", config.ID),
				zap.String("reason", reason),
			)
			book.CloseAll()
			orders.cancelAll()
			halted = true
			continue
		}

		if strategy == nil {
			continue
		}
		signal := strategy(event)
		if signal == nil || !risk.AllowSignal(signal, book) {
			continue
		}
		sizingPx := signal.Price
		if sizingPx.IsZero() {
			sizingPx = b.candle.Close
		}
		qty := positionSize(book.GetEquity(), config.RiskLimits.MaxPositionSize, sizingPx)
		if qty.IsZero() {
			continue
		}
		orders.submit(&types.Order{
			ID:        uuid.New().String(),
			Symbol:    signal.Symbol,
			Side:      signal.Side,
			Type:      orderTypeFor(signal),
			Quantity:  qty,
			Price:     signal.Price,
			Status:    types.OrderStatusPending,
			CreatedAt: event.Timestamp,
			UpdatedAt: event.Timestamp,
		})
	}

	metrics := NewMetricsCalculator().Calculate(tradePtrs(trades), equityCurve, config.InitialCapital)
	riskMetrics := NewMetricsCalculator().CalculateRiskMetrics(equityCurve)

	result := &types.BacktestResult{
		ID:              config.ID,
		Config:          config,
		Metrics:         metrics,
		RiskMetrics:     riskMetrics,
		EquityCurve:     equityCurve,
		Trades:          trades,
		StartedAt:       startedAt,
		CompletedAt:     time.Now(),
		Duration:        time.Since(startedAt),
		EventsProcessed: processed,
	}

	e.logger.Info("backtest completed",
		zap.String("id", config.ID),
		zap.Duration("duration", result.Duration),
		zap.Int("trades", len(result.Trades)),
		zap.String("total_return", metrics.TotalReturn.String()),
	)
	return result, nil
}

// loadBars loads every symbol's candles and merges them into one
// chronological stream.
func (e *Engine) loadBars(ctx context.Context, config *types.BacktestConfig) ([]bar, error) {
	var bars []bar
	for _, symbol := range config.Symbols {
		candles, err := e.loader.LoadCandles(ctx, symbol, config.StartDate, config.EndDate)
		if err != nil {
			return nil, fmt.Errorf("load candles for %s: %w", symbol, err)
		}
		for _, c := range candles {
			bars = append(bars, bar{symbol: symbol, candle: c})
		}
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].candle.Timestamp.Before(bars[j].candle.Timestamp)
	})
	return bars, nil
}

// positionSize is fixed-fractional: the configured equity fraction at
// the signal price.
func positionSize(equity, maxPositionPct, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return equity.Mul(maxPositionPct).Div(price)
}

// orderTypeFor maps a priced signal to a limit order and an unpriced
// one to a market order.
func orderTypeFor(signal *types.Signal) types.OrderType {
	if signal.Price.IsZero() {
		return types.OrderTypeMarket
	}
	return types.OrderTypeLimit
}

func tradePtrs(trades []types.Trade) []*types.Trade {
	out := make([]*types.Trade, len(trades))
	for i := range trades {
		out[i] = &trades[i]
	}
	return out
}
